package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type probe struct {
	Name         string `json:"name"`
	ReplyChannel string `json:"replyChannel"`
}

func TestRequestRoundTrip(t *testing.T) {
	ps := NewFakePubSub()

	// Responder answers on the reply channel named inside the request.
	_, err := ps.Subscribe(context.Background(), FromSFUChannel, func(payload []byte) {
		req, derr := Decode[probe](payload)
		require.NoError(t, derr)
		require.NoError(t, ps.Publish(context.Background(), req.ReplyChannel, map[string]bool{"allowed": true}))
	})
	require.NoError(t, err)

	reply := ReplyChannel()
	payload, err := Request(context.Background(), ps, FromSFUChannel, probe{Name: "perm", ReplyChannel: reply}, reply)
	require.NoError(t, err)

	var resp struct {
		Allowed bool `json:"allowed"`
	}
	require.NoError(t, json.Unmarshal(payload, &resp))
	require.True(t, resp.Allowed)
}

func TestRequestTimesOutWithoutResponder(t *testing.T) {
	ps := NewFakePubSub()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := Request(ctx, ps, FromSFUChannel, probe{Name: "perm"}, ReplyChannel())
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The request itself still went out.
	require.Len(t, ps.Published(FromSFUChannel), 1)
}

func TestRequestDropsSubscriptionOnReturn(t *testing.T) {
	ps := NewFakePubSub()
	reply := ReplyChannel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := Request(ctx, ps, FromSFUChannel, probe{}, reply)
	require.Error(t, err)

	// A late response finds no handler left behind.
	require.NoError(t, ps.Publish(context.Background(), reply, map[string]string{"late": "yes"}))
	ps.mu.Lock()
	defer ps.mu.Unlock()
	require.Empty(t, ps.handlers[reply])
}

func TestReplyChannelIsUnique(t *testing.T) {
	require.NotEqual(t, ReplyChannel(), ReplyChannel())
}

func TestSubscribeUnsubscribe(t *testing.T) {
	ps := NewFakePubSub()

	var got [][]byte
	unsubscribe, err := ps.Subscribe(context.Background(), "chan-1", func(payload []byte) {
		got = append(got, payload)
	})
	require.NoError(t, err)

	require.NoError(t, ps.Publish(context.Background(), "chan-1", "one"))
	require.Len(t, got, 1)

	unsubscribe()
	require.NoError(t, ps.Publish(context.Background(), "chan-1", "two"))
	require.Len(t, got, 1)
}
