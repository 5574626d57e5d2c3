// Package gateway is the control-plane pub/sub fabric between this service
// and the conferencing application.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Well-known channels of the conferencing app's pub/sub fabric.
const (
	ToSFUChannel    = "to-sfu-system"
	FromSFUChannel  = "from-sfu-system"
	ToClientChannel = "to-sfu-clients"
)

// Handler consumes one raw message payload.
type Handler func(payload []byte)

// PubSub publishes and subscribes JSON payloads on named channels.
type PubSub interface {
	Publish(ctx context.Context, channel string, msg any) error
	// Subscribe registers a handler and returns its unsubscribe func.
	// Handlers for one channel run sequentially per message.
	Subscribe(ctx context.Context, channel string, h Handler) (func(), error)
}

// ReplyChannel mints a one-shot session-scoped response channel name.
func ReplyChannel() string {
	return fmt.Sprintf("sfu-response-%s", uuid.NewString())
}

// Request publishes a correlated request and waits for the single response on
// replyChannel, bounded by ctx. The subscription is dropped on return.
func Request(ctx context.Context, ps PubSub, reqChannel string, req any, replyChannel string) ([]byte, error) {
	replies := make(chan []byte, 1)
	unsubscribe, err := ps.Subscribe(ctx, replyChannel, func(payload []byte) {
		select {
		case replies <- payload:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer unsubscribe()

	if err := ps.Publish(ctx, reqChannel, req); err != nil {
		return nil, err
	}

	select {
	case payload := <-replies:
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Decode unmarshals a payload into a typed event.
func Decode[T any](payload []byte) (T, error) {
	var v T
	err := json.Unmarshal(payload, &v)
	return v, err
}
