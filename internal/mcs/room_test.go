package mcs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoomMembership(t *testing.T) {
	r := newRoom("room-1")
	require.Zero(t, r.userCount())

	u1 := newUser("room-1", UserSFU, "one")
	u2 := newUser("room-1", UserSFU, "two")
	r.addUser(u1)
	r.addUser(u2)
	require.Equal(t, 2, r.userCount())
	require.Len(t, r.usersSnapshot(), 2)

	got, ok := r.user(u1.ID())
	require.True(t, ok)
	require.Equal(t, u1, got)

	r.removeUser(u1.ID())
	require.Equal(t, 1, r.userCount())
	_, ok = r.user(u1.ID())
	require.False(t, ok)
}

func TestUserLeaveStopsOwnedSessions(t *testing.T) {
	adapter := &stubAdapter{}
	u := newUser("room-1", UserSFU, "bridge")

	first := newMediaSession("room-1", u.ID(), adapter, ElementParams{Kind: KindRTP})
	second := newMediaSession("room-1", u.ID(), adapter, ElementParams{Kind: KindRTP})
	for _, s := range []*MediaSession{first, second} {
		_, err := s.Start(context.Background())
		require.NoError(t, err)
		u.addSession(s)
	}

	killed := u.leave(context.Background())
	require.ElementsMatch(t, []string{string(first.ID()), string(second.ID())}, []string{string(killed[0]), string(killed[1])})
	require.Equal(t, 2, adapter.stops)
	require.Equal(t, StatusStopped, first.Status())

	// A drained user leaves cleanly again.
	require.Empty(t, u.leave(context.Background()))
}
