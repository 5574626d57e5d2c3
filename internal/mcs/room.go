package mcs

import (
	"sync"

	"github.com/meshvoice/sfu/internal/domain"
)

// Room indexes the users of one voice conference. Rooms are created lazily on
// first join and destroyed only by explicit controller action.
type Room struct {
	id domain.VoiceBridge

	mu    sync.Mutex
	users map[domain.MCSUserID]*User
}

func newRoom(id domain.VoiceBridge) *Room {
	return &Room{id: id, users: make(map[domain.MCSUserID]*User)}
}

func (r *Room) ID() domain.VoiceBridge { return r.id }

func (r *Room) addUser(u *User) {
	r.mu.Lock()
	r.users[u.ID()] = u
	r.mu.Unlock()
}

func (r *Room) user(id domain.MCSUserID) (*User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	return u, ok
}

func (r *Room) removeUser(id domain.MCSUserID) {
	r.mu.Lock()
	delete(r.users, id)
	r.mu.Unlock()
}

func (r *Room) userCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

func (r *Room) usersSnapshot() []*User {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, u)
	}
	return out
}
