package mcs

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/meshvoice/sfu/internal/domain"
)

// User owns the media sessions of one logical participant (or synthetic
// bridge identity) in one room. A session belongs to exactly one user.
type User struct {
	id     domain.MCSUserID
	roomID domain.VoiceBridge
	kind   UserType
	name   string

	mu       sync.Mutex
	sessions map[domain.MediaID]*MediaSession
}

func newUser(room domain.VoiceBridge, kind UserType, name string) *User {
	return &User{
		id:       domain.MCSUserID(uuid.NewString()),
		roomID:   room,
		kind:     kind,
		name:     name,
		sessions: make(map[domain.MediaID]*MediaSession),
	}
}

func (u *User) ID() domain.MCSUserID     { return u.id }
func (u *User) Room() domain.VoiceBridge { return u.roomID }
func (u *User) Name() string             { return u.name }

func (u *User) addSession(s *MediaSession) {
	u.mu.Lock()
	u.sessions[s.ID()] = s
	u.mu.Unlock()
}

func (u *User) session(id domain.MediaID) (*MediaSession, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	s, ok := u.sessions[id]
	return s, ok
}

func (u *User) removeSession(id domain.MediaID) {
	u.mu.Lock()
	delete(u.sessions, id)
	u.mu.Unlock()
}

// leave stops every owned session best-effort and returns the ids actually
// killed so the caller can purge cross-references. Individual stop failures
// are logged and do not abort the remaining stops.
func (u *User) leave(ctx context.Context) []domain.MediaID {
	u.mu.Lock()
	sessions := make([]*MediaSession, 0, len(u.sessions))
	for _, s := range u.sessions {
		sessions = append(sessions, s)
	}
	u.sessions = make(map[domain.MediaID]*MediaSession)
	u.mu.Unlock()

	killed := make([]domain.MediaID, 0, len(sessions))
	for _, s := range sessions {
		if err := s.Stop(ctx); err != nil {
			log.Warn().Err(err).Str("module", "mcs.user").Str("user_id", string(u.id)).Str("media_id", string(s.ID())).Msg("session stop failed on leave")
		}
		killed = append(killed, s.ID())
	}
	return killed
}
