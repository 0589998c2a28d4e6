package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store is the process-local registry of live sessions. It is constructed
// once and injected; nothing in it survives a restart.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]Session
	observer func(Event)
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithObserver registers fn to receive lifecycle events. fn is called
// outside the store lock.
func WithObserver(fn func(Event)) Option {
	return func(s *Store) { s.observer = fn }
}

// WithClock overrides the time source used for ids and timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		sessions: make(map[string]Session),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func randomSuffix() string {
	return uuid.NewString()[:8]
}

// CreateStudio registers a new studio session owned by ownerID.
func (s *Store) CreateStudio(ownerID string) *Studio {
	now := s.now()
	st := &Studio{ownerID: ownerID}
	st.init(fmt.Sprintf("studio_%d_%s_%s", now.UnixMilli(), ownerID, randomSuffix()), KindStudio, now)
	s.add(st)
	return st
}

// CreateSync registers a new sync session with the given initial
// participants. Duplicate participant ids collapse.
func (s *Store) CreateSync(collaborationID string, participants []string) *Sync {
	now := s.now()
	sy := &Sync{
		collaborationID: collaborationID,
		participants:    make(map[string]struct{}, len(participants)),
		buffers:         make(map[string][]byte),
		playback:        PlaybackState{LastUpdate: now},
	}
	for _, p := range participants {
		sy.participants[p] = struct{}{}
	}
	sy.init(fmt.Sprintf("sync_%s_%d_%s", collaborationID, now.UnixMilli(), randomSuffix()), KindSync, now)
	s.add(sy)
	return sy
}

func (s *Store) add(sess Session) {
	s.mu.Lock()
	s.sessions[sess.ID()] = sess
	ev := s.eventLocked(EventCreated, sess)
	s.mu.Unlock()
	s.notify(ev)
}

func (s *Store) Get(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Studio returns the studio session with the given id.
func (s *Store) Studio(id string) (*Studio, bool) {
	sess, ok := s.Get(id)
	if !ok {
		return nil, false
	}
	st, ok := sess.(*Studio)
	return st, ok
}

// Sync returns the sync session with the given id.
func (s *Store) Sync(id string) (*Sync, bool) {
	sess, ok := s.Get(id)
	if !ok {
		return nil, false
	}
	sy, ok := sess.(*Sync)
	return sy, ok
}

// Destroy removes the session. Destroying an unknown id is a no-op and
// returns false.
func (s *Store) Destroy(id string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.sessions, id)
	ev := s.eventLocked(EventDestroyed, sess)
	s.mu.Unlock()
	s.notify(ev)
	return true
}

// Count returns the number of live studio and sync sessions.
func (s *Store) Count() (studios, syncs int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countLocked()
}

// StudiosOwnedBy returns the studio sessions owned by userID.
func (s *Store) StudiosOwnedBy(userID string) []*Studio {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Studio
	for _, sess := range s.sessions {
		if st, ok := sess.(*Studio); ok && st.ownerID == userID {
			out = append(out, st)
		}
	}
	return out
}

func (s *Store) countLocked() (studios, syncs int) {
	for _, sess := range s.sessions {
		switch sess.Kind() {
		case KindStudio:
			studios++
		case KindSync:
			syncs++
		}
	}
	return studios, syncs
}

func (s *Store) eventLocked(t EventType, sess Session) Event {
	studios, syncs := s.countLocked()
	return Event{Type: t, Kind: sess.Kind(), ID: sess.ID(), Studios: studios, Syncs: syncs}
}

func (s *Store) notify(ev Event) {
	if s.observer != nil {
		s.observer(ev)
	}
}
