package session

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/wakeup/audiostudio/internal/effect"
	"github.com/wakeup/audiostudio/internal/serial"
)

type Kind int

const (
	KindStudio Kind = iota
	KindSync
)

var kindNames = map[Kind]string{
	KindStudio: "studio",
	KindSync:   "sync",
}

var kindFromName = map[string]Kind{
	"studio": KindStudio,
	"sync":   KindSync,
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if v, ok := kindFromName[s]; ok {
		*k = v
	}
	return nil
}

// Session is the part of a session every kind shares.
type Session interface {
	ID() string
	Kind() Kind
	CreatedAt() time.Time
	LastModifiedAt() time.Time
	// Queue is the session's serialization point. Every read-modify-write
	// of the session runs as a task on it.
	Queue() *serial.Queue
	// Terminated reports whether the session has been ended. A terminated
	// session accepts no further mutations.
	Terminated() bool
}

type base struct {
	id        string
	kind      Kind
	createdAt time.Time
	queue     *serial.Queue

	mu             sync.RWMutex
	lastModifiedAt time.Time
	terminated     bool
}

func (b *base) init(id string, kind Kind, now time.Time) {
	b.id = id
	b.kind = kind
	b.createdAt = now
	b.lastModifiedAt = now
	b.queue = serial.New()
}

func (b *base) ID() string           { return b.id }
func (b *base) Kind() Kind           { return b.kind }
func (b *base) CreatedAt() time.Time { return b.createdAt }
func (b *base) Queue() *serial.Queue { return b.queue }

func (b *base) LastModifiedAt() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastModifiedAt
}

func (b *base) Terminated() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.terminated
}

// Terminate marks the session ended and closes its queue. It returns true
// only for the call that performed the transition.
func (b *base) Terminate() bool {
	b.mu.Lock()
	if b.terminated {
		b.mu.Unlock()
		return false
	}
	b.terminated = true
	b.lastModifiedAt = time.Now()
	b.mu.Unlock()
	b.queue.Close()
	return true
}

// touchLocked must be called with mu held for writing.
func (b *base) touchLocked(now time.Time) {
	b.lastModifiedAt = now
}

// Studio is a single-owner session for previewing effect chains.
type Studio struct {
	base
	ownerID string
	pending []effect.Descriptor
}

func (s *Studio) OwnerID() string { return s.ownerID }

// PendingEffects returns a copy of the chain last set through
// SetPendingEffects.
func (s *Studio) PendingEffects() []effect.Descriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return effect.CloneChain(s.pending)
}

func (s *Studio) SetPendingEffects(chain []effect.Descriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = effect.CloneChain(chain)
	s.touchLocked(time.Now())
}

// PlaybackState is the shared transport position of a sync session.
type PlaybackState struct {
	IsPlaying   bool      `json:"isPlaying"`
	CurrentTime float64   `json:"currentTime"`
	LastUpdate  time.Time `json:"lastUpdate"`
}

// PlaybackPatch carries the fields a client wants to change. Nil fields
// are left as they are.
type PlaybackPatch struct {
	IsPlaying   *bool    `json:"isPlaying,omitempty"`
	CurrentTime *float64 `json:"currentTime,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p PlaybackPatch) Empty() bool {
	return p.IsPlaying == nil && p.CurrentTime == nil
}

// Sync is a multi-participant session sharing playback state, an effect
// chain, and one buffer per participant.
type Sync struct {
	base
	collaborationID string

	participants map[string]struct{}
	playback     PlaybackState
	chain        []effect.Descriptor
	buffers      map[string][]byte
}

func (s *Sync) CollaborationID() string { return s.collaborationID }

// AddParticipant returns false when userID was already a participant.
func (s *Sync) AddParticipant(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.participants[userID]; ok {
		return false
	}
	s.participants[userID] = struct{}{}
	s.touchLocked(time.Now())
	return true
}

// RemoveParticipant drops the user and their buffer and returns how many
// participants remain.
func (s *Sync) RemoveParticipant(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.participants, userID)
	delete(s.buffers, userID)
	s.touchLocked(time.Now())
	return len(s.participants)
}

func (s *Sync) HasParticipant(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.participants[userID]
	return ok
}

// Participants returns the participant ids in sorted order.
func (s *Sync) Participants() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.participants)
}

func (s *Sync) ParticipantCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.participants)
}

// ApplyPlayback merges patch into the playback state, stamps LastUpdate
// and returns the merged state.
func (s *Sync) ApplyPlayback(patch PlaybackPatch, now time.Time) PlaybackState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if patch.IsPlaying != nil {
		s.playback.IsPlaying = *patch.IsPlaying
	}
	if patch.CurrentTime != nil {
		s.playback.CurrentTime = *patch.CurrentTime
	}
	s.playback.LastUpdate = now
	s.touchLocked(now)
	return s.playback
}

func (s *Sync) Playback() PlaybackState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.playback
}

// UpsertEffect replaces the descriptor with the same id or appends it, and
// returns a copy of the resulting chain.
func (s *Sync) UpsertEffect(d effect.Descriptor) []effect.Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chain = effect.Upsert(s.chain, d)
	s.touchLocked(time.Now())
	return effect.CloneChain(s.chain)
}

func (s *Sync) EffectChain() []effect.Descriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.chain == nil {
		return []effect.Descriptor{}
	}
	return effect.CloneChain(s.chain)
}

// SetBuffer stores buf as the user's latest buffer, replacing any earlier
// one.
func (s *Sync) SetBuffer(userID string, buf []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffers[userID] = append([]byte(nil), buf...)
	s.touchLocked(time.Now())
}

func (s *Sync) Buffer(userID string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf, ok := s.buffers[userID]
	return buf, ok
}

// RemoveBuffer returns false when the user had no buffer stored.
func (s *Sync) RemoveBuffer(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buffers[userID]; !ok {
		return false
	}
	delete(s.buffers, userID)
	s.touchLocked(time.Now())
	return true
}

// BufferOwners returns the ids of users with a stored buffer, sorted.
func (s *Sync) BufferOwners() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.buffers)
}

// Snapshot is the read-only projection sent to late joiners.
type Snapshot struct {
	SessionID       string              `json:"sessionId"`
	CollaborationID string              `json:"collaborationId"`
	Participants    []string            `json:"participants"`
	State           PlaybackState       `json:"state"`
	Effects         []effect.Descriptor `json:"effects"`
	Buffers         []string            `json:"buffers"`
	CreatedAt       time.Time           `json:"createdAt"`
	LastModifiedAt  time.Time           `json:"lastModifiedAt"`
}

// Snapshot captures the session under a single read lock.
func (s *Sync) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := effect.CloneChain(s.chain)
	if chain == nil {
		chain = []effect.Descriptor{}
	}
	return Snapshot{
		SessionID:       s.id,
		CollaborationID: s.collaborationID,
		Participants:    sortedKeys(s.participants),
		State:           s.playback,
		Effects:         chain,
		Buffers:         sortedKeys(s.buffers),
		CreatedAt:       s.createdAt,
		LastModifiedAt:  s.lastModifiedAt,
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
