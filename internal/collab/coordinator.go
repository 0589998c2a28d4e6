package collab

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/wakeup/audiostudio/internal/effect"
	"github.com/wakeup/audiostudio/internal/logging"
	"github.com/wakeup/audiostudio/internal/pipeline"
	"github.com/wakeup/audiostudio/internal/protocol"
	"github.com/wakeup/audiostudio/internal/session"
)

// Coordinator owns the lifecycle of sync sessions. Every mutating operation
// runs on the session's queue, so operations on one session never
// interleave while different sessions proceed independently. Messages are
// sent from inside the queued task, which keeps per-session delivery order
// equal to mutation order.
type Coordinator struct {
	store  *session.Store
	proc   Processor
	router Router
	log    zerolog.Logger
	now    func() time.Time

	// ctx bounds pipeline runs and outlives any single request.
	ctx    context.Context
	cancel context.CancelFunc
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

func WithLogger(log zerolog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.log = log }
}

func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(store *session.Store, proc Processor, router Router, opts ...CoordinatorOption) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		store:  store,
		proc:   proc,
		router: router,
		log:    zerolog.Nop(),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logging.Component(c.log, "collab")
	return c
}

// Close cancels in-flight pipeline runs.
func (c *Coordinator) Close() {
	c.cancel()
}

// Init creates a sync session and subscribes every participant to it.
func (c *Coordinator) Init(ctx context.Context, collaborationID string, participants []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(participants) == 0 {
		return "", &effect.ValidationError{Field: "participants", Reason: "must not be empty"}
	}
	s := c.store.CreateSync(collaborationID, participants)
	for _, userID := range s.Participants() {
		c.router.JoinSession(s.ID(), userID)
	}
	c.log.Info().
		Str(logging.FieldSession, s.ID()).
		Str("collaboration_id", collaborationID).
		Int("participants", s.ParticipantCount()).
		Msg("sync session started")
	return s.ID(), nil
}

// Join adds userID to the session and sends them a private snapshot.
// Joining twice only resends the snapshot.
func (c *Coordinator) Join(ctx context.Context, sessionID, userID string) error {
	return c.serialized(ctx, sessionID, func(s *session.Sync) error {
		s.AddParticipant(userID)
		c.router.JoinSession(sessionID, userID)
		c.router.SendToUser(userID, protocol.Message{
			Event: protocol.EvSyncState,
			Data:  protocol.SyncState{State: s.Snapshot()},
		})
		return nil
	})
}

// Leave removes userID and their buffer. The last participant leaving
// ends the session.
func (c *Coordinator) Leave(ctx context.Context, sessionID, userID string) error {
	return c.serialized(ctx, sessionID, func(s *session.Sync) error {
		if !s.HasParticipant(userID) {
			return ErrForbidden
		}
		remaining := s.RemoveParticipant(userID)
		c.router.SendToSession(sessionID, protocol.Message{
			Event: protocol.EvSyncBufferRemoved,
			Data:  protocol.BufferRemoved{SessionID: sessionID, UserID: userID},
		})
		if remaining == 0 {
			c.teardown(s)
			return nil
		}
		c.router.LeaveSession(sessionID, userID)
		return nil
	})
}

// UpdatePlaybackState merges patch into the shared playback state and
// broadcasts the result. The last update to arrive wins.
func (c *Coordinator) UpdatePlaybackState(ctx context.Context, sessionID string, patch session.PlaybackPatch) error {
	return c.serialized(ctx, sessionID, func(s *session.Sync) error {
		state := s.ApplyPlayback(patch, c.now())
		c.router.SendToSession(sessionID, protocol.Message{
			Event: protocol.EvSyncStateUpdated,
			Data:  protocol.StateUpdated{SessionID: sessionID, State: state},
		})
		return nil
	})
}

// UpdateEffect upserts d into the chain and reprocesses every stored buffer
// in user order. Each result, or failure, goes only to the buffer's owner.
// The new chain is broadcast once all buffers are done.
func (c *Coordinator) UpdateEffect(ctx context.Context, sessionID string, d effect.Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	return c.serialized(ctx, sessionID, func(s *session.Sync) error {
		chain := s.UpsertEffect(d)
		for _, owner := range s.BufferOwners() {
			buf, ok := s.Buffer(owner)
			if !ok {
				continue
			}
			out, err := c.process(sessionID, chain, buf, c.userSink(owner))
			if err != nil {
				c.log.Warn().Err(err).
					Str(logging.FieldSession, sessionID).
					Str(logging.FieldUser, owner).
					Msg("reprocessing buffer failed")
				c.router.SendToUser(owner, pipelineFailure(protocol.EvSyncError, sessionID, err))
				continue
			}
			c.router.SendToUser(owner, protocol.Message{
				Event: protocol.EvSyncBufferProcessed,
				Data:  protocol.BufferProcessed{SessionID: sessionID, ProcessedBuffer: out},
			})
		}
		c.router.SendToSession(sessionID, protocol.Message{
			Event: protocol.EvSyncEffectUpdated,
			Data:  protocol.EffectUpdated{SessionID: sessionID, Effects: chain},
		})
		return nil
	})
}

// AddBuffer stores userID's buffer and broadcasts it, processed through the
// current chain when the chain is not empty. A pipeline failure is
// broadcast to the session and returned; the raw buffer is not sent.
func (c *Coordinator) AddBuffer(ctx context.Context, sessionID, userID string, buf []byte) error {
	return c.serialized(ctx, sessionID, func(s *session.Sync) error {
		if !s.HasParticipant(userID) {
			return ErrForbidden
		}
		s.SetBuffer(userID, buf)

		chain := s.EffectChain()
		if len(chain) == 0 {
			c.router.SendToSession(sessionID, protocol.Message{
				Event: protocol.EvSyncBufferAdded,
				Data:  protocol.BufferAdded{SessionID: sessionID, UserID: userID, Buffer: buf},
			})
			return nil
		}

		out, err := c.process(sessionID, chain, buf, c.sessionSink(sessionID))
		if err != nil {
			c.log.Warn().Err(err).
				Str(logging.FieldSession, sessionID).
				Str(logging.FieldUser, userID).
				Msg("processing added buffer failed")
			c.router.SendToSession(sessionID, pipelineFailure(protocol.EvSyncError, sessionID, err))
			return err
		}
		c.router.SendToSession(sessionID, protocol.Message{
			Event: protocol.EvSyncBufferAdded,
			Data:  protocol.BufferAdded{SessionID: sessionID, UserID: userID, ProcessedBuffer: out},
		})
		return nil
	})
}

// RemoveBuffer deletes userID's buffer and broadcasts the removal.
func (c *Coordinator) RemoveBuffer(ctx context.Context, sessionID, userID string) error {
	return c.serialized(ctx, sessionID, func(s *session.Sync) error {
		if !s.HasParticipant(userID) {
			return ErrForbidden
		}
		s.RemoveBuffer(userID)
		c.router.SendToSession(sessionID, protocol.Message{
			Event: protocol.EvSyncBufferRemoved,
			Data:  protocol.BufferRemoved{SessionID: sessionID, UserID: userID},
		})
		return nil
	})
}

// End terminates the session after any queued operation has finished.
func (c *Coordinator) End(ctx context.Context, sessionID string) error {
	return c.serialized(ctx, sessionID, func(s *session.Sync) error {
		c.teardown(s)
		return nil
	})
}

// GetState returns a snapshot of a live session.
func (c *Coordinator) GetState(sessionID string) (session.Snapshot, bool) {
	s, ok := c.store.Sync(sessionID)
	if !ok || s.Terminated() {
		return session.Snapshot{}, false
	}
	return s.Snapshot(), true
}

// IsParticipant reports whether userID currently belongs to the session.
func (c *Coordinator) IsParticipant(sessionID, userID string) bool {
	s, ok := c.store.Sync(sessionID)
	return ok && !s.Terminated() && s.HasParticipant(userID)
}

// serialized runs fn on the session's queue. If ctx ends while waiting the
// task still runs in its turn, but its result is discarded.
func (c *Coordinator) serialized(ctx context.Context, sessionID string, fn func(*session.Sync) error) error {
	s, ok := c.store.Sync(sessionID)
	if !ok {
		return ErrNotFound
	}
	var err error
	ran, werr := s.Queue().Run(ctx, func() {
		if s.Terminated() {
			err = ErrNotFound
			return
		}
		err = fn(s)
	})
	if !ran {
		return ErrNotFound
	}
	if werr != nil {
		return werr
	}
	return err
}

// teardown must run on the session's queue.
func (c *Coordinator) teardown(s *session.Sync) {
	id := s.ID()
	c.router.SendToSession(id, protocol.Message{
		Event: protocol.EvSyncSessionEnded,
		Data:  protocol.SessionEnded{SessionID: id},
	})
	c.router.CloseSession(id)
	c.store.Destroy(id)
	s.Terminate()
	c.log.Info().Str(logging.FieldSession, id).Msg("sync session ended")
}

func (c *Coordinator) process(sessionID string, chain []effect.Descriptor, buf []byte, sink func(pipeline.JobUpdate)) ([]byte, error) {
	job := pipeline.NewJob(sessionID, pipeline.OpEffects, sink)
	out, err := c.proc.Apply(c.ctx, buf, chain, job.Progress)
	job.Finish(err)
	return out, err
}

func (c *Coordinator) userSink(userID string) func(pipeline.JobUpdate) {
	return func(u pipeline.JobUpdate) {
		c.router.SendToUser(userID, statusMessage(u))
	}
}

func (c *Coordinator) sessionSink(sessionID string) func(pipeline.JobUpdate) {
	return func(u pipeline.JobUpdate) {
		c.router.SendToSession(sessionID, statusMessage(u))
	}
}

func statusMessage(u pipeline.JobUpdate) protocol.Message {
	return protocol.Message{
		Event: protocol.EvProcessingStatus,
		Data:  protocol.NewProcessingStatus(u),
	}
}

func pipelineFailure(ev protocol.Event, sessionID string, err error) protocol.Message {
	return protocol.Message{
		Event: ev,
		Data: protocol.ErrorPayload{
			SessionID: sessionID,
			Message:   "audio processing failed",
			Error:     err.Error(),
			Code:      protocol.CodePipeline,
		},
	}
}
