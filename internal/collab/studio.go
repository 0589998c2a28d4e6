package collab

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/wakeup/audiostudio/internal/effect"
	"github.com/wakeup/audiostudio/internal/logging"
	"github.com/wakeup/audiostudio/internal/music"
	"github.com/wakeup/audiostudio/internal/pipeline"
	"github.com/wakeup/audiostudio/internal/session"
)

// Studio runs the single-owner studio operations. Results are returned to
// the caller; progress goes to the sink passed with each request.
type Studio struct {
	store *session.Store
	proc  Processor
	music music.Library
	log   zerolog.Logger
}

func NewStudio(store *session.Store, proc Processor, lib music.Library, log zerolog.Logger) *Studio {
	if lib == nil {
		lib = music.Disabled{}
	}
	return &Studio{
		store: store,
		proc:  proc,
		music: lib,
		log:   logging.Component(log, "studio"),
	}
}

// Initialize opens a studio session owned by userID.
func (s *Studio) Initialize(userID string) string {
	st := s.store.CreateStudio(userID)
	s.log.Info().Str(logging.FieldSession, st.ID()).Str(logging.FieldUser, userID).Msg("studio session started")
	return st.ID()
}

// UpdateEffects replaces the session's pending chain.
func (s *Studio) UpdateEffects(ctx context.Context, sessionID, userID string, chain []effect.Descriptor) ([]effect.Descriptor, error) {
	if err := effect.ValidateChain(chain); err != nil {
		return nil, err
	}
	var out []effect.Descriptor
	err := s.serialized(ctx, sessionID, userID, func(st *session.Studio) error {
		st.SetPendingEffects(chain)
		out = st.PendingEffects()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Preview applies chain to audio. A nil chain uses the session's pending
// effects; a non-nil chain also becomes the new pending chain.
func (s *Studio) Preview(ctx context.Context, sessionID, userID string, audio []byte, chain []effect.Descriptor, sink func(pipeline.JobUpdate)) ([]byte, error) {
	if chain != nil {
		if err := effect.ValidateChain(chain); err != nil {
			return nil, err
		}
	}
	var out []byte
	err := s.serialized(ctx, sessionID, userID, func(st *session.Studio) error {
		if chain == nil {
			chain = st.PendingEffects()
		} else {
			st.SetPendingEffects(chain)
		}
		job := pipeline.NewJob(sessionID, pipeline.OpEffects, sink)
		var err error
		out, err = s.proc.Apply(ctx, audio, chain, job.Progress)
		job.Finish(err)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AddBackgroundMusic mixes the track stored under musicKey beneath audio.
func (s *Studio) AddBackgroundMusic(ctx context.Context, sessionID, userID string, audio []byte, musicKey string, volume float64, sink func(pipeline.JobUpdate)) ([]byte, error) {
	var out []byte
	err := s.serialized(ctx, sessionID, userID, func(*session.Studio) error {
		job := pipeline.NewJob(sessionID, pipeline.OpMixing, sink)
		track, err := s.music.Fetch(ctx, musicKey)
		if err != nil {
			err = fmt.Errorf("fetch music %q: %w", musicKey, err)
			job.Finish(err)
			return err
		}
		out, err = s.proc.Mix(ctx, audio, track, volume, job.Progress)
		job.Finish(err)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Trim cuts duration seconds of audio starting at start.
func (s *Studio) Trim(ctx context.Context, sessionID, userID string, audio []byte, start, duration float64, sink func(pipeline.JobUpdate)) ([]byte, error) {
	var out []byte
	err := s.serialized(ctx, sessionID, userID, func(*session.Studio) error {
		job := pipeline.NewJob(sessionID, pipeline.OpTrim, sink)
		var err error
		out, err = s.proc.Trim(ctx, audio, start, duration, job.Progress)
		job.Finish(err)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Merge concatenates buffers in order.
func (s *Studio) Merge(ctx context.Context, sessionID, userID string, buffers [][]byte, sink func(pipeline.JobUpdate)) ([]byte, error) {
	var out []byte
	err := s.serialized(ctx, sessionID, userID, func(*session.Studio) error {
		job := pipeline.NewJob(sessionID, pipeline.OpMerge, sink)
		var err error
		out, err = s.proc.Concatenate(ctx, buffers, job.Progress)
		job.Finish(err)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close ends the session once any queued request has finished.
func (s *Studio) Close(ctx context.Context, sessionID, userID string) error {
	return s.serialized(ctx, sessionID, userID, func(st *session.Studio) error {
		s.store.Destroy(sessionID)
		st.Terminate()
		s.log.Info().Str(logging.FieldSession, sessionID).Msg("studio session closed")
		return nil
	})
}

// CloseOwnedBy closes every studio session owned by userID and returns the
// ids it closed.
func (s *Studio) CloseOwnedBy(ctx context.Context, userID string) []string {
	var closed []string
	for _, st := range s.store.StudiosOwnedBy(userID) {
		if err := s.Close(ctx, st.ID(), userID); err == nil {
			closed = append(closed, st.ID())
		}
	}
	return closed
}

// serialized checks ownership and runs fn on the session's queue. Callers
// must not read values fn writes unless serialized returns nil.
func (s *Studio) serialized(ctx context.Context, sessionID, userID string, fn func(*session.Studio) error) error {
	st, ok := s.store.Studio(sessionID)
	if !ok {
		return ErrNotFound
	}
	if st.OwnerID() != userID {
		return ErrForbidden
	}
	var err error
	ran, werr := st.Queue().Run(ctx, func() {
		if st.Terminated() {
			err = ErrNotFound
			return
		}
		err = fn(st)
	})
	if !ran {
		return ErrNotFound
	}
	if werr != nil {
		return werr
	}
	return err
}
