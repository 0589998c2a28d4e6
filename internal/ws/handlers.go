package ws

import (
	"context"
	"errors"
	"slices"

	"github.com/wakeup/audiostudio/internal/auth"
	"github.com/wakeup/audiostudio/internal/collab"
	"github.com/wakeup/audiostudio/internal/effect"
	"github.com/wakeup/audiostudio/internal/music"
	"github.com/wakeup/audiostudio/internal/pipeline"
	"github.com/wakeup/audiostudio/internal/protocol"
)

type handler func(ctx context.Context, cs *connection, env protocol.Envelope) error

// reported wraps an error that has already been delivered to the clients
// concerned, so the dispatcher does not answer it a second time.
type reported struct{ error }

func (r reported) Unwrap() error { return r.error }

func (s *Server) routes() map[protocol.Event]handler {
	return map[protocol.Event]handler{
		protocol.EvStudioInitialize:         s.studioInitialize,
		protocol.EvStudioUpdateEffects:      s.studioUpdateEffects,
		protocol.EvStudioPreview:            s.studioPreview,
		protocol.EvStudioAddBackgroundMusic: s.studioAddBackgroundMusic,
		protocol.EvStudioTrim:               s.studioTrim,
		protocol.EvStudioMerge:              s.studioMerge,
		protocol.EvStudioClose:              s.studioClose,
		protocol.EvSyncInit:                 s.syncInit,
		protocol.EvSyncJoin:                 s.syncJoin,
		protocol.EvSyncLeave:                s.syncLeave,
		protocol.EvSyncUpdateState:          s.syncUpdateState,
		protocol.EvSyncUpdateEffect:         s.syncUpdateEffect,
		protocol.EvSyncAddBuffer:            s.syncAddBuffer,
		protocol.EvSyncRemoveBuffer:         s.syncRemoveBuffer,
		protocol.EvSyncEnd:                  s.syncEnd,
		protocol.EvSyncGetState:             s.syncGetState,
	}
}

// Studio handlers.

func (s *Server) studioInitialize(_ context.Context, cs *connection, env protocol.Envelope) error {
	var p protocol.StudioInitialize
	if err := protocol.DecodeData(env, &p); err != nil {
		return err
	}
	userID, err := cs.actingAs(p.UserID)
	if err != nil {
		return err
	}
	id := s.studio.Initialize(userID)
	cs.trackStudio(id)
	cs.send(protocol.Message{Event: protocol.EvStudioInitialized, Data: protocol.SessionCreated{SessionID: id}})
	return nil
}

func (s *Server) studioUpdateEffects(ctx context.Context, cs *connection, env protocol.Envelope) error {
	var p protocol.StudioUpdateEffects
	if err := protocol.DecodeData(env, &p); err != nil {
		return err
	}
	chain, err := s.studio.UpdateEffects(ctx, p.SessionID, cs.identity(), p.Effects)
	if err != nil {
		return err
	}
	cs.send(protocol.Message{Event: protocol.EvStudioUpdated, Data: protocol.StudioUpdated{SessionID: p.SessionID, Effects: chain}})
	return nil
}

func (s *Server) studioPreview(ctx context.Context, cs *connection, env protocol.Envelope) error {
	var p protocol.StudioPreview
	if err := protocol.DecodeData(env, &p); err != nil {
		return err
	}
	out, err := s.studio.Preview(ctx, p.SessionID, cs.identity(), p.AudioBuffer, p.Effects, cs.progress)
	if err != nil {
		return err
	}
	cs.send(studioResult(protocol.EvStudioPreviewReady, p.SessionID, out))
	return nil
}

func (s *Server) studioAddBackgroundMusic(ctx context.Context, cs *connection, env protocol.Envelope) error {
	var p protocol.StudioAddBackgroundMusic
	if err := protocol.DecodeData(env, &p); err != nil {
		return err
	}
	out, err := s.studio.AddBackgroundMusic(ctx, p.SessionID, cs.identity(), p.AudioBuffer, p.MusicKey, p.VolumeOrDefault(), cs.progress)
	if err != nil {
		return err
	}
	cs.send(studioResult(protocol.EvStudioBackgroundMusicAdded, p.SessionID, out))
	return nil
}

func (s *Server) studioTrim(ctx context.Context, cs *connection, env protocol.Envelope) error {
	var p protocol.StudioTrim
	if err := protocol.DecodeData(env, &p); err != nil {
		return err
	}
	out, err := s.studio.Trim(ctx, p.SessionID, cs.identity(), p.AudioBuffer, p.StartTime, p.Duration, cs.progress)
	if err != nil {
		return err
	}
	cs.send(studioResult(protocol.EvStudioTrimComplete, p.SessionID, out))
	return nil
}

func (s *Server) studioMerge(ctx context.Context, cs *connection, env protocol.Envelope) error {
	var p protocol.StudioMerge
	if err := protocol.DecodeData(env, &p); err != nil {
		return err
	}
	out, err := s.studio.Merge(ctx, p.SessionID, cs.identity(), p.AudioBuffers, cs.progress)
	if err != nil {
		return err
	}
	cs.send(studioResult(protocol.EvStudioMergeComplete, p.SessionID, out))
	return nil
}

func (s *Server) studioClose(ctx context.Context, cs *connection, env protocol.Envelope) error {
	var p protocol.SessionRef
	if err := protocol.DecodeData(env, &p); err != nil {
		return err
	}
	if err := s.studio.Close(ctx, p.SessionID, cs.identity()); err != nil {
		return err
	}
	cs.untrackStudio(p.SessionID)
	cs.send(protocol.Message{Event: protocol.EvStudioClosed, Data: protocol.SessionEnded{SessionID: p.SessionID}})
	return nil
}

func studioResult(ev protocol.Event, sessionID string, audio []byte) protocol.Message {
	return protocol.Message{Event: ev, Data: protocol.StudioResult{SessionID: sessionID, ProcessedAudio: audio}}
}

// Sync handlers.

func (s *Server) syncInit(ctx context.Context, cs *connection, env protocol.Envelope) error {
	var p protocol.SyncInit
	if err := protocol.DecodeData(env, &p); err != nil {
		return err
	}
	id, err := s.coord.Init(ctx, p.CollaborationID, p.Participants)
	if err != nil {
		return err
	}
	if slices.Contains(p.Participants, cs.identity()) {
		cs.trackSync(id)
	}
	cs.send(protocol.Message{Event: protocol.EvSyncInitialized, Data: protocol.SessionCreated{SessionID: id}})
	return nil
}

func (s *Server) syncJoin(ctx context.Context, cs *connection, env protocol.Envelope) error {
	var p protocol.SyncMember
	if err := protocol.DecodeData(env, &p); err != nil {
		return err
	}
	userID, err := cs.actingAs(p.UserID)
	if err != nil {
		return err
	}
	if err := s.coord.Join(ctx, p.SessionID, userID); err != nil {
		return err
	}
	cs.trackSync(p.SessionID)
	return nil
}

func (s *Server) syncLeave(ctx context.Context, cs *connection, env protocol.Envelope) error {
	var p protocol.SyncMember
	if err := protocol.DecodeData(env, &p); err != nil {
		return err
	}
	userID, err := cs.actingAs(p.UserID)
	if err != nil {
		return err
	}
	if err := s.coord.Leave(ctx, p.SessionID, userID); err != nil {
		return err
	}
	s.follows.forget(userID, p.SessionID)
	return nil
}

func (s *Server) syncUpdateState(ctx context.Context, cs *connection, env protocol.Envelope) error {
	var p protocol.SyncUpdateState
	if err := protocol.DecodeData(env, &p); err != nil {
		return err
	}
	if err := s.requireParticipant(p.SessionID, cs.identity()); err != nil {
		return err
	}
	return s.coord.UpdatePlaybackState(ctx, p.SessionID, p.State)
}

func (s *Server) syncUpdateEffect(ctx context.Context, cs *connection, env protocol.Envelope) error {
	var p protocol.SyncUpdateEffect
	if err := protocol.DecodeData(env, &p); err != nil {
		return err
	}
	if err := s.requireParticipant(p.SessionID, cs.identity()); err != nil {
		return err
	}
	return s.coord.UpdateEffect(ctx, p.SessionID, p.Effect)
}

func (s *Server) syncAddBuffer(ctx context.Context, cs *connection, env protocol.Envelope) error {
	var p protocol.SyncAddBuffer
	if err := protocol.DecodeData(env, &p); err != nil {
		return err
	}
	userID, err := cs.actingAs(p.UserID)
	if err != nil {
		return err
	}
	err = s.coord.AddBuffer(ctx, p.SessionID, userID, p.Buffer)
	var perr *pipeline.PipelineError
	if errors.As(err, &perr) {
		return reported{err}
	}
	return err
}

func (s *Server) syncRemoveBuffer(ctx context.Context, cs *connection, env protocol.Envelope) error {
	var p protocol.SyncMember
	if err := protocol.DecodeData(env, &p); err != nil {
		return err
	}
	userID, err := cs.actingAs(p.UserID)
	if err != nil {
		return err
	}
	return s.coord.RemoveBuffer(ctx, p.SessionID, userID)
}

func (s *Server) syncEnd(ctx context.Context, cs *connection, env protocol.Envelope) error {
	var p protocol.SessionRef
	if err := protocol.DecodeData(env, &p); err != nil {
		return err
	}
	if err := s.requireParticipant(p.SessionID, cs.identity()); err != nil {
		return err
	}
	if err := s.coord.End(ctx, p.SessionID); err != nil {
		return err
	}
	s.follows.end(p.SessionID)
	return nil
}

func (s *Server) syncGetState(_ context.Context, cs *connection, env protocol.Envelope) error {
	var p protocol.SessionRef
	if err := protocol.DecodeData(env, &p); err != nil {
		return err
	}
	snap, ok := s.coord.GetState(p.SessionID)
	if !ok {
		return collab.ErrNotFound
	}
	cs.send(protocol.Message{Event: protocol.EvSyncState, Data: protocol.SyncState{State: snap}})
	return nil
}

func (s *Server) requireParticipant(sessionID, userID string) error {
	if s.coord.IsParticipant(sessionID, userID) {
		return nil
	}
	if _, ok := s.coord.GetState(sessionID); !ok {
		return collab.ErrNotFound
	}
	return collab.ErrForbidden
}

// actingAs resolves the user a payload names. An empty id means the
// caller; any other identity is refused.
func (cs *connection) actingAs(userID string) (string, error) {
	self := cs.identity()
	if userID == "" || userID == self {
		return self, nil
	}
	return "", collab.ErrForbidden
}

// Failure replies.

var failureMessages = map[protocol.Event]string{
	protocol.EvStudioInitialize:         "could not start studio session",
	protocol.EvStudioUpdateEffects:      "could not update effects",
	protocol.EvStudioPreview:            "preview failed",
	protocol.EvStudioAddBackgroundMusic: "could not add background music",
	protocol.EvStudioTrim:               "trim failed",
	protocol.EvStudioMerge:              "merge failed",
	protocol.EvStudioClose:              "could not close studio session",
	protocol.EvSyncInit:                 "could not start sync session",
	protocol.EvSyncJoin:                 "could not join session",
	protocol.EvSyncLeave:                "could not leave session",
	protocol.EvSyncUpdateState:          "could not update playback state",
	protocol.EvSyncUpdateEffect:         "could not update effect",
	protocol.EvSyncAddBuffer:            "could not add audio buffer",
	protocol.EvSyncRemoveBuffer:         "could not remove audio buffer",
	protocol.EvSyncEnd:                  "could not end session",
	protocol.EvSyncGetState:             "could not read session state",
}

func failure(env protocol.Envelope, err error) protocol.Message {
	msg, ok := failureMessages[env.Event]
	if !ok {
		msg = "request failed"
	}
	return errorMessage(env.Event.Family().ErrorEvent(), sessionOf(env), msg, err)
}

func errorMessage(ev protocol.Event, sessionID, msg string, err error) protocol.Message {
	code := errorCode(err)
	detail := err.Error()
	if code == protocol.CodeInternal {
		detail = "internal error"
	}
	return protocol.Message{
		Event: ev,
		Data: protocol.ErrorPayload{
			SessionID: sessionID,
			Message:   msg,
			Error:     detail,
			Code:      code,
		},
	}
}

func errorCode(err error) string {
	var (
		verr *effect.ValidationError
		derr *protocol.DecodeError
		perr *pipeline.PipelineError
	)
	switch {
	case errors.As(err, &verr), errors.As(err, &derr),
		errors.Is(err, music.ErrInvalidKey), errors.Is(err, music.ErrTooLarge):
		return protocol.CodeValidation
	case errors.Is(err, collab.ErrNotFound), errors.Is(err, music.ErrNotFound), errors.Is(err, music.ErrDisabled):
		return protocol.CodeNotFound
	case errors.Is(err, collab.ErrForbidden):
		return protocol.CodeForbidden
	case errors.Is(err, auth.ErrMissingToken), errors.Is(err, auth.ErrInvalidToken):
		return protocol.CodeUnauthorized
	case errors.As(err, &perr):
		return protocol.CodePipeline
	default:
		return protocol.CodeInternal
	}
}
