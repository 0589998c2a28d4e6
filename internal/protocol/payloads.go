package protocol

import (
	"strings"

	"github.com/wakeup/audiostudio/internal/effect"
	"github.com/wakeup/audiostudio/internal/pipeline"
	"github.com/wakeup/audiostudio/internal/session"
)

// Inbound payloads. Byte fields travel as base64 strings.

type AuthPayload struct {
	Token string `json:"token"`
}

func (p *AuthPayload) Validate() error {
	return required("token", p.Token)
}

type StudioInitialize struct {
	UserID string `json:"userId"`
}

type StudioUpdateEffects struct {
	SessionID string              `json:"sessionId"`
	Effects   []effect.Descriptor `json:"effects"`
}

func (p *StudioUpdateEffects) Validate() error {
	if err := required("sessionId", p.SessionID); err != nil {
		return err
	}
	return effect.ValidateChain(p.Effects)
}

// StudioPreview leaves Effects nil when the client omitted the field, in
// which case the session's pending effects are used.
type StudioPreview struct {
	SessionID   string              `json:"sessionId"`
	AudioBuffer []byte              `json:"audioBuffer"`
	Effects     []effect.Descriptor `json:"effects"`
}

func (p *StudioPreview) Validate() error {
	if err := required("sessionId", p.SessionID); err != nil {
		return err
	}
	if err := requiredBytes("audioBuffer", p.AudioBuffer); err != nil {
		return err
	}
	return effect.ValidateChain(p.Effects)
}

type StudioAddBackgroundMusic struct {
	SessionID   string   `json:"sessionId"`
	AudioBuffer []byte   `json:"audioBuffer"`
	MusicKey    string   `json:"musicKey"`
	Volume      *float64 `json:"volume"`
}

// DefaultMusicVolume is applied when the client sends no volume.
const DefaultMusicVolume = 0.3

// VolumeOrDefault returns the requested music gain.
func (p *StudioAddBackgroundMusic) VolumeOrDefault() float64 {
	if p.Volume == nil {
		return DefaultMusicVolume
	}
	return *p.Volume
}

func (p *StudioAddBackgroundMusic) Validate() error {
	if err := required("sessionId", p.SessionID); err != nil {
		return err
	}
	if err := requiredBytes("audioBuffer", p.AudioBuffer); err != nil {
		return err
	}
	if err := required("musicKey", p.MusicKey); err != nil {
		return err
	}
	if v := p.VolumeOrDefault(); v < 0 || v > 10 {
		return &effect.ValidationError{Field: "volume", Reason: "out of range [0, 10]"}
	}
	return nil
}

type StudioTrim struct {
	SessionID   string  `json:"sessionId"`
	AudioBuffer []byte  `json:"audioBuffer"`
	StartTime   float64 `json:"startTime"`
	Duration    float64 `json:"duration"`
}

func (p *StudioTrim) Validate() error {
	if err := required("sessionId", p.SessionID); err != nil {
		return err
	}
	if err := requiredBytes("audioBuffer", p.AudioBuffer); err != nil {
		return err
	}
	if p.StartTime < 0 {
		return &effect.ValidationError{Field: "startTime", Reason: "must not be negative"}
	}
	if p.Duration <= 0 {
		return &effect.ValidationError{Field: "duration", Reason: "must be positive"}
	}
	return nil
}

type StudioMerge struct {
	SessionID    string   `json:"sessionId"`
	AudioBuffers [][]byte `json:"audioBuffers"`
}

func (p *StudioMerge) Validate() error {
	if err := required("sessionId", p.SessionID); err != nil {
		return err
	}
	if len(p.AudioBuffers) == 0 {
		return &effect.ValidationError{Field: "audioBuffers", Reason: "must not be empty"}
	}
	for _, b := range p.AudioBuffers {
		if err := requiredBytes("audioBuffers", b); err != nil {
			return err
		}
	}
	return nil
}

// SessionRef is the payload of requests that only name a session:
// studio:close, audioSync:end and audioSync:getState.
type SessionRef struct {
	SessionID string `json:"sessionId"`
}

func (p *SessionRef) Validate() error {
	return required("sessionId", p.SessionID)
}

type SyncInit struct {
	CollaborationID string   `json:"collaborationId"`
	Participants    []string `json:"participants"`
}

func (p *SyncInit) Validate() error {
	if err := required("collaborationId", p.CollaborationID); err != nil {
		return err
	}
	if len(p.Participants) == 0 {
		return &effect.ValidationError{Field: "participants", Reason: "must not be empty"}
	}
	for _, id := range p.Participants {
		if err := required("participants", id); err != nil {
			return err
		}
	}
	return nil
}

// SyncMember is the payload of audioSync:join, audioSync:leave and
// audioSync:removeBuffer. An empty UserID means the caller.
type SyncMember struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

func (p *SyncMember) Validate() error {
	return required("sessionId", p.SessionID)
}

type SyncUpdateState struct {
	SessionID string                `json:"sessionId"`
	State     session.PlaybackPatch `json:"state"`
}

func (p *SyncUpdateState) Validate() error {
	if err := required("sessionId", p.SessionID); err != nil {
		return err
	}
	if p.State.Empty() {
		return &effect.ValidationError{Field: "state", Reason: "must set isPlaying or currentTime"}
	}
	if p.State.CurrentTime != nil && *p.State.CurrentTime < 0 {
		return &effect.ValidationError{Field: "state.currentTime", Reason: "must not be negative"}
	}
	return nil
}

type SyncUpdateEffect struct {
	SessionID string            `json:"sessionId"`
	Effect    effect.Descriptor `json:"effect"`
}

func (p *SyncUpdateEffect) Validate() error {
	if err := required("sessionId", p.SessionID); err != nil {
		return err
	}
	return p.Effect.Validate()
}

type SyncAddBuffer struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Buffer    []byte `json:"buffer"`
}

func (p *SyncAddBuffer) Validate() error {
	if err := required("sessionId", p.SessionID); err != nil {
		return err
	}
	return requiredBytes("buffer", p.Buffer)
}

func required(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return &effect.ValidationError{Field: field, Reason: "must not be empty"}
	}
	return nil
}

func requiredBytes(field string, b []byte) error {
	if len(b) == 0 {
		return &effect.ValidationError{Field: field, Reason: "must not be empty"}
	}
	return nil
}

// Outbound payloads.

type AuthOK struct {
	UserID string `json:"userId"`
}

type SessionCreated struct {
	SessionID string `json:"sessionId"`
}

type StudioUpdated struct {
	SessionID string              `json:"sessionId"`
	Effects   []effect.Descriptor `json:"effects"`
}

// StudioResult answers preview, background music, trim and merge requests.
type StudioResult struct {
	SessionID      string `json:"sessionId"`
	ProcessedAudio []byte `json:"processedAudio"`
}

// ProcessingStatus reports the progress of one pipeline run.
type ProcessingStatus struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	Stage     string `json:"stage,omitempty"`
	Progress  int    `json:"progress"`
	Error     string `json:"error,omitempty"`
}

// NewProcessingStatus converts a job update to its wire form.
func NewProcessingStatus(u pipeline.JobUpdate) ProcessingStatus {
	ps := ProcessingStatus{
		SessionID: u.SessionID,
		Status:    u.Stage.String(),
		Stage:     string(u.Operation),
		Progress:  u.Percent,
	}
	if u.Err != nil {
		ps.Error = u.Err.Error()
	}
	return ps
}

type StateUpdated struct {
	SessionID string                `json:"sessionId"`
	State     session.PlaybackState `json:"state"`
}

type EffectUpdated struct {
	SessionID string              `json:"sessionId"`
	Effects   []effect.Descriptor `json:"effects"`
}

// BufferAdded carries either the processed buffer or, when the chain is
// empty, the raw one. Exactly one of the two is set.
type BufferAdded struct {
	SessionID       string `json:"sessionId"`
	UserID          string `json:"userId"`
	Buffer          []byte `json:"buffer,omitempty"`
	ProcessedBuffer []byte `json:"processedBuffer,omitempty"`
}

type BufferRemoved struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

type BufferProcessed struct {
	SessionID       string `json:"sessionId"`
	ProcessedBuffer []byte `json:"processedBuffer"`
}

type SessionEnded struct {
	SessionID string `json:"sessionId"`
}

type SyncState struct {
	State session.Snapshot `json:"state"`
}

// Error codes carried in ErrorPayload.Code.
const (
	CodeValidation   = "validation"
	CodeNotFound     = "not_found"
	CodeForbidden    = "forbidden"
	CodeUnauthorized = "unauthorized"
	CodePipeline     = "pipeline"
	CodeInternal     = "internal"
)

type ErrorPayload struct {
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message"`
	Error     string `json:"error,omitempty"`
	Code      string `json:"code"`
}
