// Package protocol defines the websocket wire format: the event envelope,
// event names, and the payloads carried in each direction.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
)

type Event string

// Connection events.
const (
	EvAuth      Event = "auth"
	EvAuthOK    Event = "auth:ok"
	EvAuthError Event = "auth:error"
	EvError     Event = "error"

	EvProcessingStatus Event = "processingStatus"
)

// Studio events.
const (
	EvStudioInitialize         Event = "studio:initialize"
	EvStudioUpdateEffects      Event = "studio:updateEffects"
	EvStudioPreview            Event = "studio:preview"
	EvStudioAddBackgroundMusic Event = "studio:addBackgroundMusic"
	EvStudioTrim               Event = "studio:trim"
	EvStudioMerge              Event = "studio:merge"
	EvStudioClose              Event = "studio:close"

	EvStudioInitialized          Event = "studio:initialized"
	EvStudioUpdated              Event = "studio:updated"
	EvStudioPreviewReady         Event = "studio:previewReady"
	EvStudioBackgroundMusicAdded Event = "studio:backgroundMusicAdded"
	EvStudioTrimComplete         Event = "studio:trimComplete"
	EvStudioMergeComplete        Event = "studio:mergeComplete"
	EvStudioClosed               Event = "studio:closed"
	EvStudioError                Event = "studio:error"
)

// Sync events.
const (
	EvSyncInit         Event = "audioSync:init"
	EvSyncJoin         Event = "audioSync:join"
	EvSyncLeave        Event = "audioSync:leave"
	EvSyncUpdateState  Event = "audioSync:updateState"
	EvSyncUpdateEffect Event = "audioSync:updateEffect"
	EvSyncAddBuffer    Event = "audioSync:addBuffer"
	EvSyncRemoveBuffer Event = "audioSync:removeBuffer"
	EvSyncEnd          Event = "audioSync:end"
	EvSyncGetState     Event = "audioSync:getState"

	EvSyncInitialized     Event = "audioSync:initialized"
	EvSyncStateUpdated    Event = "audioSync:stateUpdated"
	EvSyncEffectUpdated   Event = "audioSync:effectUpdated"
	EvSyncBufferAdded     Event = "audioSync:bufferAdded"
	EvSyncBufferRemoved   Event = "audioSync:bufferRemoved"
	EvSyncBufferProcessed Event = "audioSync:bufferProcessed"
	EvSyncSessionEnded    Event = "audioSync:sessionEnded"
	EvSyncState           Event = "audioSync:state"
	EvSyncError           Event = "audioSync:error"
)

// Family groups events by the error event used to answer them.
type Family int

const (
	FamilyNone Family = iota
	FamilyStudio
	FamilySync
)

var inbound = map[Event]Family{
	EvAuth:                     FamilyNone,
	EvStudioInitialize:         FamilyStudio,
	EvStudioUpdateEffects:      FamilyStudio,
	EvStudioPreview:            FamilyStudio,
	EvStudioAddBackgroundMusic: FamilyStudio,
	EvStudioTrim:               FamilyStudio,
	EvStudioMerge:              FamilyStudio,
	EvStudioClose:              FamilyStudio,
	EvSyncInit:                 FamilySync,
	EvSyncJoin:                 FamilySync,
	EvSyncLeave:                FamilySync,
	EvSyncUpdateState:          FamilySync,
	EvSyncUpdateEffect:         FamilySync,
	EvSyncAddBuffer:            FamilySync,
	EvSyncRemoveBuffer:         FamilySync,
	EvSyncEnd:                  FamilySync,
	EvSyncGetState:             FamilySync,
}

// Inbound reports whether clients may send e.
func (e Event) Inbound() bool {
	_, ok := inbound[e]
	return ok
}

// Family returns the family of an inbound event.
func (e Event) Family() Family {
	return inbound[e]
}

// ErrorEvent is the event used to report a failure of a request in f.
func (f Family) ErrorEvent() Event {
	switch f {
	case FamilyStudio:
		return EvStudioError
	case FamilySync:
		return EvSyncError
	default:
		return EvError
	}
}

// Envelope is the frame exchanged in both directions. Seq is only set on
// outbound frames and increases across the whole process.
type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Seq   uint64          `json:"seq,omitempty"`
}

// Message is an outbound event before it is stamped and encoded.
type Message struct {
	Event Event
	Data  any
}

// Encode marshals m into an envelope carrying seq.
func Encode(m Message, seq uint64) ([]byte, error) {
	f, err := NewFrame(m)
	if err != nil {
		return nil, err
	}
	return f.Stamp(seq), nil
}

// Frame is an outbound message whose payload is already marshaled, so a
// sequence number can be stamped on it without re-encoding the data.
type Frame struct {
	event []byte
	data  []byte
}

func NewFrame(m Message) (Frame, error) {
	event, err := json.Marshal(string(m.Event))
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s: %w", m.Event, err)
	}
	f := Frame{event: event}
	if m.Data != nil {
		b, err := json.Marshal(m.Data)
		if err != nil {
			return Frame{}, fmt.Errorf("encode %s: %w", m.Event, err)
		}
		f.data = b
	}
	return f, nil
}

// Stamp renders the envelope for seq. The output matches marshaling an
// Envelope with the same fields.
func (f Frame) Stamp(seq uint64) []byte {
	b := make([]byte, 0, len(f.event)+len(f.data)+48)
	b = append(b, `{"event":`...)
	b = append(b, f.event...)
	if len(f.data) > 0 {
		b = append(b, `,"data":`...)
		b = append(b, f.data...)
	}
	if seq != 0 {
		b = append(b, `,"seq":`...)
		b = strconv.AppendUint(b, seq, 10)
	}
	return append(b, '}')
}

// Decode parses an inbound frame.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, &DecodeError{Reason: "malformed frame", Err: err}
	}
	if env.Event == "" {
		return Envelope{}, &DecodeError{Reason: "missing event name"}
	}
	return env, nil
}

// DecodeError reports a frame or payload that could not be parsed.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Payload is implemented by inbound payloads that check their own shape.
type Payload interface {
	Validate() error
}

// DecodeData unmarshals env.Data into v and validates it when v
// implements Payload.
func DecodeData(env Envelope, v any) error {
	data := env.Data
	if len(data) == 0 || string(data) == "null" {
		data = []byte("{}")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &DecodeError{Reason: fmt.Sprintf("invalid %s payload", env.Event), Err: err}
	}
	if p, ok := v.(Payload); ok {
		return p.Validate()
	}
	return nil
}
