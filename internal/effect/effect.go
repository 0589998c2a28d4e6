// Package effect models the audio effect descriptors shared by studio and
// sync sessions.
//
// A chain is an ordered slice of descriptors. Order is significant: the
// pipeline applies descriptors one after another, so [pitch, tempo] and
// [tempo, pitch] are different chains.
package effect

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Type identifies the transform a descriptor applies.
type Type string

const (
	Echo   Type = "echo"
	Reverb Type = "reverb"
	Pitch  Type = "pitch"
	Tempo  Type = "tempo"
	Bass   Type = "bass"
	Treble Type = "treble"
)

var knownTypes = map[Type]bool{
	Echo:   true,
	Reverb: true,
	Pitch:  true,
	Tempo:  true,
	Bass:   true,
	Treble: true,
}

// Known reports whether t is one of the supported effect types.
func (t Type) Known() bool {
	return knownTypes[t]
}

func (t *Type) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*t = Type(strings.ToLower(strings.TrimSpace(s)))
	return nil
}

// Parameter names understood by the pipeline.
const (
	ParamDelay = "delay"
	ParamDecay = "decay"
	ParamGain  = "gain"
	ParamRate  = "rate"

	// paramValue is the legacy spelling of ParamRate.
	paramValue = "value"
)

// Descriptor is a single named transform with numeric settings.
type Descriptor struct {
	ID         string             `json:"id"`
	Type       Type               `json:"type"`
	Parameters map[string]float64 `json:"parameters,omitempty"`
}

// Clone returns a copy that shares no map with d.
func (d Descriptor) Clone() Descriptor {
	if d.Parameters != nil {
		params := make(map[string]float64, len(d.Parameters))
		for k, v := range d.Parameters {
			params[k] = v
		}
		d.Parameters = params
	}
	return d
}

// Param returns the named setting, or def when the descriptor omits it.
// "rate" also answers to the legacy "value" key.
func (d Descriptor) Param(name string, def float64) float64 {
	if v, ok := d.Parameters[name]; ok {
		return v
	}
	if name == ParamRate {
		if v, ok := d.Parameters[paramValue]; ok {
			return v
		}
	}
	return def
}

// Delay returns the echo/reverb delay in milliseconds.
func (d Descriptor) Delay() float64 {
	if d.Type == Reverb {
		return d.Param(ParamDelay, 60)
	}
	return d.Param(ParamDelay, 1000)
}

// Decay returns the echo/reverb decay factor.
func (d Descriptor) Decay() float64 {
	if d.Type == Reverb {
		return d.Param(ParamDecay, 0.4)
	}
	return d.Param(ParamDecay, 0.5)
}

// Rate returns the pitch/tempo multiplier.
func (d Descriptor) Rate() float64 {
	return d.Param(ParamRate, 1.0)
}

// Gain returns the bass/treble gain in dB.
func (d Descriptor) Gain() float64 {
	return d.Param(ParamGain, 5)
}

// ValidationError reports a descriptor or payload that must be rejected
// before it reaches a session.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid payload: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks the descriptor type and the ranges of any settings it
// carries. Unknown types are rejected.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return invalid("effect.id", "must not be empty")
	}
	if !d.Type.Known() {
		return invalid("effect.type", "unknown effect type %q", string(d.Type))
	}

	switch d.Type {
	case Echo, Reverb:
		if delay := d.Delay(); delay <= 0 || delay > 90000 {
			return invalid("effect.parameters.delay", "%v out of range (0, 90000]", delay)
		}
		if decay := d.Decay(); decay <= 0 || decay > 1 {
			return invalid("effect.parameters.decay", "%v out of range (0, 1]", decay)
		}
	case Pitch:
		if rate := d.Rate(); rate <= 0 || rate > 4 {
			return invalid("effect.parameters.rate", "%v out of range (0, 4]", rate)
		}
	case Tempo:
		if rate := d.Rate(); rate < 0.5 || rate > 100 {
			return invalid("effect.parameters.rate", "%v out of range [0.5, 100]", rate)
		}
	case Bass, Treble:
		if gain := d.Gain(); gain < -40 || gain > 40 {
			return invalid("effect.parameters.gain", "%v out of range [-40, 40]", gain)
		}
	}
	return nil
}
