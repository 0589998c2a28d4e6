package pipeline

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/wakeup/audiostudio/internal/effect"
)

func num(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// effectStep renders one descriptor as an ffmpeg audio filter.
func effectStep(d effect.Descriptor, sampleRate int) (string, error) {
	switch d.Type {
	case effect.Echo:
		return fmt.Sprintf("aecho=0.8:0.8:%s:%s", num(d.Delay()), num(d.Decay())), nil
	case effect.Reverb:
		return fmt.Sprintf("aecho=0.8:0.88:%s:%s", num(d.Delay()), num(d.Decay())), nil
	case effect.Pitch:
		return fmt.Sprintf("asetrate=%d*%s,aresample=%d", sampleRate, num(d.Rate()), sampleRate), nil
	case effect.Tempo:
		return "atempo=" + num(d.Rate()), nil
	case effect.Bass:
		return "bass=g=" + num(d.Gain()), nil
	case effect.Treble:
		return "treble=g=" + num(d.Gain()), nil
	default:
		return "", &effect.ValidationError{Field: "effect.type", Reason: fmt.Sprintf("unknown effect type %q", string(d.Type))}
	}
}

// EffectFilter joins the chain into a single -af graph in list order. An
// empty chain yields an empty string.
func EffectFilter(chain []effect.Descriptor, sampleRate int) (string, error) {
	steps := make([]string, 0, len(chain))
	for _, d := range chain {
		step, err := effectStep(d, sampleRate)
		if err != nil {
			return "", err
		}
		steps = append(steps, step)
	}
	return strings.Join(steps, ","), nil
}

// MixFilter overlays input 1 at gain on input 0, keeping the length of
// input 0.
func MixFilter(gain float64) string {
	return fmt.Sprintf("[1:a]volume=%s[music];[0:a][music]amix=inputs=2:duration=first[out]", num(gain))
}

// ConcatFilter joins n inputs in order and limits the result.
func ConcatFilter(n int, limit float64) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "[%d:a]", i)
	}
	fmt.Fprintf(&b, "concat=n=%d:v=0:a=1[cat];[cat]alimiter=limit=%s[out]", n, num(limit))
	return b.String()
}
