package pipeline

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var durationPattern = regexp.MustCompile(`Duration:\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)

// durationMode selects how input durations combine into the expected
// output length.
type durationMode int

const (
	durationFirst durationMode = iota // output follows the first input
	durationSum                       // inputs are joined end to end
	durationFixed                     // output length is known up front
)

// progressTracker turns ffmpeg output into a monotonic 0-100 percentage.
// It understands the "Duration:" banner lines and the key=value stream
// written by -progress.
type progressTracker struct {
	mode      durationMode
	total     time.Duration
	inputs    int
	last      int
	onPercent func(int)
	tail      []string
}

const tailLines = 6

func newProgressTracker(mode durationMode, fixed time.Duration, onPercent func(int)) *progressTracker {
	t := &progressTracker{mode: mode, last: -1, onPercent: onPercent}
	if mode == durationFixed {
		t.total = fixed
	}
	return t
}

func (t *progressTracker) Line(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if d, ok := parseDuration(line); ok {
		t.addDuration(d)
		return
	}
	key, value, ok := strings.Cut(line, "=")
	if !ok || strings.ContainsAny(key, " \t") {
		t.remember(line)
		return
	}
	switch key {
	case "out_time_us", "out_time_ms":
		// Both keys carry microseconds.
		us, err := strconv.ParseInt(value, 10, 64)
		if err != nil || us < 0 {
			return
		}
		t.position(time.Duration(us) * time.Microsecond)
	case "progress":
		if value == "end" {
			t.report(100)
		}
	}
}

func (t *progressTracker) addDuration(d time.Duration) {
	switch t.mode {
	case durationFixed:
		return
	case durationFirst:
		if t.inputs > 0 {
			return
		}
		t.total = d
	case durationSum:
		t.total += d
	}
	t.inputs++
}

func (t *progressTracker) position(pos time.Duration) {
	if t.total <= 0 {
		return
	}
	pct := int(float64(pos) / float64(t.total) * 100)
	if pct > 99 {
		// 100 is reserved for a finished run.
		pct = 99
	}
	t.report(pct)
}

func (t *progressTracker) report(pct int) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	if pct <= t.last {
		return
	}
	t.last = pct
	if t.onPercent != nil {
		t.onPercent(pct)
	}
}

func (t *progressTracker) remember(line string) {
	t.tail = append(t.tail, line)
	if len(t.tail) > tailLines {
		t.tail = t.tail[len(t.tail)-tailLines:]
	}
}

// Tail returns the last diagnostic lines the tool printed.
func (t *progressTracker) Tail() string {
	return strings.Join(t.tail, "; ")
}

func parseDuration(line string) (time.Duration, bool) {
	m := durationPattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	h, _ := strconv.Atoi(m[1])
	mins, _ := strconv.Atoi(m[2])
	sec, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return 0, false
	}
	total := time.Duration(h)*time.Hour + time.Duration(mins)*time.Minute + time.Duration(sec*float64(time.Second))
	return total, true
}
