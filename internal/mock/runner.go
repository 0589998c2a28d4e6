// Package mock provides a stand-in for the ffmpeg binary so the server and
// its tests can run without the tool installed.
package mock

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// Pattern shapes the synthetic progress stream.
type Pattern int

const (
	// Steady reports evenly spaced progress.
	Steady Pattern = iota
	// Burst reports progress in a few large jumps.
	Burst
	// Stall reports no progress at all, only the final result.
	Stall
	// Error reports some progress and then fails.
	Error
)

// ErrInvalidData mirrors the failure the real tool reports for input it
// cannot decode.
var ErrInvalidData = errors.New("exit status 1")

// Runner fakes ffmpeg invocations. Inputs must be recognisable audio;
// anything else fails the way the real tool does. The output is the
// input audio (or the inputs joined, for concat graphs) followed by a
// trailer naming the filter graph, so different graphs give different
// bytes.
type Runner struct {
	Pattern Pattern
	// Tick is the delay between progress lines.
	Tick time.Duration
	// Steps is the number of progress lines for Steady.
	Steps int
	// ErrorAt is the completed fraction at which Error fails.
	ErrorAt float64

	mu    sync.Mutex
	calls [][]string
}

// New returns a steady runner with a short tick.
func New() *Runner {
	return &Runner{Pattern: Steady, Tick: 5 * time.Millisecond, Steps: 4, ErrorAt: 0.5}
}

// Calls returns the argument lists of every invocation so far.
func (r *Runner) Calls() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]string, len(r.calls))
	copy(out, r.calls)
	return out
}

type invocation struct {
	inputs []string
	output string
	graph  string
	start  float64
	limit  float64
}

func parseArgs(args []string) (invocation, error) {
	var inv invocation
	inv.limit = -1
	for i := 0; i < len(args); i++ {
		flag := args[i]
		next := func() (string, error) {
			if i+1 >= len(args) {
				return "", fmt.Errorf("missing value for %s", flag)
			}
			i++
			return args[i], nil
		}
		switch flag {
		case "-i":
			v, err := next()
			if err != nil {
				return inv, err
			}
			inv.inputs = append(inv.inputs, v)
		case "-af", "-filter_complex":
			v, err := next()
			if err != nil {
				return inv, err
			}
			inv.graph = v
		case "-ss", "-t":
			v, err := next()
			if err != nil {
				return inv, err
			}
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return inv, fmt.Errorf("invalid %s %q", flag, v)
			}
			if flag == "-ss" {
				inv.start = f
			} else {
				inv.limit = f
			}
		case "-c:a", "-b:a", "-f", "-progress", "-map":
			if _, err := next(); err != nil {
				return inv, err
			}
		default:
			if !strings.HasPrefix(flag, "-") {
				inv.output = flag
			}
		}
	}
	if len(inv.inputs) == 0 || inv.output == "" {
		return inv, errors.New("at least one input and an output are required")
	}
	return inv, nil
}

func (r *Runner) Run(ctx context.Context, bin string, args []string, onLine func(string)) error {
	r.mu.Lock()
	r.calls = append(r.calls, append([]string(nil), args...))
	r.mu.Unlock()

	emit := func(line string) {
		if onLine != nil {
			onLine(line)
		}
	}

	inv, err := parseArgs(args)
	if err != nil {
		emit(err.Error())
		return ErrInvalidData
	}

	var (
		payloads [][]byte
		total    time.Duration
	)
	for _, path := range inv.inputs {
		data, err := os.ReadFile(path)
		if err != nil {
			emit(fmt.Sprintf("%s: No such file or directory", path))
			return ErrInvalidData
		}
		if !strings.HasPrefix(mimetype.Detect(data).String(), "audio/") {
			emit(fmt.Sprintf("%s: Invalid data found when processing input", path))
			return ErrInvalidData
		}
		d := Duration(data)
		emit(fmt.Sprintf("  Duration: %s, start: 0.000000, bitrate: 128 kb/s", clock(d)))
		payloads = append(payloads, data)
		if total == 0 || strings.Contains(inv.graph, "concat") {
			total += d
		}
	}
	if inv.limit >= 0 {
		total = time.Duration(inv.limit * float64(time.Second))
	}

	if err := r.progress(ctx, total, emit); err != nil {
		return err
	}

	var out []byte
	if strings.Contains(inv.graph, "concat") {
		for _, p := range payloads {
			out = append(out, p...)
		}
	} else {
		out = append(out, payloads[0]...)
	}
	out = append(out, []byte(fmt.Sprintf("\n#graph=%s;ss=%g;t=%g", inv.graph, inv.start, inv.limit))...)

	if err := os.WriteFile(inv.output, out, 0o600); err != nil {
		emit(err.Error())
		return ErrInvalidData
	}
	emit("progress=end")
	return nil
}

func (r *Runner) progress(ctx context.Context, total time.Duration, emit func(string)) error {
	var fractions []float64
	switch r.Pattern {
	case Steady:
		steps := r.Steps
		if steps <= 0 {
			steps = 4
		}
		for i := 1; i <= steps; i++ {
			fractions = append(fractions, float64(i)/float64(steps))
		}
	case Burst:
		fractions = []float64{0.1, 0.7, 1}
	case Stall:
	case Error:
		fractions = []float64{r.ErrorAt / 2, r.ErrorAt}
	}

	for _, f := range fractions {
		if err := sleep(ctx, r.Tick); err != nil {
			return err
		}
		us := int64(float64(total.Microseconds()) * f)
		emit("out_time_us=" + strconv.FormatInt(us, 10))
		emit("progress=continue")
	}

	if r.Pattern == Error {
		emit("Error while filtering: Invalid argument")
		return ErrInvalidData
	}
	return sleep(ctx, r.Tick)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func clock(d time.Duration) string {
	h := int(d / time.Hour)
	m := int(d/time.Minute) % 60
	s := math.Mod(d.Seconds(), 60)
	return fmt.Sprintf("%02d:%02d:%05.2f", h, m, s)
}

const (
	wavRate     = 8000
	wavChannels = 1
	wavBits     = 16
)

// WAV builds a mono 16-bit PCM file of length d. seed varies the samples so
// different buffers are distinguishable.
func WAV(d time.Duration, seed byte) []byte {
	samples := int(d.Seconds() * wavRate)
	dataLen := samples * wavChannels * wavBits / 8
	buf := make([]byte, 44+dataLen)

	copy(buf[0:], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:], uint32(36+dataLen))
	copy(buf[8:], "WAVE")
	copy(buf[12:], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:], 16)
	binary.LittleEndian.PutUint16(buf[20:], 1)
	binary.LittleEndian.PutUint16(buf[22:], wavChannels)
	binary.LittleEndian.PutUint32(buf[24:], wavRate)
	binary.LittleEndian.PutUint32(buf[28:], wavRate*wavChannels*wavBits/8)
	binary.LittleEndian.PutUint16(buf[32:], wavChannels*wavBits/8)
	binary.LittleEndian.PutUint16(buf[34:], wavBits)
	copy(buf[36:], "data")
	binary.LittleEndian.PutUint32(buf[40:], uint32(dataLen))

	for i := 0; i < samples; i++ {
		v := int16(math.Sin(float64(i)*float64(seed+1)/50) * 8000)
		binary.LittleEndian.PutUint16(buf[44+2*i:], uint16(v))
	}
	return buf
}

// Duration reads the playing time from a PCM WAV header. Other formats
// are assumed to be 128 kb/s.
func Duration(data []byte) time.Duration {
	if len(data) >= 44 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE" {
		byteRate := binary.LittleEndian.Uint32(data[28:32])
		dataLen := binary.LittleEndian.Uint32(data[40:44])
		if byteRate > 0 {
			return time.Duration(float64(dataLen) / float64(byteRate) * float64(time.Second))
		}
	}
	return time.Duration(float64(len(data)) / 16000 * float64(time.Second))
}
