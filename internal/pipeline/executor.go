// Package pipeline runs audio transforms through an external media tool.
//
// Every run writes its inputs into a private job directory, invokes the
// tool once, reads the result back and removes the directory on every
// exit path. Runs are never retried.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/wakeup/audiostudio/internal/effect"
)

// Encoding selects the output codec and container.
type Encoding struct {
	Codec     string
	Bitrate   string
	Format    string
	Extension string
}

// DefaultEncoding is 128k mp3.
var DefaultEncoding = Encoding{Codec: "libmp3lame", Bitrate: "128k", Format: "mp3", Extension: ".mp3"}

// RunResult describes a finished run for observers.
type RunResult struct {
	Operation Operation
	Elapsed   time.Duration
	Err       error
}

// Option configures the executor.
type Option func(*Executor)

// WithRunner injects a custom runner (tests, mock mode).
func WithRunner(r Runner) Option {
	return func(e *Executor) {
		if r != nil {
			e.runner = r
		}
	}
}

// WithBinary overrides the ffmpeg binary path.
func WithBinary(binary string) Option {
	return func(e *Executor) {
		if binary != "" {
			e.binary = binary
		}
	}
}

// WithConcurrency bounds the number of simultaneous tool invocations.
func WithConcurrency(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithTimeout bounds a single invocation. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) { e.timeout = d }
}

// WithSampleRate sets the rate used by pitch shifting.
func WithSampleRate(rate int) Option {
	return func(e *Executor) {
		if rate > 0 {
			e.sampleRate = rate
		}
	}
}

// WithEncoding overrides the output encoding.
func WithEncoding(enc Encoding) Option {
	return func(e *Executor) {
		if enc.Codec != "" {
			e.encoding = enc
		}
	}
}

// WithLimiter sets the peak limit applied after concatenation.
func WithLimiter(limit float64) Option {
	return func(e *Executor) {
		if limit > 0 && limit <= 1 {
			e.limiter = limit
		}
	}
}

// WithObserver registers fn to be told about every finished run.
func WithObserver(fn func(RunResult)) Option {
	return func(e *Executor) {
		if fn != nil {
			e.observers = append(e.observers, fn)
		}
	}
}

// WithLogger sets the executor logger.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Executor) { e.log = log }
}

// Executor applies effect chains, mixes, trims and joins audio buffers.
type Executor struct {
	binary     string
	runner     Runner
	workspace  *Workspace
	sem        *semaphore.Weighted
	timeout    time.Duration
	sampleRate int
	encoding   Encoding
	limiter    float64
	observers  []func(RunResult)
	log        zerolog.Logger
}

// New constructs an executor that stages files under ws.
func New(ws *Workspace, opts ...Option) *Executor {
	e := &Executor{
		binary:     "ffmpeg",
		runner:     CommandRunner{},
		workspace:  ws,
		sem:        semaphore.NewWeighted(4),
		sampleRate: 44100,
		encoding:   DefaultEncoding,
		limiter:    0.95,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Apply runs input through the chain in list order.
func (e *Executor) Apply(ctx context.Context, input []byte, chain []effect.Descriptor, onProgress func(int)) ([]byte, error) {
	if err := requireInput(input); err != nil {
		return nil, err
	}
	if err := effect.ValidateChain(chain); err != nil {
		return nil, err
	}
	graph, err := EffectFilter(chain, e.sampleRate)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, OpEffects, [][]byte{input}, durationFirst, 0, onProgress, func(in []string, out string) []string {
		args := []string{"-i", in[0]}
		if graph != "" {
			args = append(args, "-af", graph)
		}
		return append(args, e.outputArgs(out)...)
	})
}

// Mix overlays secondary on primary at secondaryGain. The result has the
// length of primary.
func (e *Executor) Mix(ctx context.Context, primary, secondary []byte, secondaryGain float64, onProgress func(int)) ([]byte, error) {
	if err := requireInput(primary); err != nil {
		return nil, err
	}
	if err := requireInput(secondary); err != nil {
		return nil, err
	}
	if secondaryGain < 0 {
		return nil, &effect.ValidationError{Field: "volume", Reason: "must not be negative"}
	}
	return e.run(ctx, OpMixing, [][]byte{primary, secondary}, durationFirst, 0, onProgress, func(in []string, out string) []string {
		args := []string{"-i", in[0], "-i", in[1], "-filter_complex", MixFilter(secondaryGain), "-map", "[out]"}
		return append(args, e.outputArgs(out)...)
	})
}

// Concatenate joins buffers in order and limits the result to avoid
// clipping. A single buffer is still limited.
func (e *Executor) Concatenate(ctx context.Context, buffers [][]byte, onProgress func(int)) ([]byte, error) {
	if len(buffers) == 0 {
		return nil, &effect.ValidationError{Field: "audioBuffers", Reason: "at least one buffer required"}
	}
	for _, b := range buffers {
		if err := requireInput(b); err != nil {
			return nil, err
		}
	}
	return e.run(ctx, OpMerge, buffers, durationSum, 0, onProgress, func(in []string, out string) []string {
		args := make([]string, 0, 2*len(in)+8)
		for _, p := range in {
			args = append(args, "-i", p)
		}
		args = append(args, "-filter_complex", ConcatFilter(len(in), e.limiter), "-map", "[out]")
		return append(args, e.outputArgs(out)...)
	})
}

// Trim keeps duration seconds of input starting at start.
func (e *Executor) Trim(ctx context.Context, input []byte, start, duration float64, onProgress func(int)) ([]byte, error) {
	if err := requireInput(input); err != nil {
		return nil, err
	}
	if start < 0 {
		return nil, &effect.ValidationError{Field: "startTime", Reason: "must not be negative"}
	}
	if duration <= 0 {
		return nil, &effect.ValidationError{Field: "duration", Reason: "must be positive"}
	}
	fixed := time.Duration(duration * float64(time.Second))
	return e.run(ctx, OpTrim, [][]byte{input}, durationFixed, fixed, onProgress, func(in []string, out string) []string {
		args := []string{"-ss", num(start), "-t", num(duration), "-i", in[0]}
		return append(args, e.outputArgs(out)...)
	})
}

func (e *Executor) outputArgs(out string) []string {
	return []string{
		"-c:a", e.encoding.Codec,
		"-b:a", e.encoding.Bitrate,
		"-f", e.encoding.Format,
		"-progress", "pipe:1",
		"-nostats",
		out,
	}
}

func requireInput(b []byte) error {
	if len(b) == 0 {
		return &effect.ValidationError{Field: "audioBuffer", Reason: "must not be empty"}
	}
	return nil
}

func (e *Executor) run(
	ctx context.Context,
	op Operation,
	inputs [][]byte,
	mode durationMode,
	fixed time.Duration,
	onProgress func(int),
	build func(in []string, out string) []string,
) (out []byte, err error) {
	start := time.Now()
	defer func() {
		if err != nil {
			err = fail(op, err)
		}
		e.observe(RunResult{Operation: op, Elapsed: time.Since(start), Err: err})
	}()

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("wait for slot: %w", err)
	}
	defer e.sem.Release(1)

	dir, release, err := e.workspace.Acquire()
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := release(); rerr != nil {
			e.log.Warn().Err(rerr).Str("stage", string(op)).Msg("job dir cleanup failed")
		}
	}()

	paths := make([]string, len(inputs))
	for i, buf := range inputs {
		ext := mimetype.Detect(buf).Extension()
		if ext == "" {
			ext = ".bin"
		}
		paths[i] = filepath.Join(dir, fmt.Sprintf("input-%d%s", i, ext))
		if err := os.WriteFile(paths[i], buf, 0o600); err != nil {
			return nil, fmt.Errorf("stage input: %w", err)
		}
	}
	outPath := filepath.Join(dir, "output"+e.encoding.Extension)

	tracker := newProgressTracker(mode, fixed, onProgress)
	tracker.report(0)

	args := append([]string{"-hide_banner", "-nostdin", "-y"}, build(paths, outPath)...)
	e.log.Debug().Str("stage", string(op)).Strs("args", args).Msg("invoking media tool")

	if err := e.runner.Run(ctx, e.binary, args, tracker.Line); err != nil {
		if tail := tracker.Tail(); tail != "" {
			return nil, fmt.Errorf("%w (%s)", err, tail)
		}
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out, err = os.ReadFile(outPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrEmptyOutput
		}
		return nil, fmt.Errorf("read output: %w", err)
	}
	if len(out) == 0 {
		return nil, ErrEmptyOutput
	}
	tracker.report(100)
	return out, nil
}

func (e *Executor) observe(r RunResult) {
	for _, fn := range e.observers {
		fn(r)
	}
	ev := e.log.Debug()
	if r.Err != nil {
		ev = e.log.Warn().Err(r.Err)
	}
	ev.Str("stage", string(r.Operation)).Dur("elapsed", r.Elapsed).Msg("pipeline run finished")
}

// Workspace returns the scratch workspace the executor stages files in.
func (e *Executor) Workspace() *Workspace { return e.workspace }
