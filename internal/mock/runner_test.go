package mock

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeInput(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, data, 0o600); err != nil {
		t.Fatalf("write input: %v", err)
	}
	return p
}

func collect(lines *[]string) func(string) {
	return func(l string) { *lines = append(*lines, l) }
}

func TestWAVDuration(t *testing.T) {
	tests := []struct {
		name string
		d    time.Duration
	}{
		{"half second", 500 * time.Millisecond},
		{"two seconds", 2 * time.Second},
		{"empty", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Duration(WAV(tt.d, 1))
			if got != tt.d {
				t.Errorf("Duration(WAV(%v)) = %v", tt.d, got)
			}
		})
	}
}

func TestWAVSeedsDiffer(t *testing.T) {
	if bytes.Equal(WAV(time.Second, 1), WAV(time.Second, 2)) {
		t.Error("different seeds produced identical audio")
	}
}

func TestRunnerSteadyReportsDurationAndProgress(t *testing.T) {
	dir := t.TempDir()
	in := writeInput(t, dir, "in.wav", WAV(2*time.Second, 3))
	out := filepath.Join(dir, "out.mp3")

	r := New()
	r.Tick = 0
	var lines []string
	err := r.Run(context.Background(), "ffmpeg", []string{"-y", "-i", in, "-af", "bass=g=5", "-c:a", "libmp3lame", "-progress", "pipe:1", "-nostats", out}, collect(&lines))
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	joined := strings.Join(lines, "\n")
	if !strings.Contains(joined, "Duration: 00:00:02.00") {
		t.Errorf("missing duration banner in output:\n%s", joined)
	}
	if !strings.Contains(joined, "out_time_us=2000000") {
		t.Errorf("missing final position in output:\n%s", joined)
	}
	if lines[len(lines)-1] != "progress=end" {
		t.Errorf("last line = %q, want progress=end", lines[len(lines)-1])
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.Contains(data, []byte("#graph=bass=g=5")) {
		t.Error("output does not carry the filter graph trailer")
	}
	if len(r.Calls()) != 1 {
		t.Errorf("Calls() = %d, want 1", len(r.Calls()))
	}
}

func TestRunnerRejectsNonAudio(t *testing.T) {
	dir := t.TempDir()
	in := writeInput(t, dir, "in.bin", []byte("definitely not audio"))
	out := filepath.Join(dir, "out.mp3")

	var lines []string
	err := New().Run(context.Background(), "ffmpeg", []string{"-i", in, out}, collect(&lines))
	if !errors.Is(err, ErrInvalidData) {
		t.Fatalf("err = %v, want ErrInvalidData", err)
	}
	if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
		t.Error("failed run left an output file")
	}
	if len(lines) == 0 || !strings.Contains(lines[0], "Invalid data") {
		t.Errorf("expected invalid data diagnostic, got %v", lines)
	}
}

func TestRunnerConcatJoinsInputs(t *testing.T) {
	dir := t.TempDir()
	a := WAV(time.Second, 1)
	b := WAV(time.Second, 2)
	inA := writeInput(t, dir, "a.wav", a)
	inB := writeInput(t, dir, "b.wav", b)
	out := filepath.Join(dir, "out.mp3")

	r := New()
	r.Tick = 0
	var lines []string
	err := r.Run(context.Background(), "ffmpeg", []string{"-i", inA, "-i", inB, "-filter_complex", "[0:a][1:a]concat=n=2:v=0:a=1[out]", "-map", "[out]", out}, collect(&lines))
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	data, _ := os.ReadFile(out)
	if !bytes.HasPrefix(data, append(append([]byte(nil), a...), b...)) {
		t.Error("concat output does not start with both inputs in order")
	}
	if !strings.Contains(strings.Join(lines, "\n"), "out_time_us=2000000") {
		t.Error("concat progress should cover the summed duration")
	}
}

func TestRunnerPatterns(t *testing.T) {
	tests := []struct {
		name        string
		pattern     Pattern
		wantErr     bool
		wantPercent bool
	}{
		{"burst", Burst, false, true},
		{"stall", Stall, false, false},
		{"error", Error, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			in := writeInput(t, dir, "in.wav", WAV(time.Second, 1))
			r := &Runner{Pattern: tt.pattern, ErrorAt: 0.5}

			var lines []string
			err := r.Run(context.Background(), "ffmpeg", []string{"-i", in, filepath.Join(dir, "out.mp3")}, collect(&lines))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			hasProgress := strings.Contains(strings.Join(lines, "\n"), "out_time_us=")
			if hasProgress != tt.wantPercent {
				t.Errorf("progress lines present = %v, want %v", hasProgress, tt.wantPercent)
			}
		})
	}
}

func TestRunnerHonoursCancellation(t *testing.T) {
	dir := t.TempDir()
	in := writeInput(t, dir, "in.wav", WAV(time.Second, 1))
	r := &Runner{Pattern: Steady, Steps: 100, Tick: time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.Run(ctx, "ffmpeg", []string{"-i", in, filepath.Join(dir, "out.mp3")}, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}
