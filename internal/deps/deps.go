// Package deps checks the external tools the server shells out to.
package deps

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// RequiredFilters lists the ffmpeg audio filters the pipeline builds graphs
// from.
var RequiredFilters = []string{
	"aecho", "alimiter", "amix", "aresample", "asetrate",
	"atempo", "bass", "concat", "treble", "volume",
}

// Status reports the availability of a dependency.
type Status struct {
	Name        string
	Command     string
	Description string
	Available   bool
	Version     string
	Detail      string
}

const probeTimeout = 5 * time.Second

// CheckFFmpeg resolves binary, reads its version and verifies every filter
// in RequiredFilters is compiled in.
func CheckFFmpeg(ctx context.Context, binary string) Status {
	status := Status{
		Name:        "FFmpeg",
		Command:     strings.TrimSpace(binary),
		Description: "Applies effects, mixes and concatenates audio",
	}
	if status.Command == "" {
		status.Detail = "command not configured"
		return status
	}
	resolved, err := exec.LookPath(status.Command)
	if err != nil {
		status.Detail = fmt.Sprintf("binary %q not found", status.Command)
		return status
	}
	status.Command = resolved

	out, err := probe(ctx, resolved, "-hide_banner", "-version")
	if err != nil {
		status.Detail = fmt.Sprintf("version probe failed: %v", err)
		return status
	}
	status.Version = parseVersion(out)

	out, err = probe(ctx, resolved, "-hide_banner", "-filters")
	if err != nil {
		status.Detail = fmt.Sprintf("filter probe failed: %v", err)
		return status
	}
	if missing := missingFilters(out, RequiredFilters); len(missing) > 0 {
		status.Detail = "missing filters: " + strings.Join(missing, ", ")
		return status
	}

	status.Available = true
	return status
}

func probe(ctx context.Context, binary string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return exec.CommandContext(ctx, binary, args...).Output()
}

// parseVersion returns the version token of "ffmpeg version X ..." output.
func parseVersion(out []byte) string {
	line, _, _ := bytes.Cut(out, []byte("\n"))
	fields := strings.Fields(string(line))
	for i, f := range fields {
		if f == "version" && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	return strings.TrimSpace(string(line))
}

// missingFilters scans "ffmpeg -filters" output, where each filter row has
// a flags column followed by the filter name.
func missingFilters(out []byte, required []string) []string {
	have := make(map[string]bool)
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) >= 2 {
			have[fields[1]] = true
		}
	}
	var missing []string
	for _, name := range required {
		if !have[name] {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}
