package health

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SessionCounts is the number of live sessions by kind.
type SessionCounts struct {
	Studio int `json:"studio"`
	Sync   int `json:"sync"`
}

// ProcessStats describes the server process. Fields gopsutil cannot read on
// the current platform are left zero.
type ProcessStats struct {
	PID              int32   `json:"pid"`
	RSSBytes         uint64  `json:"rssBytes"`
	CPUPercent       float64 `json:"cpuPercent"`
	Goroutines       int     `json:"goroutines"`
	SystemMemPercent float64 `json:"systemMemPercent"`
}

// Report is the body served on the health endpoint.
type Report struct {
	Status      Status         `json:"status"`
	Uptime      string         `json:"uptime"`
	Pipeline    PipelineHealth `json:"pipeline"`
	Sessions    SessionCounts  `json:"sessions"`
	Connections int            `json:"connections"`
	Workspace   WorkspaceStats `json:"workspace"`
	Process     ProcessStats   `json:"process"`
}

// WorkspaceStats reports the pipeline scratch area.
type WorkspaceStats struct {
	Root     string `json:"root"`
	Residual int    `json:"residual"`
}

// Sources supplies the live counts a report includes. Nil funcs report zero.
type Sources struct {
	Sessions    func() (studios, syncs int)
	Connections func() int
	Workspace   func() WorkspaceStats
}

// Reporter assembles health reports.
type Reporter struct {
	tracker *Tracker
	sources Sources
	started time.Time
	proc    *process.Process
}

func NewReporter(tracker *Tracker, sources Sources) *Reporter {
	r := &Reporter{tracker: tracker, sources: sources, started: time.Now()}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		r.proc = p
	}
	return r
}

func (r *Reporter) Report(ctx context.Context) Report {
	rep := Report{
		Status:   r.tracker.Status(),
		Uptime:   time.Since(r.started).Round(time.Second).String(),
		Pipeline: r.tracker.Snapshot(),
		Process:  r.processStats(ctx),
	}
	if r.sources.Sessions != nil {
		rep.Sessions.Studio, rep.Sessions.Sync = r.sources.Sessions()
	}
	if r.sources.Connections != nil {
		rep.Connections = r.sources.Connections()
	}
	if r.sources.Workspace != nil {
		rep.Workspace = r.sources.Workspace()
	}
	return rep
}

func (r *Reporter) processStats(ctx context.Context) ProcessStats {
	stats := ProcessStats{
		PID:        int32(os.Getpid()),
		Goroutines: runtime.NumGoroutine(),
	}
	if r.proc != nil {
		if info, err := r.proc.MemoryInfoWithContext(ctx); err == nil {
			stats.RSSBytes = info.RSS
		}
		if cpu, err := r.proc.CPUPercentWithContext(ctx); err == nil {
			stats.CPUPercent = cpu
		}
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		stats.SystemMemPercent = vm.UsedPercent
	}
	return stats
}

// ServeHTTP writes the report as JSON, with status 503 while the pipeline is
// failed.
func (r *Reporter) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rep := r.Report(req.Context())
	w.Header().Set("Content-Type", "application/json")
	if rep.Status == StatusFailed {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(rep)
}
