// Package progress decouples long-running storage operations from how
// their progress is surfaced (spec.md §9 design notes: "keep it out-of-
// band via an injected ProgressReporter").
package progress

import "github.com/satyamisme/mtkclient/logx"

// Reporter receives progress updates for one long-running operation.
type Reporter interface {
	Start(total int)
	Advance(done int)
}

// Nop discards every update.
var Nop Reporter = nopReporter{}

type nopReporter struct{}

func (nopReporter) Start(int)   {}
func (nopReporter) Advance(int) {}

// LogReporter logs progress at fixed percentage increments instead of on
// every call, so a chunked 4 GiB transfer doesn't spam the log.
type LogReporter struct {
	log        logx.Logger
	label      string
	total      int
	lastDecile int
}

// NewLogReporter builds a Reporter that logs at Info level every 10%.
func NewLogReporter(log logx.Logger, label string) *LogReporter {
	if log == nil {
		log = logx.Nop
	}
	return &LogReporter{log: log, label: label, lastDecile: -1}
}

func (r *LogReporter) Start(total int) {
	r.total = total
	r.lastDecile = -1
	r.log.Infof("%s: starting, %d bytes total", r.label, total)
}

func (r *LogReporter) Advance(done int) {
	if r.total <= 0 {
		return
	}
	decile := done * 10 / r.total
	if decile != r.lastDecile {
		r.lastDecile = decile
		r.log.Infof("%s: %d%% (%d/%d bytes)", r.label, decile*10, done, r.total)
	}
}
