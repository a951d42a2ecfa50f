// Package progress defines the reporting interface the create and
// extract engines call periodically during their data phases, and ships
// a default terminal-aware implementation. Progress is informational
// only; a worker never blocks on it.
package progress

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/mattn/go-isatty"
)

// Snapshot is one point-in-time progress reading, aggregated across
// every worker by the caller (typically via collective.AllReduce) before
// being handed to a Reporter.
type Snapshot struct {
	BytesDone, BytesTotal     int64
	EntriesDone, EntriesTotal int64
	Elapsed                   time.Duration
}

// Reporter receives periodic Snapshots. Implementations must return
// promptly; progress is never something workers block on.
type Reporter interface {
	Report(Snapshot)
}

// LogReporter is the default Reporter: a carriage-return-updated single
// line when writing to a terminal, or one log line per snapshot
// otherwise (e.g. when output is redirected to a file).
type LogReporter struct {
	Log *log.Logger
	out *os.File
	tty bool
}

// NewLogReporter returns a LogReporter writing status to out (typically
// os.Stderr) and logging via logger when out is not a terminal.
func NewLogReporter(logger *log.Logger, out *os.File) *LogReporter {
	return &LogReporter{Log: logger, out: out, tty: isatty.IsTerminal(out.Fd())}
}

func (r *LogReporter) Report(s Snapshot) {
	line := fmt.Sprintf("%d/%d entries, %d/%d bytes, %s elapsed",
		s.EntriesDone, s.EntriesTotal, s.BytesDone, s.BytesTotal, s.Elapsed.Round(time.Second))
	if r.tty {
		fmt.Fprintf(r.out, "\r%-80s", line)
		return
	}
	r.Log.Print("progress: " + line)
}

// Ticker invokes fn every interval until the returned stop function is
// called. Engines use it to drive periodic Reporter.Report calls during
// the data phase without weaving timing logic into the worker loop
// itself.
func Ticker(interval time.Duration, fn func()) (stop func()) {
	t := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-t.C:
				fn()
			case <-done:
				t.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}
