package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/airbusgeo/copernicus-downloader/service/log"
)

// ProgressSink receives the progress of a long operation (transfer, extraction).
// current and total are in bytes for a transfer and in entries for an extraction.
// total <= 0 means unknown.
type ProgressSink interface {
	Progress(ctx context.Context, name string, current, total int64)
}

// ProgressFunc is a function implementing ProgressSink
type ProgressFunc func(ctx context.Context, name string, current, total int64)

// Progress implements ProgressSink
func (f ProgressFunc) Progress(ctx context.Context, name string, current, total int64) {
	f(ctx, name, current, total)
}

// NopProgress ignores the progress
type NopProgress struct{}

// Progress implements ProgressSink
func (NopProgress) Progress(context.Context, string, int64, int64) {}

// LogProgress logs the progress at debug level every Period (ratio in ]0, 1])
type LogProgress struct {
	Period float64
	Unit   string

	mu   sync.Mutex
	last map[string]float64
}

// NewLogProgress creates a LogProgress logging every 5% of bytes
func NewLogProgress() *LogProgress {
	return &LogProgress{Period: 0.05, Unit: "bytes"}
}

// NewLogEntriesProgress creates a LogProgress logging every 5% of the entries of an archive
func NewLogEntriesProgress() *LogProgress {
	return &LogProgress{Period: 0.05, Unit: "entries"}
}

// Progress implements ProgressSink
func (lp *LogProgress) Progress(ctx context.Context, name string, current, total int64) {
	if total <= 0 {
		return
	}
	progress := float64(current) / float64(total)

	lp.mu.Lock()
	if lp.last == nil {
		lp.last = map[string]float64{}
	}
	last, ok := lp.last[name]
	display := !ok || progress >= last+lp.Period || current >= total
	if display {
		lp.last[name] = progress
	}
	if current >= total {
		delete(lp.last, name)
	}
	lp.mu.Unlock()

	if display {
		log.Logger(ctx).Sugar().Debugf("%s: %.2f%% %s", name, 100*progress, lp.fmt(current, total))
	}
}

func (lp *LogProgress) fmt(current, total int64) string {
	if lp.Unit == "bytes" {
		return fmt.Sprintf("%s/%s", fmtBytes(current), fmtBytes(total))
	}
	return fmt.Sprintf("%d/%d %s", current, total, lp.Unit)
}
