// Package watcher periodically scans participant folders for new recordings
// and feeds their transcripts into the message log.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/feed"
	"github.com/loqalabs/loqa-scribe/internal/roster"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	DefaultInterval     = 2 * time.Second
	DefaultErrorBackoff = 5 * time.Second

	SystemParticipant = "system"
	SystemFilename    = "monitor_error"
)

type Registry interface {
	List() []roster.Participant
	Ensure(name string) (roster.Participant, bool, error)
	Root() string
	Folder(name string) string
}

type Recognizer interface {
	RecognizeFile(ctx context.Context, path, origin string) (string, error)
}

type Feed interface {
	Append(ctx context.Context, evt feed.Event) feed.Event
}

// Ledger persists processed paths across restarts.
type Ledger interface {
	MarkProcessed(ctx context.Context, path string) error
	ProcessedPaths(ctx context.Context) (map[string]struct{}, error)
}

type Options struct {
	Interval     time.Duration
	ErrorBackoff time.Duration
	// Ledger is optional. Without it the processed set lives only in memory.
	Ledger Ledger
}

// Watcher owns the processed-file set; it is only touched from the scanning
// goroutine, or from ScanOnce when the loop is not running.
type Watcher struct {
	registry   Registry
	recognizer Recognizer
	feed       Feed
	ledger     Ledger
	log        *slog.Logger
	interval   time.Duration
	backoff    time.Duration

	processed map[string]struct{}
	loaded    bool
	// skipped holds folder names already reported as unusable.
	skipped map[string]struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	files      metric.Int64Counter
	iterations metric.Int64Counter
}

func New(registry Registry, recognizer Recognizer, f Feed, opts Options, log *slog.Logger) *Watcher {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = DefaultErrorBackoff
	}
	w := &Watcher{
		registry:   registry,
		recognizer: recognizer,
		feed:       f,
		ledger:     opts.Ledger,
		log:        log.With(slog.String("component", "watcher")),
		interval:   opts.Interval,
		backoff:    opts.ErrorBackoff,
		processed:  make(map[string]struct{}),
		skipped:    make(map[string]struct{}),
	}
	if err := w.initMetrics(); err != nil {
		w.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return w
}

func (w *Watcher) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/watcher")
	files, err := meter.Int64Counter("scribe.watcher.files", metric.WithDescription("Files submitted to recognition by outcome"))
	if err != nil {
		return err
	}
	iterations, err := meter.Int64Counter("scribe.watcher.iterations", metric.WithDescription("Scan iterations by result"))
	if err != nil {
		return err
	}
	w.files = files
	w.iterations = iterations
	return nil
}

// Start launches the scan loop in its own goroutine. Calling Start on a
// running watcher is a no-op.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		w.Run(ctx)
	}(w.done)
}

// Stop signals the loop and waits up to timeout for the current iteration to
// finish. It reports whether the goroutine exited in time.
func (w *Watcher) Stop(timeout time.Duration) bool {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()
	if done == nil {
		return true
	}
	cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		w.log.Info("watcher stopped")
		return true
	case <-timer.C:
		w.log.Warn("watcher did not stop in time", slog.Duration("timeout", timeout))
		return false
	}
}

// Run scans until ctx is cancelled. An iteration that has started always
// completes.
func (w *Watcher) Run(ctx context.Context) {
	w.log.Info("watcher started",
		slog.String("root", w.registry.Root()),
		slog.Duration("interval", w.interval))

	for {
		wait := w.interval
		if err := w.iterate(ctx); err != nil {
			wait = w.backoff
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (w *Watcher) iterate(ctx context.Context) (err error) {
	scanCtx := context.WithoutCancel(ctx)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during scan: %v", r)
			w.log.Error("watcher panic", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
		}
		if err != nil {
			w.countIteration(scanCtx, "error")
			w.reportError(scanCtx, err)
		}
	}()

	if _, err = w.ScanOnce(scanCtx); err != nil {
		w.log.Error("scan failed", slog.String("error", err.Error()))
		return err
	}
	w.countIteration(scanCtx, "ok")
	return nil
}

func (w *Watcher) reportError(ctx context.Context, err error) {
	w.feed.Append(ctx, feed.Event{
		Participant: SystemParticipant,
		Text:        fmt.Sprintf("[watcher error: %v]", err),
		Filename:    SystemFilename,
		Source:      feed.SourceSystem,
		Failed:      true,
	})
}

// ScanOnce runs a single iteration and returns how many new files were
// submitted to recognition. It must not be called while Run is active.
func (w *Watcher) ScanOnce(ctx context.Context) (int, error) {
	if err := w.loadLedger(ctx); err != nil {
		return 0, err
	}

	folders, err := w.folders()
	if err != nil {
		return 0, err
	}

	submitted := 0
	for _, f := range folders {
		files, err := listRecordings(f.path)
		if err != nil {
			w.log.Warn("skipping unreadable folder",
				slog.String("participant", f.name),
				slog.String("error", err.Error()))
			continue
		}
		for _, path := range files {
			if _, seen := w.processed[path]; seen {
				continue
			}
			w.process(ctx, f.name, path)
			submitted++
		}
	}
	return submitted, nil
}

func (w *Watcher) loadLedger(ctx context.Context) error {
	if w.loaded || w.ledger == nil {
		return nil
	}
	paths, err := w.ledger.ProcessedPaths(ctx)
	if err != nil {
		return fmt.Errorf("load processed ledger: %w", err)
	}
	for p := range paths {
		w.processed[p] = struct{}{}
	}
	w.loaded = true
	w.log.Info("restored processed ledger", slog.Int("paths", len(paths)))
	return nil
}

type folder struct {
	name string
	path string
}

// folders lists registered participants whose folder exists, followed by
// every other top-level directory under the root, which is auto-registered.
// Directories whose name would change on registration are skipped.
func (w *Watcher) folders() ([]folder, error) {
	var out []folder
	seen := make(map[string]struct{})

	for _, p := range w.registry.List() {
		path := w.registry.Folder(p.Name)
		if info, err := os.Stat(path); err != nil || !info.IsDir() {
			continue
		}
		seen[p.Name] = struct{}{}
		out = append(out, folder{name: p.Name, path: path})
	}

	entries, err := os.ReadDir(w.registry.Root())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return out, nil
		}
		return nil, fmt.Errorf("list storage root: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if _, ok := seen[name]; ok {
			continue
		}
		if !roster.ValidName(name) {
			if _, warned := w.skipped[name]; !warned {
				w.skipped[name] = struct{}{}
				w.log.Warn("ignoring folder with unusable participant name", slog.String("folder", name))
			}
			continue
		}
		_, created, err := w.registry.Ensure(name)
		if err != nil {
			w.log.Warn("cannot register discovered folder", slog.String("folder", name), slog.String("error", err.Error()))
			continue
		}
		if created {
			w.log.Info("registered participant from folder", slog.String("participant", name))
		}
		seen[name] = struct{}{}
		out = append(out, folder{name: name, path: w.registry.Folder(name)})
	}
	return out, nil
}

// listRecordings returns the absolute paths of regular .wav files directly
// inside dir, newest first.
func listRecordings(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	type candidate struct {
		path  string
		mtime time.Time
	}
	var found []candidate
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.EqualFold(filepath.Ext(e.Name()), ".wav") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		found = append(found, candidate{path: path, mtime: info.ModTime()})
	}
	sort.SliceStable(found, func(i, j int) bool {
		if found[i].mtime.Equal(found[j].mtime) {
			return found[i].path < found[j].path
		}
		return found[i].mtime.After(found[j].mtime)
	})
	out := make([]string, len(found))
	for i, c := range found {
		out[i] = c.path
	}
	return out, nil
}

func (w *Watcher) process(ctx context.Context, participant, path string) {
	filename := filepath.Base(path)
	evt := feed.Event{
		Participant: participant,
		Filename:    filename,
		Source:      feed.SourceFolderScan,
	}

	text, err := w.recognizer.RecognizeFile(ctx, path, string(feed.SourceFolderScan))
	outcome := "ok"
	if err != nil {
		outcome = "failed"
		evt.Text = fmt.Sprintf("[recognition failed: %s]", stt.Reason(err))
		evt.Failed = true
		w.log.Warn("recognition failed",
			slog.String("participant", participant),
			slog.String("file", filename),
			slog.String("error", err.Error()))
	} else {
		evt.Text = text
		w.log.Info("recognized folder recording",
			slog.String("participant", participant),
			slog.String("file", filename))
	}
	w.feed.Append(ctx, evt)

	w.processed[path] = struct{}{}
	if w.ledger != nil {
		if err := w.ledger.MarkProcessed(ctx, path); err != nil {
			w.log.Warn("failed to persist processed path", slog.String("file", path), slog.String("error", err.Error()))
		}
	}
	if w.files != nil {
		w.files.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func (w *Watcher) countIteration(ctx context.Context, result string) {
	if w.iterations != nil {
		w.iterations.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
}
