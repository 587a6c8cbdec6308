// Package feed holds the bounded, time-ordered log of recognition results and
// fans each appended event out to the configured sinks.
package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	DefaultCapacity  = 100
	DefaultReadLimit = 50
)

// Source identifies which producer created an event.
type Source string

const (
	SourceDevice     Source = "device"
	SourceFolderScan Source = "folder-scan"
	SourceSystem     Source = "system"
)

// Event is one entry in the feed. Events are never mutated after Append.
type Event struct {
	Participant string  `json:"student"`
	Text        string  `json:"text"`
	Timestamp   float64 `json:"timestamp"`
	Filename    string  `json:"filename"`
	Source      Source  `json:"source"`
	DeviceID    string  `json:"device_id,omitempty"`
	Failed      bool    `json:"failed,omitempty"`
}

// Time converts the unix-seconds timestamp back to a time.Time.
func (e Event) Time() time.Time {
	sec := int64(e.Timestamp)
	nsec := int64((e.Timestamp - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// Timestamp renders t as fractional unix seconds.
func Timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// Sink receives every appended event after the log lock is released.
type Sink interface {
	Publish(ctx context.Context, evt Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, evt Event) error

func (f SinkFunc) Publish(ctx context.Context, evt Event) error { return f(ctx, evt) }

// Log is a bounded ring of events. The oldest entries are dropped once the
// capacity is exceeded and readers never see more than readLimit entries.
type Log struct {
	mu        sync.Mutex
	events    []Event
	capacity  int
	readLimit int
	sinks     []namedSink
	log       *slog.Logger
	clock     func() time.Time

	appended metric.Int64Counter
}

type namedSink struct {
	name string
	sink Sink
}

// New creates a log. Non-positive limits fall back to the defaults and
// readLimit is clamped to capacity.
func New(capacity, readLimit int, log *slog.Logger) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if readLimit <= 0 {
		readLimit = DefaultReadLimit
	}
	if readLimit > capacity {
		readLimit = capacity
	}
	l := &Log{
		events:    make([]Event, 0, capacity),
		capacity:  capacity,
		readLimit: readLimit,
		log:       log.With(slog.String("component", "feed")),
		clock:     time.Now,
	}
	if err := l.initMetrics(); err != nil {
		l.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return l
}

func (l *Log) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/feed")
	size, err := meter.Int64ObservableGauge("scribe.feed.size", metric.WithDescription("Events currently held in the feed"))
	if err != nil {
		return err
	}
	if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		o.ObserveInt64(size, int64(l.Len()))
		return nil
	}, size); err != nil {
		return err
	}
	appended, err := meter.Int64Counter("scribe.feed.appended", metric.WithDescription("Events appended by source"))
	if err != nil {
		return err
	}
	l.appended = appended
	return nil
}

// AddSink registers a sink under name. Sinks are called in registration order.
func (l *Log) AddSink(name string, sink Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks, namedSink{name: name, sink: sink})
}

// Append stamps evt when it carries no timestamp, stores it and publishes it
// to every sink. Sink failures are logged and never undo the append.
func (l *Log) Append(ctx context.Context, evt Event) Event {
	if evt.Timestamp == 0 {
		evt.Timestamp = Timestamp(l.clock())
	}

	l.mu.Lock()
	l.events = append(l.events, evt)
	if over := len(l.events) - l.capacity; over > 0 {
		l.events = append(l.events[:0], l.events[over:]...)
	}
	sinks := append([]namedSink(nil), l.sinks...)
	l.mu.Unlock()

	if l.appended != nil {
		l.appended.Add(ctx, 1, metric.WithAttributes(
			attribute.String("source", string(evt.Source)),
			attribute.Bool("failed", evt.Failed)))
	}

	for _, s := range sinks {
		if err := s.sink.Publish(ctx, evt); err != nil {
			l.log.Warn("sink publish failed",
				slog.String("sink", s.name),
				slog.String("participant", evt.Participant),
				slog.String("error", err.Error()))
		}
	}
	return evt
}

// Restore seeds the log with historical events, oldest first, without
// publishing them to sinks.
func (l *Log) Restore(events []Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(events) > l.capacity {
		events = events[len(events)-l.capacity:]
	}
	l.events = append(l.events[:0], events...)
}

// Recent returns up to n of the newest events, oldest first. n is clamped to
// [0, read limit].
func (l *Log) Recent(n int) []Event {
	n = max(0, min(n, l.readLimit))
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > len(l.events) {
		n = len(l.events)
	}
	out := make([]Event, n)
	copy(out, l.events[len(l.events)-n:])
	return out
}

// Len reports how many events are held.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// ReadLimit reports the maximum number of events Recent returns.
func (l *Log) ReadLimit() int { return l.readLimit }
