package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestAppendKeepsCapacityAndReadLimit(t *testing.T) {
	l := New(100, 50, newLogger())
	ctx := context.Background()
	for i := 0; i < 150; i++ {
		l.Append(ctx, Event{Participant: "p", Text: fmt.Sprintf("msg-%d", i), Timestamp: float64(i + 1)})
	}
	if l.Len() != 100 {
		t.Fatalf("expected 100 stored events, got %d", l.Len())
	}

	recent := l.Recent(1000)
	if len(recent) != 50 {
		t.Fatalf("expected 50 events, got %d", len(recent))
	}
	if recent[0].Text != "msg-100" || recent[49].Text != "msg-149" {
		t.Fatalf("unexpected window %s..%s", recent[0].Text, recent[49].Text)
	}
	for i := 1; i < len(recent); i++ {
		if recent[i].Timestamp < recent[i-1].Timestamp {
			t.Fatalf("events out of order at %d", i)
		}
	}
}

func TestRecentClampsN(t *testing.T) {
	l := New(10, 5, newLogger())
	for i := 0; i < 3; i++ {
		l.Append(context.Background(), Event{Text: fmt.Sprint(i)})
	}
	if got := len(l.Recent(-1)); got != 0 {
		t.Fatalf("expected 0 for negative n, got %d", got)
	}
	if got := len(l.Recent(2)); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
	if got := len(l.Recent(50)); got != 3 {
		t.Fatalf("expected all 3, got %d", got)
	}
}

func TestRecentReturnsCopies(t *testing.T) {
	l := New(10, 5, newLogger())
	l.Append(context.Background(), Event{Text: "original"})
	out := l.Recent(1)
	out[0].Text = "mutated"
	if l.Recent(1)[0].Text != "original" {
		t.Fatal("caller mutation leaked into the log")
	}
}

func TestAppendStampsTimestamp(t *testing.T) {
	l := New(10, 5, newLogger())
	now := time.Date(2025, 3, 1, 12, 0, 0, 500_000_000, time.UTC)
	l.clock = func() time.Time { return now }

	evt := l.Append(context.Background(), Event{Text: "hi"})
	if evt.Timestamp != Timestamp(now) {
		t.Fatalf("unexpected timestamp %v", evt.Timestamp)
	}
	if !evt.Time().Equal(now) {
		t.Fatalf("round trip mismatch: %v vs %v", evt.Time(), now)
	}

	kept := l.Append(context.Background(), Event{Text: "explicit", Timestamp: 42})
	if kept.Timestamp != 42 {
		t.Fatalf("explicit timestamp overwritten: %v", kept.Timestamp)
	}
}

func TestSinksReceiveEventsAndFailuresAreIgnored(t *testing.T) {
	l := New(10, 5, newLogger())
	var got []string
	l.AddSink("failing", SinkFunc(func(context.Context, Event) error { return errors.New("down") }))
	l.AddSink("recorder", SinkFunc(func(_ context.Context, evt Event) error {
		got = append(got, evt.Text)
		return nil
	}))

	l.Append(context.Background(), Event{Text: "a"})
	l.Append(context.Background(), Event{Text: "b"})

	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected sink deliveries %v", got)
	}
	if l.Len() != 2 {
		t.Fatalf("sink failure must not undo append")
	}
}

func TestSinkMayReadLog(t *testing.T) {
	l := New(10, 5, newLogger())
	var seen int
	l.AddSink("reader", SinkFunc(func(context.Context, Event) error {
		seen = l.Len()
		return nil
	}))
	l.Append(context.Background(), Event{Text: "a"})
	if seen != 1 {
		t.Fatalf("expected sink to observe 1 event, saw %d", seen)
	}
}

func TestRestoreTrimsToCapacity(t *testing.T) {
	l := New(3, 2, newLogger())
	var delivered int
	l.AddSink("counter", SinkFunc(func(context.Context, Event) error {
		delivered++
		return nil
	}))

	var history []Event
	for i := 0; i < 5; i++ {
		history = append(history, Event{Text: fmt.Sprint(i), Timestamp: float64(i + 1)})
	}
	l.Restore(history)

	if l.Len() != 3 {
		t.Fatalf("expected 3 events, got %d", l.Len())
	}
	recent := l.Recent(10)
	if len(recent) != 2 || recent[0].Text != "3" || recent[1].Text != "4" {
		t.Fatalf("unexpected restored window %+v", recent)
	}
	if delivered != 0 {
		t.Fatal("restore must not publish to sinks")
	}
}

func TestConcurrentAppendAndRead(t *testing.T) {
	l := New(100, 50, newLogger())
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				l.Append(context.Background(), Event{Participant: fmt.Sprint(w), Text: fmt.Sprint(i)})
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if n := len(l.Recent(50)); n > 50 {
				t.Errorf("read returned %d events", n)
				return
			}
		}
	}()
	wg.Wait()

	if l.Len() != 100 {
		t.Fatalf("expected capacity to hold, got %d", l.Len())
	}
}

func TestNewClampsLimits(t *testing.T) {
	l := New(0, 0, newLogger())
	if l.capacity != DefaultCapacity || l.ReadLimit() != DefaultReadLimit {
		t.Fatalf("unexpected defaults %d/%d", l.capacity, l.ReadLimit())
	}
	l = New(10, 20, newLogger())
	if l.ReadLimit() != 10 {
		t.Fatalf("read limit should clamp to capacity, got %d", l.ReadLimit())
	}
}
