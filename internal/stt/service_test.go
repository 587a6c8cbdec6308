package stt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/wavcheck"
	"github.com/loqalabs/loqa-scribe/internal/wavcheck/wavtest"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeRecognizer struct {
	text   string
	err    error
	delay  time.Duration
	calls  atomic.Int32
	active atomic.Int32
	peak   atomic.Int32
}

func (f *fakeRecognizer) Transcribe(_ context.Context, pcm []byte, sampleRate int, channels int) (TranscriptResult, error) {
	f.calls.Add(1)
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return TranscriptResult{}, f.err
	}
	return TranscriptResult{Text: f.text}, nil
}

func writeFixture(t *testing.T, spec wavtest.Spec) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.wav")
	wavtest.Write(t, path, spec)
	return path
}

func TestRecognizeFileSuccess(t *testing.T) {
	rec := &fakeRecognizer{text: " hello there "}
	svc := NewService(config.STTConfig{Serialize: true}, rec, newLogger())

	text, err := svc.RecognizeFile(context.Background(), writeFixture(t, wavtest.Valid), "device")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "hello there" {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestRecognizeFileStripSpaces(t *testing.T) {
	rec := &fakeRecognizer{text: "你 好 世 界"}
	svc := NewService(config.STTConfig{StripSpaces: true}, rec, newLogger())

	text, err := svc.RecognizeFile(context.Background(), writeFixture(t, wavtest.Valid), "folder-scan")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "你好世界" {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestRecognizeFileFormatErrorSkipsEngine(t *testing.T) {
	rec := &fakeRecognizer{text: "never"}
	svc := NewService(config.STTConfig{}, rec, newLogger())

	spec := wavtest.Valid
	spec.SampleRate = 44100
	_, err := svc.RecognizeFile(context.Background(), writeFixture(t, spec), "device")

	var fe *wavcheck.FormatError
	if !errors.As(err, &fe) || fe.Reason != wavcheck.ReasonSampleRate {
		t.Fatalf("expected sample rate format error, got %v", err)
	}
	if rec.calls.Load() != 0 {
		t.Fatalf("engine must not be called for invalid audio")
	}
}

func TestRecognizeEngineFailure(t *testing.T) {
	rec := &fakeRecognizer{err: errors.New("model crashed")}
	svc := NewService(config.STTConfig{}, rec, newLogger())

	_, err := svc.RecognizeFile(context.Background(), writeFixture(t, wavtest.Valid), "device")
	var re *RecognitionError
	if !errors.As(err, &re) {
		t.Fatalf("expected RecognitionError, got %v", err)
	}
	if Reason(err) != "model crashed" {
		t.Fatalf("unexpected reason %q", Reason(err))
	}
}

func TestRecognizeEmptyTranscriptIsFailure(t *testing.T) {
	svc := NewService(config.STTConfig{}, &fakeRecognizer{text: "   "}, newLogger())

	_, err := svc.RecognizeFile(context.Background(), writeFixture(t, wavtest.Valid), "device")
	if !errors.Is(err, ErrNoSpeech) {
		t.Fatalf("expected ErrNoSpeech, got %v", err)
	}
}

func TestSerializedCallsNeverOverlap(t *testing.T) {
	rec := &fakeRecognizer{text: "ok", delay: 20 * time.Millisecond}
	svc := NewService(config.STTConfig{Serialize: true}, rec, newLogger())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.RecognizePCM(context.Background(), make([]byte, 320), "device"); err != nil {
				t.Errorf("recognize: %v", err)
			}
		}()
	}
	wg.Wait()

	if rec.calls.Load() != 5 {
		t.Fatalf("expected 5 calls, got %d", rec.calls.Load())
	}
	if rec.peak.Load() != 1 {
		t.Fatalf("expected serialized calls, saw %d concurrent", rec.peak.Load())
	}
}

func TestNewUnknownMode(t *testing.T) {
	if _, err := New(config.STTConfig{Mode: "cloud"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestNewExecMissingCommand(t *testing.T) {
	if _, err := New(config.STTConfig{Mode: "exec", Command: "/nonexistent/recognizer --json"}); err == nil {
		t.Fatal("expected error for missing binary")
	}
	if _, err := New(config.STTConfig{Mode: "exec", Command: ""}); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestExecRecognizer(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "recognize.sh")
	body := "#!/bin/sh\n" +
		"for arg in \"$@\"; do last=\"$arg\"; done\n" +
		"test -s \"$last\" || exit 3\n" +
		"echo '{\"text\": \"from exec\", \"confidence\": 0.75}'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	rec, err := New(config.STTConfig{Mode: "exec", Command: script})
	if err != nil {
		t.Fatalf("new exec recognizer: %v", err)
	}
	res, err := rec.Transcribe(context.Background(), make([]byte, 640), 16000, 1)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "from exec" || res.Confidence != 0.75 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestParseOutput(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: `{"text": "你好", "confidence": 0.5}`, want: "你好"},
		{in: "  plain transcript\n", want: "plain transcript"},
		{in: "", want: ""},
		{in: `{"text": `, wantErr: true},
	}
	for _, tc := range cases {
		res, err := parseOutput([]byte(tc.in))
		if tc.wantErr {
			if err == nil {
				t.Fatalf("parseOutput(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parseOutput(%q): %v", tc.in, err)
		}
		if res.Text != tc.want {
			t.Fatalf("parseOutput(%q) = %q, want %q", tc.in, res.Text, tc.want)
		}
	}
}

func TestWritePCMToWavRejectsOddPayload(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "odd_*.wav")
	if err != nil {
		t.Fatalf("temp: %v", err)
	}
	defer f.Close()
	if err := writePCMToWav(f, make([]byte, 3), 16000, 1); err == nil {
		t.Fatal("expected error for odd-length pcm")
	}
}

func TestWritePCMToWavRoundTrip(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "rt_*.wav")
	if err != nil {
		t.Fatalf("temp: %v", err)
	}
	pcm := make([]byte, 1600)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	if err := writePCMToWav(f, pcm, 16000, 1); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Close()

	got, err := wavcheck.ValidateFile(f.Name())
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(got) != len(pcm) {
		t.Fatalf("expected %d bytes, got %d", len(pcm), len(got))
	}
}

func TestMockRecognizer(t *testing.T) {
	res, err := NewMockRecognizer().Transcribe(context.Background(), make([]byte, 32000), 16000, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "[mock transcript 1.00s]" {
		t.Fatalf("unexpected text %q", res.Text)
	}
}
