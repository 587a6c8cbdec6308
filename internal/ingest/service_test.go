package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/feed"
	"github.com/loqalabs/loqa-scribe/internal/roster"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/wavcheck/wavtest"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fixture struct {
	svc  *Service
	reg  *roster.Registry
	feed *feed.Log
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	log := newLogger()
	reg, err := roster.Open(filepath.Join(dir, "students.json"), filepath.Join(dir, "uploads"), log)
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	recognizer := stt.NewService(config.STTConfig{Serialize: true}, stt.NewMockRecognizer(), log)
	f := feed.New(100, 50, log)
	svc := NewService(reg, recognizer, f, log)
	svc.clock = func() time.Time { return time.Unix(1700000000, 0) }
	return fixture{svc: svc, reg: reg, feed: f}
}

func validUpload(t *testing.T, deviceID string) Upload {
	t.Helper()
	return Upload{DeviceID: deviceID, Filename: "clip.WAV", Body: bytes.NewReader(wavtest.Bytes(t, wavtest.Valid))}
}

func TestUploadBoundDevice(t *testing.T) {
	fx := newFixture(t)
	if _, err := fx.reg.RegisterWithDevice("Alice", "D7"); err != nil {
		t.Fatalf("register: %v", err)
	}

	res, err := fx.svc.Upload(context.Background(), validUpload(t, "D7"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if res.Participant != "Alice" || res.Text == nil || res.RecognitionError != "" {
		t.Fatalf("unexpected result %+v", res)
	}
	if !strings.HasPrefix(res.Filename, "device_D7_1700000000_") || filepath.Ext(res.Filename) != ".wav" {
		t.Fatalf("unexpected stored filename %q", res.Filename)
	}
	if _, err := os.Stat(filepath.Join(fx.reg.Folder("Alice"), DeviceDir, res.Filename)); err != nil {
		t.Fatalf("stored file missing: %v", err)
	}

	events := fx.feed.Recent(50)
	if len(events) != 1 {
		t.Fatalf("expected exactly one event, got %d", len(events))
	}
	evt := events[0]
	if evt.Participant != "Alice" || evt.Source != feed.SourceDevice || evt.DeviceID != "D7" || evt.Text != *res.Text {
		t.Fatalf("unexpected event %+v", evt)
	}
}

func TestUploadUnknownDeviceAutoRegisters(t *testing.T) {
	fx := newFixture(t)

	first, err := fx.svc.Upload(context.Background(), validUpload(t, "D1"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if first.Participant != "device-D1" || !first.Registered {
		t.Fatalf("expected auto-registered device-D1, got %+v", first)
	}
	second, err := fx.svc.Upload(context.Background(), validUpload(t, "D1"))
	if err != nil {
		t.Fatalf("second upload: %v", err)
	}
	if second.Participant != "device-D1" || second.Registered {
		t.Fatalf("expected existing participant reused, got %+v", second)
	}
	if first.Filename == second.Filename {
		t.Fatalf("stored filenames collided: %s", first.Filename)
	}
	if fx.reg.Len() != 1 {
		t.Fatalf("expected one participant, got %d", fx.reg.Len())
	}
	p, err := fx.reg.FindByName("device-D1")
	if err != nil || p.DeviceID != "" {
		t.Fatalf("auto-registration must not bind the device: %+v %v", p, err)
	}
}

func TestUploadWrongFormatStillSucceeds(t *testing.T) {
	fx := newFixture(t)
	spec := wavtest.Valid
	spec.SampleRate = 44100

	res, err := fx.svc.Upload(context.Background(), Upload{
		DeviceID: "D2",
		Filename: "clip.wav",
		Body:     bytes.NewReader(wavtest.Bytes(t, spec)),
	})
	if err != nil {
		t.Fatalf("upload should succeed: %v", err)
	}
	if res.Text != nil {
		t.Fatalf("expected no transcript, got %q", *res.Text)
	}
	if !strings.Contains(res.RecognitionError, "44100") {
		t.Fatalf("expected sample rate reason, got %q", res.RecognitionError)
	}
	if fx.feed.Len() != 0 {
		t.Fatalf("failed recognition must not append events")
	}
}

func TestUploadValidation(t *testing.T) {
	fx := newFixture(t)
	cases := []struct {
		name string
		up   Upload
		want error
	}{
		{"missing device", Upload{Filename: "a.wav", Body: strings.NewReader("x")}, ErrMissingDeviceID},
		{"blank device", Upload{DeviceID: "  ", Filename: "a.wav", Body: strings.NewReader("x")}, ErrMissingDeviceID},
		{"traversal device", Upload{DeviceID: "../x", Filename: "a.wav", Body: strings.NewReader("x")}, ErrInvalidDeviceID},
		{"missing file", Upload{DeviceID: "D3"}, ErrMissingFile},
		{"wrong extension", Upload{DeviceID: "D3", Filename: "a.mp3", Body: strings.NewReader("x")}, ErrUnsupportedFormat},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := fx.svc.Upload(context.Background(), tc.up)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
	if fx.feed.Len() != 0 {
		t.Fatal("rejected uploads must not append events")
	}
}

func TestUploadFilesLandOutsideWatcherScope(t *testing.T) {
	fx := newFixture(t)
	res, err := fx.svc.Upload(context.Background(), validUpload(t, "D4"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	entries, err := os.ReadDir(fx.reg.Folder(res.Participant))
	if err != nil {
		t.Fatalf("read participant folder: %v", err)
	}
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".wav") {
			t.Fatalf("device upload stored at watcher-visible path %s", e.Name())
		}
	}
}
