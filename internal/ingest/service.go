// Package ingest turns device uploads into stored recordings and feed events.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/feed"
	"github.com/loqalabs/loqa-scribe/internal/roster"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DeviceDir is the per-participant subdirectory holding device uploads. The
// folder watcher only scans the top level of a participant folder, so files
// stored here are never picked up twice.
const DeviceDir = "device"

var (
	ErrValidation        = errors.New("invalid upload")
	ErrMissingDeviceID   = fmt.Errorf("%w: missing Device-Id header", ErrValidation)
	ErrInvalidDeviceID   = fmt.Errorf("%w: device id must not contain path elements", ErrValidation)
	ErrMissingFile       = fmt.Errorf("%w: no audio file provided", ErrValidation)
	ErrUnsupportedFormat = fmt.Errorf("%w: only .wav files are accepted", ErrValidation)
)

// Registry is the subset of the participant registry uploads need.
type Registry interface {
	FindByDevice(deviceID string) (roster.Participant, error)
	Ensure(name string) (roster.Participant, bool, error)
	EnsureFolder(name string) (string, error)
}

// Recognizer transcribes a stored WAV file.
type Recognizer interface {
	RecognizeFile(ctx context.Context, path, origin string) (string, error)
}

// Feed receives successful recognitions.
type Feed interface {
	Append(ctx context.Context, evt feed.Event) feed.Event
}

// Upload is one incoming recording.
type Upload struct {
	DeviceID string
	Filename string
	Body     io.Reader
}

// Result describes a stored upload. Text is nil when recognition failed, in
// which case RecognitionError carries the reason.
type Result struct {
	Participant      string
	Filename         string
	DeviceID         string
	Text             *string
	RecognitionError string
	Registered       bool
}

type Service struct {
	registry   Registry
	recognizer Recognizer
	feed       Feed
	log        *slog.Logger
	clock      func() time.Time
	tracer     trace.Tracer
}

func NewService(registry Registry, recognizer Recognizer, f Feed, log *slog.Logger) *Service {
	return &Service{
		registry:   registry,
		recognizer: recognizer,
		feed:       f,
		log:        log.With(slog.String("component", "ingest")),
		clock:      time.Now,
		tracer:     otel.Tracer("github.com/loqalabs/loqa-scribe/ingest"),
	}
}

// ParticipantForDevice returns the display name uploads from an unbound
// device are filed under.
func ParticipantForDevice(deviceID string) string {
	return "device-" + deviceID
}

// Upload resolves the participant for the device, stores the recording and
// recognizes it synchronously. Recognition failures do not fail the upload.
func (s *Service) Upload(ctx context.Context, up Upload) (Result, error) {
	deviceID := strings.TrimSpace(up.DeviceID)
	if deviceID == "" {
		return Result{}, ErrMissingDeviceID
	}
	if strings.ContainsAny(deviceID, `/\`) || strings.Contains(deviceID, "..") {
		return Result{}, ErrInvalidDeviceID
	}

	ctx, span := s.tracer.Start(ctx, "ingest.upload", trace.WithAttributes(attribute.String("scribe.device_id", deviceID)))
	defer span.End()

	name := ParticipantForDevice(deviceID)
	if p, err := s.registry.FindByDevice(deviceID); err == nil {
		name = p.Name
	} else if !errors.Is(err, roster.ErrNotFound) {
		return Result{}, fmt.Errorf("lookup device %s: %w", deviceID, err)
	}
	_, created, err := s.registry.Ensure(name)
	if err != nil {
		return Result{}, fmt.Errorf("register %s: %w", name, err)
	}
	if created {
		s.log.Info("auto-registered participant for device",
			slog.String("participant", name),
			slog.String("device_id", deviceID))
	}

	if up.Body == nil || up.Filename == "" {
		return Result{}, ErrMissingFile
	}
	if !strings.EqualFold(filepath.Ext(up.Filename), ".wav") {
		return Result{}, ErrUnsupportedFormat
	}

	path, err := s.store(name, deviceID, up.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store failed")
		return Result{}, err
	}
	filename := filepath.Base(path)
	span.SetAttributes(attribute.String("scribe.participant", name), attribute.String("scribe.file", filename))

	res := Result{
		Participant: name,
		Filename:    filename,
		DeviceID:    deviceID,
		Registered:  created,
	}

	text, err := s.recognizer.RecognizeFile(ctx, path, string(feed.SourceDevice))
	if err != nil {
		res.RecognitionError = stt.Reason(err)
		s.log.Warn("upload stored without transcript",
			slog.String("participant", name),
			slog.String("file", filename),
			slog.String("error", err.Error()))
		return res, nil
	}

	res.Text = &text
	s.feed.Append(ctx, feed.Event{
		Participant: name,
		Text:        text,
		Timestamp:   feed.Timestamp(s.clock()),
		Filename:    filename,
		Source:      feed.SourceDevice,
		DeviceID:    deviceID,
	})
	s.log.Info("upload recognized",
		slog.String("participant", name),
		slog.String("device_id", deviceID),
		slog.String("file", filename))
	return res, nil
}

func (s *Service) store(name, deviceID string, body io.Reader) (string, error) {
	folder, err := s.registry.EnsureFolder(name)
	if err != nil {
		return "", fmt.Errorf("create participant folder: %w", err)
	}
	dir := filepath.Join(folder, DeviceDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create device folder: %w", err)
	}

	filename := fmt.Sprintf("device_%s_%d_%s.wav", deviceID, s.clock().Unix(), uuid.NewString()[:8])
	path := filepath.Join(dir, filename)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write upload file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close upload file: %w", err)
	}
	return path, nil
}
