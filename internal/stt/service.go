package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/wavcheck"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrNoSpeech is returned when the engine produced an empty transcript.
var ErrNoSpeech = errors.New("recognizer returned no text")

// RecognitionError wraps a failure raised by the engine itself, as opposed to
// a *wavcheck.FormatError raised before the engine was called.
type RecognitionError struct {
	Err error
}

func (e *RecognitionError) Error() string { return "recognition failed: " + e.Err.Error() }
func (e *RecognitionError) Unwrap() error { return e.Err }

// Service is the single entry point both producers use to turn a recording
// into text. It validates the audio, bounds each engine call with a timeout
// and, when configured, serializes calls into engines that are not safe for
// concurrent use.
type Service struct {
	cfg        config.STTConfig
	recognizer Recognizer
	logger     *slog.Logger
	mu         sync.Mutex
	timeout    time.Duration

	tracer   trace.Tracer
	outcomes metric.Int64Counter
	duration metric.Float64Histogram
}

func NewService(cfg config.STTConfig, recognizer Recognizer, log *slog.Logger) *Service {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	s := &Service{
		cfg:        cfg,
		recognizer: recognizer,
		logger:     log.With(slog.String("component", "stt")),
		timeout:    timeout,
		tracer:     otel.Tracer("github.com/loqalabs/loqa-scribe/stt"),
	}
	if err := s.initMetrics(); err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return s
}

func (s *Service) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/stt")
	outcomes, err := meter.Int64Counter("scribe.recognitions", metric.WithDescription("Recognition attempts by origin and outcome"))
	if err != nil {
		return err
	}
	duration, err := meter.Float64Histogram("scribe.recognition.duration", metric.WithUnit("s"), metric.WithDescription("Engine call latency including queueing"))
	if err != nil {
		return err
	}
	s.outcomes = outcomes
	s.duration = duration
	return nil
}

// RecognizeFile validates the WAV at path and transcribes it. origin labels
// telemetry only ("device", "folder-scan", "cli").
func (s *Service) RecognizeFile(ctx context.Context, path, origin string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "stt.recognize_file", trace.WithAttributes(
		attribute.String("scribe.origin", origin),
		attribute.String("scribe.file", path),
	))
	defer span.End()

	pcm, err := wavcheck.ValidateFile(path)
	if err != nil {
		s.record(ctx, origin, outcomeOf(err), 0)
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid audio")
		return "", err
	}
	text, err := s.recognize(ctx, pcm, origin)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "recognition failed")
	}
	return text, err
}

// RecognizePCM transcribes frames that were already validated.
func (s *Service) RecognizePCM(ctx context.Context, pcm []byte, origin string) (string, error) {
	return s.recognize(ctx, pcm, origin)
}

func (s *Service) recognize(ctx context.Context, pcm []byte, origin string) (string, error) {
	start := time.Now()
	if s.cfg.Serialize {
		s.mu.Lock()
		defer s.mu.Unlock()
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.recognizer.Transcribe(callCtx, pcm, wavcheck.RequiredSampleRate, wavcheck.RequiredChannels)
	elapsed := time.Since(start)
	if err != nil {
		err = &RecognitionError{Err: err}
		s.record(ctx, origin, "engine_error", elapsed)
		s.logger.Warn("recognition failed", slog.String("origin", origin), slogError(err))
		return "", err
	}

	text := strings.TrimSpace(result.Text)
	if s.cfg.StripSpaces {
		text = strings.ReplaceAll(text, " ", "")
	}
	if text == "" {
		s.record(ctx, origin, "no_speech", elapsed)
		return "", &RecognitionError{Err: ErrNoSpeech}
	}

	s.record(ctx, origin, "ok", elapsed)
	s.logger.Debug("recognition complete",
		slog.String("origin", origin),
		slog.Duration("elapsed", elapsed),
		slog.Int("pcm_bytes", len(pcm)))
	return text, nil
}

func (s *Service) record(ctx context.Context, origin, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("origin", origin), attribute.String("outcome", outcome))
	if s.outcomes != nil {
		s.outcomes.Add(ctx, 1, attrs)
	}
	if s.duration != nil && elapsed > 0 {
		s.duration.Record(ctx, elapsed.Seconds(), attrs)
	}
}

func outcomeOf(err error) string {
	var fe *wavcheck.FormatError
	if errors.As(err, &fe) {
		return "format_error"
	}
	return "io_error"
}

// Reason renders err for display in the feed and API responses.
func Reason(err error) string {
	var fe *wavcheck.FormatError
	if errors.As(err, &fe) {
		return fe.Detail
	}
	var re *RecognitionError
	if errors.As(err, &re) {
		return re.Err.Error()
	}
	return fmt.Sprint(err)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
