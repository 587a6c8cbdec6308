package stt

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts STT backends. Implementations receive validated
// little-endian 16-bit PCM.
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int) (TranscriptResult, error)
}

// New builds the recognizer selected by cfg.Mode. An error here means the
// engine cannot be loaded and the process should not start serving.
func New(cfg config.STTConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "mock", "":
		return NewMockRecognizer(), nil
	case "exec":
		return NewExecRecognizer(cfg)
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}
