package stt

import (
	"context"
	"fmt"
)

type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, pcm []byte, sampleRate int, _ int) (TranscriptResult, error) {
	seconds := 0.0
	if sampleRate > 0 {
		seconds = float64(len(pcm)/2) / float64(sampleRate)
	}
	return TranscriptResult{
		Text:       fmt.Sprintf("[mock transcript %.2fs]", seconds),
		Confidence: 0,
	}, nil
}
