// Package wavcheck validates WAV payloads before they reach a recognizer.
package wavcheck

import (
	"fmt"
	"io"
	"os"

	"github.com/go-audio/wav"
)

const (
	RequiredChannels   = 1
	RequiredBitDepth   = 16
	RequiredSampleRate = 16000

	pcmFormat = 1
)

// Reason classifies why a payload was rejected.
type Reason string

const (
	ReasonNotWAV      Reason = "not_wav"
	ReasonEncoding    Reason = "encoding"
	ReasonChannels    Reason = "channels"
	ReasonSampleWidth Reason = "sample_width"
	ReasonSampleRate  Reason = "sample_rate"
)

// FormatError reports a payload that does not match the required format.
type FormatError struct {
	Reason Reason
	Detail string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("unsupported audio (%s): %s", e.Reason, e.Detail)
}

// Validate checks that r holds a mono, 16-bit, 16 kHz PCM WAV and returns the
// raw frame bytes with the header stripped.
func Validate(r io.ReadSeeker) ([]byte, error) {
	dec := wav.NewDecoder(r)
	dec.ReadInfo()
	if err := dec.Err(); err != nil || !dec.IsValidFile() {
		detail := "missing RIFF/WAVE header or fmt chunk"
		if err != nil {
			detail = err.Error()
		}
		return nil, &FormatError{Reason: ReasonNotWAV, Detail: detail}
	}

	switch {
	case dec.WavAudioFormat != pcmFormat:
		return nil, &FormatError{Reason: ReasonEncoding, Detail: fmt.Sprintf("audio format %d, only PCM is supported", dec.WavAudioFormat)}
	case dec.NumChans != RequiredChannels:
		return nil, &FormatError{Reason: ReasonChannels, Detail: fmt.Sprintf("%d channels, only mono is supported", dec.NumChans)}
	case dec.BitDepth != RequiredBitDepth:
		return nil, &FormatError{Reason: ReasonSampleWidth, Detail: fmt.Sprintf("%d-bit samples, only 16-bit is supported", dec.BitDepth)}
	case dec.SampleRate != RequiredSampleRate:
		return nil, &FormatError{Reason: ReasonSampleRate, Detail: fmt.Sprintf("%d Hz, only 16000 Hz is supported", dec.SampleRate)}
	}

	if err := dec.FwdToPCM(); err != nil {
		return nil, &FormatError{Reason: ReasonNotWAV, Detail: fmt.Sprintf("locate data chunk: %v", err)}
	}
	pcm, err := io.ReadAll(io.LimitReader(dec.PCMChunk, dec.PCMLen()))
	if err != nil {
		return nil, fmt.Errorf("read pcm frames: %w", err)
	}
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	return pcm, nil
}

// ValidateFile opens path and runs Validate on its contents.
func ValidateFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()
	return Validate(f)
}
