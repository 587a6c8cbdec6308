package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/mattn/go-shellwords"
)

type execRecognizer struct {
	cmd []string
	cfg config.STTConfig
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// NewExecRecognizer runs cfg.Command once per recording. The command gets
// --audio <tmp.wav> (plus --model/--language when configured) and prints
// either {"text": "...", "confidence": 0.0} or the bare transcript on stdout.
func NewExecRecognizer(cfg config.STTConfig) (Recognizer, error) {
	args, err := shellwords.NewParser().Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	if _, err := exec.LookPath(args[0]); err != nil {
		return nil, fmt.Errorf("locate stt command: %w", err)
	}
	if cfg.ModelPath != "" {
		if _, err := os.Stat(cfg.ModelPath); err != nil {
			return nil, fmt.Errorf("stt model: %w", err)
		}
	}
	return &execRecognizer{cmd: args, cfg: cfg}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int) (TranscriptResult, error) {
	clip, err := os.CreateTemp("", "scribe_stt_*.wav")
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(clip.Name())
	defer clip.Close()

	if err := writePCMToWav(clip, pcm, sampleRate, channels); err != nil {
		return TranscriptResult{}, err
	}

	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, r.cmd[0], r.args(clip.Name())...)
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return TranscriptResult{}, fmt.Errorf("stt command failed: %w: %s", err, msg)
		}
		return TranscriptResult{}, fmt.Errorf("stt command failed: %w", err)
	}
	return parseOutput(stdout.Bytes())
}

func (r *execRecognizer) args(clip string) []string {
	out := append([]string{}, r.cmd[1:]...)
	out = append(out, "--audio", clip)
	if r.cfg.ModelPath != "" {
		out = append(out, "--model", r.cfg.ModelPath)
	}
	if r.cfg.Language != "" {
		out = append(out, "--language", r.cfg.Language)
	}
	return out
}

// parseOutput accepts the JSON result object or, failing that, treats the
// trimmed output as the transcript.
func parseOutput(out []byte) (TranscriptResult, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var resp execResult
		if err := json.Unmarshal(trimmed, &resp); err != nil {
			return TranscriptResult{}, fmt.Errorf("decode stt response: %w", err)
		}
		return TranscriptResult{Text: resp.Text, Confidence: resp.Confidence}, nil
	}
	return TranscriptResult{Text: string(trimmed)}, nil
}

// writePCMToWav re-encodes 16-bit little-endian PCM as a WAV file.
func writePCMToWav(w io.WriteSeeker, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload has odd length %d", len(pcm))
	}
	samples := make([]int, 0, len(pcm)/2)
	for off := 0; off+1 < len(pcm); off += 2 {
		samples = append(samples, int(int16(binary.LittleEndian.Uint16(pcm[off:]))))
	}
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}

	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
