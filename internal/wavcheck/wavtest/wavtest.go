// Package wavtest builds WAV fixtures for tests.
package wavtest

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Spec describes the fixture to build.
type Spec struct {
	AudioFormat int
	Channels    int
	BitDepth    int
	SampleRate  int
	Frames      int
}

// Valid is mono, 16-bit, 16 kHz PCM with a quarter second of audio.
var Valid = Spec{AudioFormat: 1, Channels: 1, BitDepth: 16, SampleRate: 16000, Frames: 4000}

// PCMLen is the number of frame bytes a fixture for s carries.
func PCMLen(s Spec) int {
	return s.Frames * s.Channels * s.BitDepth / 8
}

// Write encodes a fixture at path. The data chunk holds the byte ramp
// 0, 1, ..., 250, 0, 1, ... so tests can check where the payload starts.
func Write(t testing.TB, path string, s Spec) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav fixture: %v", err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, s.SampleRate, s.BitDepth, s.Channels, s.AudioFormat)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: s.Channels, SampleRate: s.SampleRate},
		Data:           samples(s),
		SourceBitDepth: s.BitDepth,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("encode wav fixture: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav fixture: %v", err)
	}
}

// Bytes returns the encoded fixture for s.
func Bytes(t testing.TB, s Spec) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.wav")
	Write(t, path, s)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read wav fixture: %v", err)
	}
	return data
}

// samples decodes the byte ramp at the fixture's sample width so the encoder
// writes the ramp back out unchanged.
func samples(s Spec) []int {
	width := s.BitDepth / 8
	ramp := make([]byte, PCMLen(s))
	for i := range ramp {
		ramp[i] = byte(i % 251)
	}
	out := make([]int, 0, len(ramp)/width)
	for off := 0; off+width <= len(ramp); off += width {
		switch width {
		case 1:
			out = append(out, int(ramp[off]))
		case 2:
			out = append(out, int(int16(binary.LittleEndian.Uint16(ramp[off:]))))
		default:
			out = append(out, int(int32(binary.LittleEndian.Uint32(ramp[off:]))))
		}
	}
	return out
}
