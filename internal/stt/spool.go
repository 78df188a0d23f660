package stt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

// ErrEmptyAudio is returned for zero-length payloads.
var ErrEmptyAudio = errors.New("empty audio payload")

// Spool hands audio to recognizers through temp files.
type Spool struct {
	dir        string
	format     string
	sampleRate int
	channels   int
}

func NewSpool(cfg config.STTConfig) *Spool {
	dir := cfg.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	format := cfg.InputFormat
	if format == "" {
		format = "webm"
	}
	return &Spool{dir: dir, format: format, sampleRate: cfg.SampleRate, channels: cfg.Channels}
}

// WriteChunk stores one streamed chunk. The returned cleanup removes the file.
func (s *Spool) WriteChunk(payload []byte) (string, func(), error) {
	if len(payload) == 0 {
		return "", nil, ErrEmptyAudio
	}

	suffix := ".webm"
	if s.format == "pcm16" {
		suffix = ".wav"
	}
	file, err := os.CreateTemp(s.dir, "scribe_chunk_*"+suffix)
	if err != nil {
		return "", nil, fmt.Errorf("temp file: %w", err)
	}
	cleanup := func() { _ = os.Remove(file.Name()) }

	if s.format == "pcm16" {
		err = writePCMToWav(file, payload, s.sampleRate, s.channels)
	} else {
		_, err = file.Write(payload)
	}
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("write chunk: %w", err)
	}
	return file.Name(), cleanup, nil
}

// WriteFile stores an uploaded file, keeping its extension so the
// recognizer can pick a demuxer.
func (s *Spool) WriteFile(name string, r io.Reader) (string, func(), error) {
	ext := strings.ToLower(filepath.Ext(name))
	if len(ext) > 10 || strings.ContainsAny(ext, `/\`) {
		ext = ""
	}
	file, err := os.CreateTemp(s.dir, "scribe_upload_*"+ext)
	if err != nil {
		return "", nil, fmt.Errorf("temp file: %w", err)
	}
	cleanup := func() { _ = os.Remove(file.Name()) }

	n, err := io.Copy(file, r)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("write upload: %w", err)
	}
	if n == 0 {
		cleanup()
		return "", nil, ErrEmptyAudio
	}
	return file.Name(), cleanup, nil
}

func writePCMToWav(file *os.File, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
