package stt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

type mockRecognizer struct {
	duration float64
}

// NewMockRecognizer returns a deterministic recognizer that describes the
// file it was given instead of transcribing it.
func NewMockRecognizer(cfg config.STTConfig) Recognizer {
	return &mockRecognizer{duration: float64(cfg.MockDurationMS) / 1000}
}

func (m *mockRecognizer) Recognize(_ context.Context, audioPath string, opts Options) (Result, error) {
	info, err := os.Stat(audioPath)
	if err != nil {
		return Result{}, fmt.Errorf("stat audio: %w", err)
	}

	duration := m.duration
	if strings.EqualFold(filepath.Ext(audioPath), ".wav") {
		if d, err := wavDuration(audioPath); err == nil {
			duration = d.Seconds()
		}
	}

	language := opts.Language
	if language == "" {
		language = "en"
	}
	return Result{
		Segments: []protocol.Segment{{
			Start: 0,
			End:   duration,
			Text:  fmt.Sprintf("[chunk bytes=%d]", info.Size()),
		}},
		Duration:            duration,
		Language:            language,
		LanguageProbability: 1,
	}, nil
}

func wavDuration(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return 0, fmt.Errorf("invalid wav file")
	}
	if err := dec.FwdToPCM(); err != nil {
		return 0, fmt.Errorf("seek pcm: %w", err)
	}
	bytesPerSecond := int64(dec.SampleRate) * int64(dec.NumChans) * int64(dec.BitDepth) / 8
	if bytesPerSecond == 0 {
		return 0, fmt.Errorf("invalid wav format")
	}
	return time.Duration(dec.PCMLen() * int64(time.Second) / bytesPerSecond), nil
}
