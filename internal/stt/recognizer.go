package stt

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

// Result captures recognizer output for one audio file. Segment times are
// relative to the start of that file.
type Result struct {
	Segments            []protocol.Segment `json:"segments"`
	Duration            float64            `json:"duration"`
	Language            string             `json:"language,omitempty"`
	LanguageProbability float64            `json:"language_probability,omitempty"`
}

// Options tune a single recognition call.
type Options struct {
	Language string
	BeamSize int
	VAD      bool
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Recognize(ctx context.Context, audioPath string, opts Options) (Result, error)
}

// NewRecognizer builds the backend selected by cfg.Mode.
func NewRecognizer(cfg config.STTConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockRecognizer(cfg), nil
	case "exec":
		return NewExecRecognizer(cfg)
	case "http":
		return NewHTTPRecognizer(cfg), nil
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}
