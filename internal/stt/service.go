package stt

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Service spools audio to disk and runs it through the recognizer.
type Service struct {
	cfg        config.STTConfig
	recognizer Recognizer
	spool      *Spool
	logger     *slog.Logger
	tracer     trace.Tracer

	latency  metric.Float64Histogram
	failures metric.Int64Counter
}

func NewService(cfg config.STTConfig, recognizer Recognizer, logger *slog.Logger) *Service {
	s := &Service{
		cfg:        cfg,
		recognizer: recognizer,
		spool:      NewSpool(cfg),
		logger:     logger.With(slog.String("component", "stt")),
		tracer:     otel.Tracer("github.com/loqalabs/loqa-scribe/stt"),
	}
	if err := s.initMetrics(); err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return s
}

func (s *Service) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/stt")
	var err error
	s.latency, err = meter.Float64Histogram("scribe.recognition.duration",
		metric.WithDescription("Recognizer call latency"),
		metric.WithUnit("s"))
	if err != nil {
		return err
	}
	s.failures, err = meter.Int64Counter("scribe.chunks.failed",
		metric.WithDescription("Recognition calls that returned an error"))
	return err
}

// TranscribeChunk recognizes one streamed chunk with streaming options:
// configured language, no VAD so short chunks keep all speech.
func (s *Service) TranscribeChunk(ctx context.Context, payload []byte) (Result, error) {
	path, cleanup, err := s.spool.WriteChunk(payload)
	if err != nil {
		return Result{}, err
	}
	defer cleanup()

	opts := Options{Language: s.cfg.Language, BeamSize: s.cfg.BeamSize, VAD: false}
	return s.recognize(ctx, "chunk", path, opts)
}

// TranscribeFile recognizes a complete uploaded recording.
func (s *Service) TranscribeFile(ctx context.Context, name string, r io.Reader) (Result, error) {
	path, cleanup, err := s.spool.WriteFile(name, r)
	if err != nil {
		return Result{}, err
	}
	defer cleanup()

	opts := Options{Language: s.cfg.Language, BeamSize: s.cfg.BeamSize, VAD: true}
	return s.recognize(ctx, "file", path, opts)
}

func (s *Service) recognize(ctx context.Context, kind, path string, opts Options) (Result, error) {
	if s.cfg.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	ctx, span := s.tracer.Start(ctx, "stt.recognize", trace.WithAttributes(
		attribute.String("stt.kind", kind),
		attribute.String("stt.mode", s.cfg.Mode),
	))
	defer span.End()

	start := time.Now()
	result, err := s.recognizer.Recognize(ctx, path, opts)
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	if s.latency != nil {
		s.latency.Record(ctx, time.Since(start).Seconds(), attrs)
	}
	if err != nil {
		if s.failures != nil {
			s.failures.Add(ctx, 1, attrs)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, fmt.Errorf("recognize %s: %w", kind, err)
	}
	span.SetAttributes(
		attribute.Int("stt.segments", len(result.Segments)),
		attribute.Float64("stt.duration", result.Duration),
	)
	return result, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
