package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/mattn/go-shellwords"
	"golang.org/x/sync/semaphore"
)

// execRecognizer runs at most cfg.MaxConcurrent helper processes; other
// callers wait for a slot or their context.
type execRecognizer struct {
	cmd   []string
	cfg   config.STTConfig
	slots *semaphore.Weighted
}

// recognizerOutput is the JSON document printed by exec helpers and
// returned by whisper sidecars.
type recognizerOutput struct {
	Language            string             `json:"language"`
	LanguageProbability float64            `json:"language_probability"`
	Duration            float64            `json:"duration"`
	Segments            []protocol.Segment `json:"segments"`
}

func (o recognizerOutput) result() Result {
	duration := o.Duration
	if duration == 0 && len(o.Segments) > 0 {
		duration = o.Segments[len(o.Segments)-1].End
	}
	return Result{
		Segments:            o.Segments,
		Duration:            duration,
		Language:            o.Language,
		LanguageProbability: o.LanguageProbability,
	}
}

func NewExecRecognizer(cfg config.STTConfig) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	limit := cfg.MaxConcurrent
	if limit <= 0 {
		limit = 1
	}
	return &execRecognizer{cmd: args, cfg: cfg, slots: semaphore.NewWeighted(int64(limit))}, nil
}

func (r *execRecognizer) Recognize(ctx context.Context, audioPath string, opts Options) (Result, error) {
	if err := r.slots.Acquire(ctx, 1); err != nil {
		return Result{}, fmt.Errorf("wait for stt slot: %w", err)
	}
	defer r.slots.Release(1)

	command := exec.CommandContext(ctx, r.cmd[0], r.args(audioPath, opts)...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return Result{}, fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}

	var out recognizerOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return Result{}, fmt.Errorf("decode stt response: %w", err)
	}
	return out.result(), nil
}

func (r *execRecognizer) args(audioPath string, opts Options) []string {
	args := append([]string{}, r.cmd[1:]...)
	args = append(args, "--audio", audioPath)
	switch {
	case r.cfg.ModelPath != "":
		args = append(args, "--model", r.cfg.ModelPath)
	case r.cfg.Model != "":
		args = append(args, "--model", r.cfg.Model)
	}
	if opts.Language != "" {
		args = append(args, "--language", opts.Language)
	}
	if opts.BeamSize > 0 {
		args = append(args, "--beam-size", strconv.Itoa(opts.BeamSize))
	}
	if opts.VAD {
		args = append(args, "--vad")
	}
	return args
}
