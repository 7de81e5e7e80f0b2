// Package engine orchestrates the full transcription pipeline: normalize,
// chunk, mel, encoder, TDT decode, vocabulary decode, merge. It owns the
// backend registry and serializes requests, so model handles are never
// shared between concurrent callers.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/herve-wq/mvpwakascribe/internal/audioproc"
	"github.com/herve-wq/mvpwakascribe/internal/backend"
	"github.com/herve-wq/mvpwakascribe/internal/chunk"
	"github.com/herve-wq/mvpwakascribe/internal/decode"
	"github.com/herve-wq/mvpwakascribe/internal/errs"
	"github.com/herve-wq/mvpwakascribe/internal/events"
	"github.com/herve-wq/mvpwakascribe/internal/merge"
	"github.com/herve-wq/mvpwakascribe/internal/telemetry"
	"github.com/herve-wq/mvpwakascribe/internal/vocab"
)

// SourceKind tags where a request's audio came from.
type SourceKind string

const (
	SourceDictation SourceKind = "dictation"
	SourceFile      SourceKind = "file"
)

// Segment is one chunk's transcript with its position in the source audio.
type Segment struct {
	ID         string  `json:"id"`
	StartMS    int64   `json:"start_ms"`
	EndMS      int64   `json:"end_ms"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Result is the outcome of one transcription request.
type Result struct {
	ID         string        `json:"id"`
	Segments   []Segment     `json:"segments"`
	RawText    string        `json:"raw_text"`
	DurationMS int64         `json:"duration_ms"`
	Language   string        `json:"language"`
	SourceKind SourceKind    `json:"source_kind"`
	// Partial is set when cancellation (or a single-chunk backend fed
	// long audio) cut the request short at a chunk boundary.
	Partial bool `json:"partial"`
	// Config echoes the decoding config actually applied, so a silent
	// beam-to-greedy fallback is observable.
	Config decode.Config `json:"config"`
}

// Deps carries the engine's collaborators. Bus, Metrics and Tracer may be
// nil; the pipeline then runs without events, metrics or spans.
type Deps struct {
	Registry *backend.Registry
	Vocab    *vocab.Vocabulary
	Chunking chunk.Config
	Bus      *events.Bus
	Metrics  *telemetry.Metrics
	Tracer   *telemetry.Tracer
}

// Engine is the orchestrator. One outstanding request at a time; the
// mutex also serializes backend swaps against running requests.
type Engine struct {
	mu sync.Mutex

	registry *backend.Registry
	vocab    *vocab.Vocabulary
	chunking chunk.Config
	bus      *events.Bus
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
}

// New builds an engine from its dependencies.
func New(deps Deps) *Engine {
	return &Engine{
		registry: deps.Registry,
		vocab:    deps.Vocab,
		chunking: deps.Chunking,
		bus:      deps.Bus,
		metrics:  deps.Metrics,
		tracer:   deps.Tracer,
	}
}

// SetBackend atomically replaces the active adapter. It waits for any
// running request to finish, and on failure the previous backend remains
// active.
func (e *Engine) SetBackend(id backend.ID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.registry.SetActive(id)
	if e.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		e.metrics.BackendSwaps.WithLabelValues(outcome).Inc()
	}
	return err
}

// ActiveBackend reports the currently selected backend id.
func (e *Engine) ActiveBackend() backend.ID {
	return e.registry.ActiveID()
}

// ResetBackendState reinitializes the active adapter's per-request
// handles. TranscribePCM does this implicitly; hosts can also call it
// between requests.
func (e *Engine) ResetBackendState() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	adapter := e.registry.Active()
	if adapter == nil {
		return errs.New(errs.ModelLoadFailed, "no backend active")
	}
	return adapter.ResetRequestHandles()
}

// TranscribeFile loads an audio file and transcribes it.
func (e *Engine) TranscribeFile(ctx context.Context, path string, cfg decode.Config) (*Result, error) {
	samples, rate, channels, err := audioproc.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return e.TranscribePCM(ctx, samples, rate, channels, SourceFile, cfg)
}

// TranscribePCM runs the full pipeline over raw PCM at any supported rate
// and channel count. It always returns either a well-formed result
// (possibly empty, possibly partial on cancellation) or a single error.
func (e *Engine) TranscribePCM(ctx context.Context, pcm []float32, srcRate, channels int, kind SourceKind, cfg decode.Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errs.Wrap(errs.InvalidState, "decoding config", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	adapter := e.registry.Active()
	if adapter == nil {
		e.countRequest(kind, "error")
		return nil, errs.New(errs.ModelLoadFailed, "no backend active")
	}
	if err := adapter.ResetRequestHandles(); err != nil {
		e.countRequest(kind, "error")
		return nil, err
	}

	ctx, span := e.startSpan(ctx, "transcribe",
		attribute.String("source", string(kind)),
		attribute.String("backend", string(adapter.ID())))
	defer span.End()

	audio, err := audioproc.ToPipelineRate(pcm, srcRate, channels)
	if err != nil {
		e.countRequest(kind, "error")
		return nil, errs.Wrap(errs.AudioDecode, "converting input audio", err)
	}
	audio, _ = audioproc.Normalize(audio)

	caps := adapter.Caps()
	if cfg.BeamWidth > 1 && !caps.Beam {
		slog.Info("backend cannot beam search, falling back to greedy", "backend", adapter.ID())
		cfg.BeamWidth = 1
	}

	chunks := chunk.Split(audio, e.chunking)
	truncated := false
	if len(chunks) > 1 && !caps.MultiChunk {
		slog.Warn("backend is single-chunk only, truncating request",
			"backend", adapter.ID(), "chunks", len(chunks))
		chunks = chunks[:1]
		truncated = true
	}

	result := &Result{
		ID:         uuid.NewString(),
		DurationMS: int64(len(audio)) * 1000 / audioproc.TargetRate,
		Language:   cfg.Language.String(),
		SourceKind: kind,
		Config:     cfg,
		Partial:    truncated,
	}

	var (
		texts     []merge.ChunkText
		failed    int
		startTime = time.Now()
	)

	for _, c := range chunks {
		// Cancellation takes effect at chunk boundaries only; the TDT
		// loop below always runs to completion for its chunk.
		if ctx.Err() != nil {
			result.Partial = true
			break
		}

		seg, err := e.processChunk(ctx, adapter, c, cfg)
		if err != nil {
			failed++
			slog.Warn("chunk failed, skipping", "chunk", c.Index, "err", err)
			if e.metrics != nil {
				e.metrics.ChunksFailed.Inc()
			}
			continue
		}

		result.Segments = append(result.Segments, seg)
		texts = append(texts, merge.ChunkText{
			Text:       seg.Text,
			StartMS:    c.StartMS,
			EndMS:      c.EndMS,
			Index:      c.Index,
			Overlapped: c.Overlapped,
		})

		e.emitChunkEvents(result.ID, c, seg, len(chunks), result.DurationMS, startTime)
	}

	if failed == len(chunks) && len(chunks) > 0 {
		e.countRequest(kind, "error")
		return nil, errs.New(errs.InferenceFailed, fmt.Sprintf("all %d chunks failed", failed))
	}

	result.RawText = merge.Merge(texts)
	e.countRequest(kind, "ok")
	return result, nil
}

// processChunk runs one chunk through mel, encoder and TDT decode.
func (e *Engine) processChunk(ctx context.Context, adapter backend.Adapter, c chunk.Chunk, cfg decode.Config) (Segment, error) {
	_, span := e.startSpan(ctx, "chunk", attribute.Int("index", c.Index))
	defer span.End()

	chunkStart := time.Now()

	melData, melLength, err := adapter.Preprocess(c.Samples)
	if err != nil {
		return Segment{}, fmt.Errorf("preprocess: %w", err)
	}

	encFrames, encLength, err := adapter.RunEncoder(melData, melLength)
	if err != nil {
		return Segment{}, fmt.Errorf("encoder: %w", err)
	}

	var (
		tokens     []int32
		confidence float64
	)
	if cfg.BeamWidth > 1 {
		beam, err := decode.Beam(encFrames, encLength, adapter, adapter, cfg)
		if err != nil {
			return Segment{}, fmt.Errorf("beam decode: %w", err)
		}
		tokens, confidence = beam.Best(), beam.Confidence
	} else {
		greedy, err := decode.Greedy(encFrames, encLength, adapter, adapter, cfg)
		if err != nil {
			return Segment{}, fmt.Errorf("greedy decode: %w", err)
		}
		tokens, confidence = greedy.Tokens, greedy.Confidence
	}

	if !adapter.Caps().CalibratedConfidence {
		confidence = 0.95
	}

	if e.metrics != nil {
		e.metrics.ChunksProcessed.WithLabelValues(string(adapter.ID())).Inc()
		e.metrics.DecodeSeconds.Observe(time.Since(chunkStart).Seconds())
	}

	return Segment{
		ID:         uuid.NewString(),
		StartMS:    c.StartMS,
		EndMS:      c.EndMS,
		Text:       vocab.DecodeSequence(tokens, e.vocab),
		Confidence: confidence,
	}, nil
}

// emitChunkEvents publishes the per-chunk segment and progress events.
func (e *Engine) emitChunkEvents(requestID string, c chunk.Chunk, seg Segment, chunkCount int, totalMS int64, startTime time.Time) {
	processedMS := c.EndMS
	speed := 0.0
	if processedMS > 0 {
		speed = time.Since(startTime).Seconds() / (float64(processedMS) / 1000.0)
	}
	if e.metrics != nil {
		e.metrics.SpeedFactor.Set(speed)
	}
	if e.bus == nil {
		return
	}

	e.bus.PublishSegment(events.SegmentEvent{
		RequestID:  requestID,
		ChunkIndex: c.Index,
		StartMS:    seg.StartMS,
		EndMS:      seg.EndMS,
		Text:       seg.Text,
		Confidence: seg.Confidence,
	})
	e.bus.PublishProgress(events.ProgressEvent{
		RequestID:   requestID,
		ChunkIndex:  c.Index,
		ChunkCount:  chunkCount,
		CurrentMS:   processedMS,
		TotalMS:     totalMS,
		SpeedFactor: speed,
	})
}

func (e *Engine) countRequest(kind SourceKind, outcome string) {
	if e.metrics != nil {
		e.metrics.Requests.WithLabelValues(string(kind), outcome).Inc()
	}
}

func (e *Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if e.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	ctx, span := e.tracer.Start(ctx, name)
	span.SetAttributes(attrs...)
	return ctx, span
}
