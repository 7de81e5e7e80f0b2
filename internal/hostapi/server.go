// Package hostapi exposes the core to a host process over a local
// WebSocket: request/response operations plus pushed segment and progress
// events relayed from the internal bus.
package hostapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/herve-wq/mvpwakascribe/internal/audio"
	"github.com/herve-wq/mvpwakascribe/internal/backend"
	"github.com/herve-wq/mvpwakascribe/internal/decode"
	"github.com/herve-wq/mvpwakascribe/internal/engine"
	"github.com/herve-wq/mvpwakascribe/internal/errs"
	"github.com/herve-wq/mvpwakascribe/internal/events"
)

// Request is one host operation call.
type Request struct {
	ID     string          `json:"id"`
	Op     string          `json:"op"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers one Request.
type Response struct {
	ID     string    `json:"id"`
	OK     bool      `json:"ok"`
	Result any       `json:"result,omitempty"`
	Error  *ErrorObj `json:"error,omitempty"`
}

// ErrorObj is the wire form of the error taxonomy.
type ErrorObj struct {
	Kind        string `json:"kind"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// Event is a pushed notification, not tied to a request.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// CaptureController is the slice of the capture surface the host
// operations drive; *audio.Capture satisfies it.
type CaptureController interface {
	Devices() ([]audio.Device, error)
	Start(deviceID string) error
	Pause() error
	Resume() error
	Stop() (audio.Take, error)
	Level() float32
}

// Server hosts the WebSocket endpoint.
type Server struct {
	engine   *engine.Engine
	capture  CaptureController
	bus      *events.Bus
	defaults decode.Config

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*conn]struct{}
}

// conn is one attached host with serialized writes.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) send(v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.WriteJSON(v); err != nil {
		slog.Debug("host write failed", "err", err)
	}
}

// New builds the server and subscribes to the event bus, forwarding every
// segment and progress event to all attached hosts.
func New(eng *engine.Engine, capture CaptureController, bus *events.Bus, defaults decode.Config) (*Server, error) {
	s := &Server{
		engine:   eng,
		capture:  capture,
		bus:      bus,
		defaults: defaults,
		upgrader: websocket.Upgrader{
			// The endpoint binds to loopback; host UIs connect without
			// browser-style origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: map[*conn]struct{}{},
	}

	if bus != nil {
		if _, err := bus.SubscribeSegments(func(ev events.SegmentEvent) {
			s.broadcast(Event{Event: "segment", Data: ev})
		}); err != nil {
			return nil, fmt.Errorf("hostapi: subscribing segments: %w", err)
		}
		if _, err := bus.SubscribeProgress(func(ev events.ProgressEvent) {
			s.broadcast(Event{Event: "progress", Data: ev})
		}); err != nil {
			return nil, fmt.Errorf("hostapi: subscribing progress: %w", err)
		}
	}

	return s, nil
}

// Handler returns the HTTP handler for the WebSocket endpoint.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serveWS)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "err", err)
		return
	}
	c := &conn{ws: ws}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		ws.Close()
	}()

	for {
		var req Request
		if err := ws.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("host connection closed", "err", err)
			}
			return
		}
		c.send(s.handle(r.Context(), req))
	}
}

func (s *Server) broadcast(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.send(ev)
	}
}

// handle dispatches one operation.
func (s *Server) handle(ctx context.Context, req Request) Response {
	result, err := s.dispatch(ctx, req)
	if err != nil {
		return Response{ID: req.ID, OK: false, Error: toErrorObj(err)}
	}
	return Response{ID: req.ID, OK: true, Result: result}
}

func (s *Server) dispatch(ctx context.Context, req Request) (any, error) {
	switch req.Op {
	case "list_input_devices":
		return s.capture.Devices()

	case "start_recording":
		var p struct {
			DeviceID string `json:"device_id"`
		}
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		return nil, s.capture.Start(p.DeviceID)

	case "pause_recording":
		return nil, s.capture.Pause()

	case "resume_recording":
		return nil, s.capture.Resume()

	case "stop_recording":
		cfg, err := s.decodeConfig(req.Params)
		if err != nil {
			return nil, err
		}
		take, err := s.capture.Stop()
		if err != nil {
			return nil, err
		}
		if len(take.Samples) == 0 {
			// Stop while idle is a no-op; answer with an empty result
			// instead of running the pipeline on nothing.
			return &engine.Result{SourceKind: engine.SourceDictation, Language: cfg.Language.String(), Config: cfg}, nil
		}
		return s.engine.TranscribePCM(ctx, take.Samples, take.SampleRate, take.Channels, engine.SourceDictation, cfg)

	case "transcribe_file":
		var p struct {
			Path string `json:"path"`
		}
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		if p.Path == "" {
			return nil, errs.New(errs.AudioDecode, "path is required")
		}
		cfg, err := s.decodeConfig(req.Params)
		if err != nil {
			return nil, err
		}
		return s.engine.TranscribeFile(ctx, p.Path, cfg)

	case "set_backend":
		var p struct {
			BackendID string `json:"backend_id"`
		}
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		return nil, s.engine.SetBackend(backend.ID(p.BackendID))

	case "get_audio_level":
		return s.capture.Level(), nil

	default:
		return nil, errs.New(errs.InvalidState, fmt.Sprintf("unknown operation %q", req.Op))
	}
}

// decodeConfig merges request decoding options over the server defaults.
func (s *Server) decodeConfig(params json.RawMessage) (decode.Config, error) {
	cfg := s.defaults
	if len(params) == 0 {
		return cfg, nil
	}

	var p struct {
		BeamWidth    *int     `json:"beam_width"`
		Temperature  *float64 `json:"temperature"`
		BlankPenalty *float64 `json:"blank_penalty"`
		Language     *string  `json:"language"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return decode.Config{}, err
	}

	if p.BeamWidth != nil {
		cfg.BeamWidth = *p.BeamWidth
	}
	if p.Temperature != nil {
		cfg.Temperature = *p.Temperature
	}
	if p.BlankPenalty != nil {
		cfg.BlankPenalty = *p.BlankPenalty
	}
	if p.Language != nil {
		lang, err := decode.ParseLanguage(*p.Language)
		if err != nil {
			return decode.Config{}, errs.Wrap(errs.InvalidState, "language", err)
		}
		cfg.Language = lang
	}

	if err := cfg.Validate(); err != nil {
		return decode.Config{}, errs.Wrap(errs.InvalidState, "decoding config", err)
	}
	return cfg, nil
}

func unmarshalParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return errs.Wrap(errs.InvalidState, "parsing params", err)
	}
	return nil
}

// toErrorObj flattens any error into the wire error object.
func toErrorObj(err error) *ErrorObj {
	var e *errs.Error
	if errors.As(err, &e) {
		return &ErrorObj{Kind: string(e.Kind), Message: e.Message, Recoverable: e.Recoverable}
	}
	return &ErrorObj{Kind: "Internal", Message: err.Error()}
}
