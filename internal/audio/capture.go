// Package audio captures microphone input through miniaudio.
//
// All device handling runs on one dedicated OS thread: miniaudio stream
// handles are not safe to move across threads, so public methods post
// commands over a bounded channel and wait for the reply. Sample delivery
// is guarded by a generation counter; a callback scheduled before a stop
// can never write into the next session's buffer.
package audio

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/herve-wq/mvpwakascribe/internal/errs"
)

// State is the capture lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRecording
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateRecording:
		return "recording"
	case StatePaused:
		return "paused"
	default:
		return "idle"
	}
}

// Device describes one selectable input device.
type Device struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsDefault bool   `json:"is_default"`
}

// Take is a finished recording: the drained buffer plus the rate the
// device delivered it at.
type Take struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// quiescenceDelay is how long a stop waits after invalidating the
// generation before draining, so in-flight callbacks settle first.
const quiescenceDelay = 50 * time.Millisecond

// Capture owns the microphone lifecycle.
type Capture struct {
	commands chan command
	done     chan struct{}

	// generation stamps the live session; callbacks compare against it
	// before touching the buffer.
	generation atomic.Uint64
	// levelBits holds the latest block peak as float32 bits.
	levelBits atomic.Uint32
	// recState mirrors the loop's state for lock-free level reads.
	recState atomic.Int32

	mu  sync.Mutex
	buf []float32
	// sessionErr records a device failure mid-capture; surfaced at stop.
	sessionErr error
}

type command struct {
	run   func(*captureLoop) (any, error)
	reply chan result
}

type result struct {
	value any
	err   error
}

// captureLoop is the state confined to the capture thread.
type captureLoop struct {
	owner *Capture

	ctx        *malgo.AllocatedContext
	device     *malgo.Device
	deviceRate int
	channels   int
	state      State
}

// NewCapture starts the capture thread.
func NewCapture() (*Capture, error) {
	c := &Capture{
		commands: make(chan command, 8),
		done:     make(chan struct{}),
	}

	initErr := make(chan error, 1)
	go c.run(initErr)
	if err := <-initErr; err != nil {
		return nil, err
	}
	return c, nil
}

// run is the capture thread body.
func (c *Capture) run(initErr chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		initErr <- fmt.Errorf("audio: initializing context: %w", err)
		return
	}
	initErr <- nil

	loop := &captureLoop{owner: c, ctx: ctx, state: StateIdle}

	for cmd := range c.commands {
		value, err := cmd.run(loop)
		cmd.reply <- result{value: value, err: err}
	}

	loop.teardown()
	if err := ctx.Uninit(); err != nil {
		slog.Warn("audio context uninit", "err", err)
	}
	ctx.Free()
	close(c.done)
}

func (c *Capture) dispatch(fn func(*captureLoop) (any, error)) (any, error) {
	reply := make(chan result, 1)
	c.commands <- command{run: fn, reply: reply}
	r := <-reply
	return r.value, r.err
}

// Devices enumerates capture devices.
func (c *Capture) Devices() ([]Device, error) {
	v, err := c.dispatch(func(l *captureLoop) (any, error) {
		infos, err := l.ctx.Devices(malgo.Capture)
		if err != nil {
			return nil, errs.Wrap(errs.DeviceUnavailable, "enumerating devices", err)
		}
		devices := make([]Device, len(infos))
		for i, info := range infos {
			devices[i] = Device{
				ID:        deviceID(info.ID),
				Name:      info.Name(),
				IsDefault: info.IsDefault != 0,
			}
		}
		return devices, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Device), nil
}

// Start opens the selected device (or the system default when deviceID is
// empty) and begins accumulating samples under a fresh generation.
func (c *Capture) Start(deviceID string) error {
	_, err := c.dispatch(func(l *captureLoop) (any, error) {
		return nil, l.start(deviceID)
	})
	return err
}

// Pause suspends sample accumulation without closing the stream.
func (c *Capture) Pause() error {
	_, err := c.dispatch(func(l *captureLoop) (any, error) {
		if l.state != StateRecording {
			return nil, errs.New(errs.InvalidState, fmt.Sprintf("pause while %s", l.state))
		}
		l.setState(StatePaused)
		return nil, nil
	})
	return err
}

// Resume reverses Pause.
func (c *Capture) Resume() error {
	_, err := c.dispatch(func(l *captureLoop) (any, error) {
		if l.state != StatePaused {
			return nil, errs.New(errs.InvalidState, fmt.Sprintf("resume while %s", l.state))
		}
		l.setState(StateRecording)
		return nil, nil
	})
	return err
}

// Stop closes the stream and returns the session's samples. Stopping while
// idle is a no-op returning an empty take. A device failure observed
// during the session surfaces here.
func (c *Capture) Stop() (Take, error) {
	v, err := c.dispatch(func(l *captureLoop) (any, error) {
		return l.stop()
	})
	if err != nil {
		return Take{}, err
	}
	return v.(Take), nil
}

// State reports the current lifecycle state without blocking on the
// capture thread.
func (c *Capture) State() State {
	return State(c.recState.Load())
}

// Level returns the peak absolute sample value of the most recent block,
// 0 while idle. Never blocks.
func (c *Capture) Level() float32 {
	if c.State() == StateIdle {
		return 0
	}
	return math.Float32frombits(c.levelBits.Load())
}

// Close stops the capture thread. Any active session is discarded.
func (c *Capture) Close() error {
	_, _ = c.dispatch(func(l *captureLoop) (any, error) {
		l.teardown()
		return nil, nil
	})
	close(c.commands)
	<-c.done
	return nil
}

func (l *captureLoop) setState(s State) {
	l.state = s
	l.owner.recState.Store(int32(s))
}

func (l *captureLoop) start(wantID string) error {
	if l.state != StateIdle {
		return errs.New(errs.InvalidState, fmt.Sprintf("start while %s", l.state))
	}

	deviceCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceCfg.Capture.Format = malgo.FormatF32
	deviceCfg.Capture.Channels = 1
	// SampleRate 0 keeps the device's native rate; it is read back from
	// the stream after init and resampled downstream.
	deviceCfg.SampleRate = 0

	if wantID != "" {
		id, err := l.lookupDevice(wantID)
		if err != nil {
			return err
		}
		deviceCfg.Capture.DeviceID = id.Pointer()
	}

	c := l.owner
	gen := c.generation.Add(1)

	c.mu.Lock()
	c.buf = c.buf[:0]
	c.sessionErr = nil
	c.mu.Unlock()

	channels := 1
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, pSample []byte, frameCount uint32) {
			c.onData(gen, pSample, frameCount, channels)
		},
		Stop: func() {
			// A stop we did not request means the device vanished.
			if c.generation.Load() == gen && c.State() != StateIdle {
				c.mu.Lock()
				c.sessionErr = errs.New(errs.DeviceUnavailable, "input device stopped unexpectedly")
				c.mu.Unlock()
			}
		},
	}

	device, err := malgo.InitDevice(l.ctx.Context, deviceCfg, callbacks)
	if err != nil {
		return errs.Wrap(errs.DeviceUnavailable, "opening input device", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return errs.Wrap(errs.DeviceUnavailable, "starting input device", err)
	}

	l.device = device
	l.deviceRate = int(device.SampleRate())
	l.channels = channels
	l.setState(StateRecording)

	slog.Debug("capture started", "generation", gen, "rate", l.deviceRate)
	return nil
}

func (l *captureLoop) stop() (Take, error) {
	if l.state == StateIdle {
		return Take{}, nil
	}

	c := l.owner

	// Invalidate the generation first: any callback still scheduled sees
	// the mismatch and drops its block.
	c.generation.Add(1)
	l.setState(StateIdle)
	time.Sleep(quiescenceDelay)

	if l.device != nil {
		l.device.Uninit()
		l.device = nil
	}

	c.mu.Lock()
	samples := make([]float32, len(c.buf))
	copy(samples, c.buf)
	c.buf = c.buf[:0]
	sessionErr := c.sessionErr
	c.sessionErr = nil
	c.mu.Unlock()

	c.levelBits.Store(0)

	if sessionErr != nil {
		return Take{}, sessionErr
	}

	slog.Debug("capture stopped", "samples", len(samples), "rate", l.deviceRate)
	return Take{Samples: samples, SampleRate: l.deviceRate, Channels: l.channels}, nil
}

func (l *captureLoop) teardown() {
	if l.device != nil {
		l.owner.generation.Add(1)
		l.device.Uninit()
		l.device = nil
	}
	l.setState(StateIdle)
}

func (l *captureLoop) lookupDevice(wantID string) (malgo.DeviceID, error) {
	infos, err := l.ctx.Devices(malgo.Capture)
	if err != nil {
		return malgo.DeviceID{}, errs.Wrap(errs.DeviceUnavailable, "enumerating devices", err)
	}
	for _, info := range infos {
		if deviceID(info.ID) == wantID {
			return info.ID, nil
		}
	}
	return malgo.DeviceID{}, errs.New(errs.DeviceUnavailable, fmt.Sprintf("no input device %q", wantID))
}

// onData is the device callback. It may fire on a miniaudio thread after a
// stop was requested; the generation check makes such late blocks inert.
func (c *Capture) onData(gen uint64, pSample []byte, frameCount uint32, channels int) {
	if c.generation.Load() != gen {
		return
	}

	samples := bytesToFloat32(pSample, frameCount*uint32(channels))

	var peak float32
	for _, s := range samples {
		if a := float32(math.Abs(float64(s))); a > peak {
			peak = a
		}
	}
	c.levelBits.Store(math.Float32bits(peak))

	if c.State() != StateRecording {
		return
	}

	c.mu.Lock()
	// Re-check under the buffer lock: a stop may have advanced the
	// generation between the first check and here.
	if c.generation.Load() == gen {
		c.buf = append(c.buf, samples...)
	}
	c.mu.Unlock()
}

// deviceID renders a malgo device id as a stable hex string.
func deviceID(id malgo.DeviceID) string {
	return hex.EncodeToString(id[:16])
}

// bytesToFloat32 converts raw little-endian float32 bytes to samples.
func bytesToFloat32(data []byte, sampleCount uint32) []float32 {
	samples := make([]float32, 0, sampleCount)
	for i := uint32(0); i < sampleCount; i++ {
		offset := i * 4
		if offset+4 > uint32(len(data)) {
			break
		}
		bits := binary.LittleEndian.Uint32(data[offset : offset+4])
		samples = append(samples, math.Float32frombits(bits))
	}
	return samples
}
