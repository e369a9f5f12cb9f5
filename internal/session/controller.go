// Package session drives a detection session: it owns the camera, the
// classifier and the decoding state, and turns start/stop/toggle/space
// commands into an ordered lifecycle.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-sign/internal/capture"
	"github.com/loqalabs/loqa-sign/internal/classifier"
	"github.com/loqalabs/loqa-sign/internal/config"
	"github.com/loqalabs/loqa-sign/internal/decoder"
	"github.com/loqalabs/loqa-sign/internal/preprocess"
	"github.com/loqalabs/loqa-sign/internal/protocol"
)

// detection is the state of one live session.
type detection struct {
	id        identity
	startedAt time.Time
	device    capture.Device
	adapter   *classifier.Adapter
	actor     *actor
	loop      *frameLoop
}

type Controller struct {
	cfg      config.Config
	opener   capture.Opener
	loader   classifier.Loader
	sink     Sink
	logger   *slog.Logger
	metrics  *metrics
	tracer   trace.Tracer
	preparer *preprocess.Preparer
	gate     decoder.Gate

	maxFailures int

	mu      sync.Mutex
	state   State
	current *detection
	last    Snapshot
}

type Option func(*controllerOptions)

type controllerOptions struct {
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
}

// WithMeterProvider records session metrics on mp instead of the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *controllerOptions) { o.meterProvider = mp }
}

// WithTracerProvider records session spans on tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *controllerOptions) { o.tracerProvider = tp }
}

func NewController(cfg config.Config, opener capture.Opener, loader classifier.Loader, sink Sink, logger *slog.Logger, opts ...Option) *Controller {
	o := controllerOptions{
		meterProvider:  otel.GetMeterProvider(),
		tracerProvider: otel.GetTracerProvider(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if sink == nil {
		sink = FanOut(nil)
	}
	logger = logger.With(slog.String("component", "session"))

	m, err := newMetrics(o.meterProvider.Meter(instrumentationName))
	if err != nil {
		logger.Warn("failed to register session metrics", slogError(err))
	}

	maxFailures := cfg.Decoder.MaxConsecutiveFailures
	if maxFailures <= 0 {
		maxFailures = 3
	}

	return &Controller{
		cfg:         cfg,
		opener:      opener,
		loader:      loader,
		sink:        sink,
		logger:      logger,
		metrics:     m,
		tracer:      o.tracerProvider.Tracer(instrumentationName),
		preparer:    preprocess.New(cfg.Classifier.InputWidth, cfg.Classifier.InputHeight),
		gate:        decoder.Gate{Threshold: cfg.Decoder.GateThreshold},
		maxFailures: maxFailures,
		state:       Stopped,
	}
}

// StartSession opens the camera and begins a new, empty session in the
// CameraOpen state. Empty fields in opts fall back to the configured defaults.
func (c *Controller) StartSession(ctx context.Context, opts StartOptions) (Snapshot, error) {
	ctx, span := c.tracer.Start(ctx, "session.start")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Stopped {
		return c.snapshotLocked(), ErrSessionActive
	}

	device, err := c.opener.Open(ctx, capture.Constraints{
		DeviceID: c.cfg.Camera.DeviceID,
		Width:    c.cfg.Camera.Width,
		Height:   c.cfg.Camera.Height,
		Facing:   c.cfg.Camera.Facing,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "camera unavailable")
		c.logger.Warn("failed to open camera", slogError(err))
		return c.snapshotLocked(), fmt.Errorf("start session: %w", err)
	}

	id := identity{
		sessionID:      uuid.NewString(),
		userID:         firstNonEmpty(opts.UserID, c.cfg.Session.UserID),
		sourceLanguage: firstNonEmpty(opts.SourceLanguage, c.cfg.Session.SourceLanguage),
		targetLanguage: firstNonEmpty(opts.TargetLanguage, c.cfg.Session.TargetLanguage),
	}
	span.SetAttributes(attribute.String("session.id", id.sessionID))

	logger := c.logger.With(slog.String("session_id", id.sessionID))
	d := &detection{
		id:        id,
		startedAt: time.Now(),
		device:    device,
		actor: newActor(id,
			time.Duration(c.cfg.Decoder.WindowMS)*time.Millisecond,
			c.cfg.Decoder.AcceptThreshold,
			time.Duration(c.cfg.Decoder.CountdownMS)*time.Millisecond,
			time.Duration(c.cfg.Decoder.StallTimeoutMS)*time.Millisecond,
			c.sink, c.metrics, logger),
	}
	go d.actor.run()

	c.current = d
	c.state = CameraOpen
	c.last = Snapshot{}
	c.metrics.activeSessions.Add(ctx, 1)

	logger.Info("session started",
		slog.String("user_id", id.userID),
		slog.String("source_language", id.sourceLanguage),
		slog.String("target_language", id.targetLanguage))
	c.emitLocked(protocol.EventSessionStarted, d, nil)
	c.emitLocked(protocol.EventSessionState, d, nil)
	return c.snapshotLocked(), nil
}

// StopSession tears the session down and returns its final state. It is
// safe to call at any time; when nothing is running it returns the result of
// the previous stop.
func (c *Controller) StopSession(ctx context.Context) Snapshot {
	_, span := c.tracer.Start(ctx, "session.stop")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Stopped {
		return c.last
	}
	c.teardownLocked(nil)
	return c.last
}

// StartDetection loads the classifier on first use and starts the frame
// loop. A classifier that fails to load ends the session and releases the
// camera.
func (c *Controller) StartDetection(ctx context.Context) (Snapshot, error) {
	ctx, span := c.tracer.Start(ctx, "session.detection.start")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.startDetectionLocked(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return c.snapshotLocked(), err
	}
	return c.snapshotLocked(), nil
}

// PauseDetection stops the frame loop but keeps the camera open. A window
// already collecting still resolves when its timer fires.
func (c *Controller) PauseDetection(ctx context.Context) (Snapshot, error) {
	_, span := c.tracer.Start(ctx, "session.detection.pause")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.pauseDetectionLocked(); err != nil {
		return c.snapshotLocked(), err
	}
	return c.snapshotLocked(), nil
}

// ToggleDetection flips between CameraOpen and Detecting.
func (c *Controller) ToggleDetection(ctx context.Context) (Snapshot, error) {
	ctx, span := c.tracer.Start(ctx, "session.detection.toggle")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	switch c.state {
	case Stopped:
		err = ErrNotStarted
	case CameraOpen:
		err = c.startDetectionLocked(ctx)
	case Detecting:
		err = c.pauseDetectionLocked()
	}
	if err != nil {
		span.RecordError(err)
	}
	return c.snapshotLocked(), err
}

// InsertWordBoundary discards any window in progress and moves the current
// word, if any, into the transcript.
func (c *Controller) InsertWordBoundary(ctx context.Context) (Snapshot, error) {
	_, span := c.tracer.Start(ctx, "session.boundary")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Stopped {
		return c.last, ErrNotStarted
	}
	d := c.current
	v, ok := d.actor.boundary()
	if !ok {
		return c.snapshotLocked(), ErrNotStarted
	}
	return c.fromView(d, v), nil
}

// Snapshot reports the current state, word and transcript.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close stops any live session.
func (c *Controller) Close() error {
	c.StopSession(context.Background())
	return nil
}

func (c *Controller) startDetectionLocked(ctx context.Context) error {
	switch c.state {
	case Stopped:
		return ErrNotStarted
	case Detecting:
		return nil
	}
	d := c.current

	if d.adapter == nil {
		timeout := time.Duration(c.cfg.Classifier.TimeoutMS) * time.Millisecond
		adapter, err := classifier.Load(ctx, c.loader, c.cfg.Classifier.Labels, timeout)
		if err != nil {
			c.logger.Error("classifier failed to load", slogError(err))
			c.teardownLocked(err)
			return fmt.Errorf("start detection: %w", err)
		}
		d.adapter = adapter
		c.logger.Info("classifier loaded", slog.Int("labels", len(adapter.Labels())))
	}

	d.loop = c.startLoop(d)
	d.actor.submit(detectingMsg{on: true})
	c.state = Detecting
	c.emitLocked(protocol.EventSessionState, d, nil)
	return nil
}

func (c *Controller) pauseDetectionLocked() error {
	switch c.state {
	case Stopped:
		return ErrNotStarted
	case CameraOpen:
		return nil
	}
	d := c.current
	if d.loop != nil {
		d.loop.stop()
		d.loop = nil
	}
	d.actor.submit(detectingMsg{on: false})
	c.state = CameraOpen
	c.emitLocked(protocol.EventSessionState, d, nil)
	return nil
}

// abort ends session id after a fatal pipeline error, unless it already ended.
func (c *Controller) abort(sessionID string, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.current.id.sessionID != sessionID {
		return
	}
	c.teardownLocked(cause)
}

// teardownLocked releases everything in a fixed order: frame loop, decoding
// timers, classifier, camera. A failing step is logged and the rest still run.
func (c *Controller) teardownLocked(cause error) {
	d := c.current
	logger := c.logger.With(slog.String("session_id", d.id.sessionID))

	if d.loop != nil {
		d.loop.stop()
		d.loop = nil
	}
	final := d.actor.stop()
	if d.adapter != nil {
		if err := d.adapter.Close(); err != nil {
			logger.Error("failed to close classifier", slogError(err))
		}
	}
	if err := d.device.Close(); err != nil {
		logger.Error("failed to release camera", slogError(err))
	}

	c.state = Stopped
	c.current = nil
	c.last = Snapshot{
		State:      Stopped,
		SessionID:  d.id.sessionID,
		Word:       final.word,
		Transcript: final.transcript,
		Window:     decoder.Idle,
		Err:        cause,
	}
	c.metrics.activeSessions.Add(context.Background(), -1)

	attrs := []any{
		slog.Duration("duration", time.Since(d.startedAt)),
		slog.Int("words", len(final.transcript)),
	}
	if cause != nil {
		logger.Error("session ended", append(attrs, slogError(cause))...)
	} else {
		logger.Info("session ended", attrs...)
	}

	ended := c.event(protocol.EventSessionEnded, d, cause)
	ended.Word = final.word
	ended.Transcript = final.transcript
	c.sink.Emit(ended)
	c.sink.Emit(c.event(protocol.EventSessionState, d, cause))
}

func (c *Controller) snapshotLocked() Snapshot {
	if c.state == Stopped {
		return c.last
	}
	d := c.current
	v, ok := d.actor.snapshot()
	if !ok {
		return Snapshot{State: c.state, SessionID: d.id.sessionID}
	}
	return c.fromView(d, v)
}

func (c *Controller) fromView(d *detection, v view) Snapshot {
	return Snapshot{
		State:      c.state,
		SessionID:  d.id.sessionID,
		Word:       v.word,
		Transcript: v.transcript,
		Window:     v.window,
		Remaining:  v.remaining,
	}
}

func (c *Controller) emitLocked(eventType string, d *detection, cause error) {
	c.sink.Emit(c.event(eventType, d, cause))
}

func (c *Controller) event(eventType string, d *detection, cause error) protocol.Event {
	evt := protocol.Event{
		Type:           eventType,
		SessionID:      d.id.sessionID,
		UserID:         d.id.userID,
		SourceLanguage: d.id.sourceLanguage,
		TargetLanguage: d.id.targetLanguage,
		State:          c.state.String(),
		Timestamp:      time.Now().UTC(),
	}
	if cause != nil {
		evt.Error = cause.Error()
	}
	return evt
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
