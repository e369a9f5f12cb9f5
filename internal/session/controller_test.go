package session

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/loqalabs/loqa-sign/internal/capture"
	"github.com/loqalabs/loqa-sign/internal/classifier"
	"github.com/loqalabs/loqa-sign/internal/config"
	"github.com/loqalabs/loqa-sign/internal/decoder"
	"github.com/loqalabs/loqa-sign/internal/preprocess"
	"github.com/loqalabs/loqa-sign/internal/protocol"
)

var labels = []string{"H", "I", "X"}

// scriptedModel answers every frame with the symbol currently stored.
type scriptedModel struct {
	symbol     atomic.Value
	confidence float32
	fail       atomic.Bool
	calls      atomic.Int32
	closed     atomic.Int32
	closeErr   error
	onClose    func()
}

func newScriptedModel(symbol string) *scriptedModel {
	m := &scriptedModel{confidence: 0.95}
	m.symbol.Store(symbol)
	return m
}

func (m *scriptedModel) Predict(context.Context, *preprocess.Tensor) ([]float32, error) {
	m.calls.Add(1)
	if m.fail.Load() {
		return nil, errors.New("accelerator lost")
	}
	sym := m.symbol.Load().(string)
	out := make([]float32, len(labels))
	for i, l := range labels {
		if l == sym {
			out[i] = m.confidence
		} else {
			out[i] = (1 - m.confidence) / float32(len(labels)-1)
		}
	}
	return out, nil
}

func (m *scriptedModel) Close() error {
	m.closed.Add(1)
	if m.onClose != nil {
		m.onClose()
	}
	return m.closeErr
}

// recordingDevice notes when the camera is released.
type recordingDevice struct {
	*capture.ChannelDevice
	record func(string)
}

func (d recordingDevice) Close() error {
	d.record("camera")
	return d.ChannelDevice.Close()
}

type eventLog struct {
	mu     sync.Mutex
	events []protocol.Event
	ch     chan protocol.Event
}

func newEventLog() *eventLog {
	return &eventLog{ch: make(chan protocol.Event, 4096)}
}

func (l *eventLog) Emit(evt protocol.Event) {
	l.mu.Lock()
	l.events = append(l.events, evt)
	l.mu.Unlock()
	select {
	case l.ch <- evt:
	default:
	}
}

func (l *eventLog) waitFor(t *testing.T, match func(protocol.Event) bool) protocol.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case evt := <-l.ch:
			if match(evt) {
				return evt
			}
		case <-timeout:
			t.Fatal("timed out waiting for event")
			return protocol.Event{}
		}
	}
}

func (l *eventLog) count(eventType string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, evt := range l.events {
		if evt.Type == eventType {
			n++
		}
	}
	return n
}

type fixture struct {
	ctrl   *Controller
	device *capture.ChannelDevice
	model  *scriptedModel
	events *eventLog
	loads  *atomic.Int32
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Classifier.Labels = labels
	cfg.Classifier.InputWidth = 8
	cfg.Classifier.InputHeight = 8
	cfg.Classifier.TimeoutMS = 1000
	cfg.Decoder.WindowMS = 150
	cfg.Decoder.CountdownMS = 0
	cfg.Decoder.StallTimeoutMS = 0
	return cfg
}

func newFixture(t *testing.T, cfg config.Config, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		device: capture.NewChannelDevice(16),
		model:  newScriptedModel("H"),
		events: newEventLog(),
		loads:  &atomic.Int32{},
	}
	loader := func(context.Context) (classifier.Model, error) {
		f.loads.Add(1)
		return f.model, nil
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.ctrl = NewController(cfg, capture.SingleDeviceOpener{Device: f.device}, loader, f.events, logger, opts...)
	t.Cleanup(func() { f.ctrl.StopSession(context.Background()) })
	return f
}

func (f *fixture) push(t *testing.T, n int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.SetRGBA(x, y, color.RGBA{R: 80, G: 80, B: 80, A: 255})
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < n; i++ {
		if err := f.device.Push(ctx, img); err != nil {
			t.Fatalf("push frame: %v", err)
		}
	}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.ctrl.StartSession(ctx, StartOptions{UserID: "u1"}); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if _, err := f.ctrl.StartDetection(ctx); err != nil {
		t.Fatalf("start detection: %v", err)
	}
}

func accepted(symbol string) func(protocol.Event) bool {
	return func(evt protocol.Event) bool {
		return evt.Type == protocol.EventSymbolAccepted && evt.Symbol == symbol
	}
}

func TestSessionSpellsWord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	f := newFixture(t, testConfig(), WithMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))))
	ctx := context.Background()
	f.start(t)

	f.push(t, 5)
	f.events.waitFor(t, accepted("H"))

	f.model.symbol.Store("I")
	f.push(t, 5)
	evt := f.events.waitFor(t, accepted("I"))
	if evt.Word != "HI" {
		t.Fatalf("expected word HI, got %q", evt.Word)
	}

	snap, err := f.ctrl.InsertWordBoundary(ctx)
	if err != nil {
		t.Fatalf("boundary: %v", err)
	}
	if snap.Word != "" || len(snap.Transcript) != 1 || snap.Transcript[0] != "HI" {
		t.Fatalf("unexpected snapshot after boundary: %+v", snap)
	}

	final := f.ctrl.StopSession(ctx)
	if final.State != Stopped || len(final.Transcript) != 1 || final.Transcript[0] != "HI" {
		t.Fatalf("unexpected final snapshot: %+v", final)
	}
	if !f.device.Closed() {
		t.Fatal("camera must be released on stop")
	}
	if f.model.closed.Load() != 1 {
		t.Fatalf("model closed %d times", f.model.closed.Load())
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	if got := sumCounter(rm, "sign.symbols.accepted"); got != 2 {
		t.Fatalf("expected 2 accepted symbols, got %d", got)
	}
	if got := sumCounter(rm, "sign.words.finalized"); got != 1 {
		t.Fatalf("expected 1 finalized word, got %d", got)
	}
	if got := sumCounter(rm, "sign.frames.processed"); got != 10 {
		t.Fatalf("expected 10 processed frames, got %d", got)
	}
}

func sumCounter(rm metricdata.ResourceMetrics, name string) int64 {
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestRepeatedSymbolSuppressed(t *testing.T) {
	f := newFixture(t, testConfig())
	f.start(t)

	f.push(t, 3)
	f.events.waitFor(t, accepted("H"))
	f.push(t, 3)
	time.Sleep(400 * time.Millisecond)

	if snap := f.ctrl.Snapshot(); snap.Word != "H" {
		t.Fatalf("expected repeated H to be suppressed, word is %q", snap.Word)
	}
	if n := f.events.count(protocol.EventSymbolAccepted); n != 1 {
		t.Fatalf("expected one symbol.accepted event, got %d", n)
	}
}

func TestLowConfidenceNeverOpensWindow(t *testing.T) {
	f := newFixture(t, testConfig())
	f.model.confidence = 0.70
	f.start(t)

	f.push(t, 6)
	time.Sleep(300 * time.Millisecond)

	snap := f.ctrl.Snapshot()
	if snap.Word != "" || snap.Window != decoder.Idle {
		t.Fatalf("frames at the gate threshold must be dropped: %+v", snap)
	}
	if n := f.events.count(protocol.EventSymbolAccepted) + f.events.count(protocol.EventWindowRejected); n != 0 {
		t.Fatalf("expected no window resolutions, got %d", n)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	if snap := f.ctrl.StopSession(ctx); snap.State != Stopped {
		t.Fatalf("stop before start: %+v", snap)
	}

	f.start(t)
	first := f.ctrl.StopSession(ctx)
	second := f.ctrl.StopSession(ctx)
	if first.SessionID == "" || first.SessionID != second.SessionID {
		t.Fatalf("second stop must report the same session: %q vs %q", first.SessionID, second.SessionID)
	}
	if f.model.closed.Load() != 1 {
		t.Fatalf("model closed %d times", f.model.closed.Load())
	}
	if !f.device.Closed() {
		t.Fatal("camera still open after stop")
	}
	if f.events.count(protocol.EventSessionEnded) != 1 {
		t.Fatalf("expected one session.ended event, got %d", f.events.count(protocol.EventSessionEnded))
	}
}

func TestTeardownSurvivesClassifierCloseError(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(step string) {
		mu.Lock()
		order = append(order, step)
		mu.Unlock()
	}
	f.ctrl.opener = capture.OpenerFunc(func(context.Context, capture.Constraints) (capture.Device, error) {
		return recordingDevice{ChannelDevice: f.device, record: record}, nil
	})
	// Close runs on the goroutine tearing the session down, so the
	// detection it belongs to can be inspected directly.
	f.model.closeErr = errors.New("driver refused to unload")
	f.model.onClose = func() {
		d := f.ctrl.current
		if d != nil && d.loop == nil {
			record("loop")
		}
		if d != nil {
			select {
			case <-d.actor.done:
				record("actor")
			default:
			}
		}
		record("classifier")
	}

	f.start(t)
	f.push(t, 3)
	f.events.waitFor(t, accepted("H"))

	snap := f.ctrl.StopSession(ctx)
	if snap.State != Stopped || f.ctrl.State() != Stopped {
		t.Fatalf("expected stopped, got %v / %v", snap.State, f.ctrl.State())
	}
	if !f.device.Closed() {
		t.Fatal("camera must be released even when the classifier fails to close")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"loop", "actor", "classifier", "camera"}
	if len(order) != len(want) {
		t.Fatalf("teardown order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("teardown order = %v, want %v", order, want)
		}
	}
	if f.events.count(protocol.EventSessionEnded) != 1 {
		t.Fatalf("expected one session.ended event, got %d", f.events.count(protocol.EventSessionEnded))
	}
}

// flakyDevice fails every read without ever closing.
type flakyDevice struct {
	reads  atomic.Int32
	closed atomic.Bool
}

func (d *flakyDevice) NextFrame(context.Context) (capture.Frame, error) {
	d.reads.Add(1)
	return capture.Frame{}, errors.New("usb transfer error")
}

func (d *flakyDevice) Close() error {
	d.closed.Store(true)
	return nil
}

func TestFailingReadsWarnOnce(t *testing.T) {
	f := newFixture(t, testConfig())
	var buf bytes.Buffer
	f.ctrl.logger = slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	dev := &flakyDevice{}
	f.ctrl.opener = capture.OpenerFunc(func(context.Context, capture.Constraints) (capture.Device, error) {
		return dev, nil
	})

	f.start(t)
	waitUntil(t, func() bool { return dev.reads.Load() >= 4 })
	f.ctrl.StopSession(context.Background())
	if !dev.closed.Load() {
		t.Fatal("device not released")
	}

	warns, debugs := 0, 0
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if !strings.Contains(line, `"msg":"frame read failed"`) {
			continue
		}
		switch {
		case strings.Contains(line, `"level":"WARN"`):
			warns++
		case strings.Contains(line, `"level":"DEBUG"`):
			debugs++
		}
	}
	if warns != 1 {
		t.Fatalf("expected one warning for a run of failed reads, got %d", warns)
	}
	if debugs < 2 {
		t.Fatalf("expected later failures at debug level, got %d", debugs)
	}
}

func TestStartSessionTwice(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	if _, err := f.ctrl.StartSession(ctx, StartOptions{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.ctrl.StartSession(ctx, StartOptions{}); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}
}

func TestOperationsRequireSession(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	if _, err := f.ctrl.StartDetection(ctx); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("start detection: expected ErrNotStarted, got %v", err)
	}
	if _, err := f.ctrl.ToggleDetection(ctx); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("toggle: expected ErrNotStarted, got %v", err)
	}
	if _, err := f.ctrl.InsertWordBoundary(ctx); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("boundary: expected ErrNotStarted, got %v", err)
	}
}

func TestCameraUnavailable(t *testing.T) {
	opener := capture.OpenerFunc(func(context.Context, capture.Constraints) (capture.Device, error) {
		return nil, capture.ErrDeviceUnavailable
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctrl := NewController(testConfig(), opener, nil, nil, logger)

	_, err := ctrl.StartSession(context.Background(), StartOptions{})
	if !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
	if ctrl.State() != Stopped {
		t.Fatalf("expected stopped, got %s", ctrl.State())
	}
}

func TestModelLoadFailureReleasesCamera(t *testing.T) {
	device := capture.NewChannelDevice(1)
	loader := func(context.Context) (classifier.Model, error) {
		return nil, errors.New("model file missing")
	}
	events := newEventLog()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctrl := NewController(testConfig(), capture.SingleDeviceOpener{Device: device}, loader, events, logger)
	ctx := context.Background()

	if _, err := ctrl.StartSession(ctx, StartOptions{}); err != nil {
		t.Fatalf("start session: %v", err)
	}
	snap, err := ctrl.StartDetection(ctx)
	if !errors.Is(err, classifier.ErrModelLoad) {
		t.Fatalf("expected ErrModelLoad, got %v", err)
	}
	if snap.State != Stopped || ctrl.State() != Stopped {
		t.Fatalf("expected stopped after load failure, got %s", snap.State)
	}
	if !device.Closed() {
		t.Fatal("camera must be released when the model fails to load")
	}
	if !errors.Is(snap.Err, classifier.ErrModelLoad) {
		t.Fatalf("snapshot should carry the cause, got %v", snap.Err)
	}
}

func TestBoundaryDiscardsOpenWindow(t *testing.T) {
	cfg := testConfig()
	cfg.Decoder.WindowMS = 300
	f := newFixture(t, cfg)
	ctx := context.Background()
	f.start(t)

	f.push(t, 3)
	f.events.waitFor(t, accepted("H"))

	f.model.symbol.Store("I")
	f.push(t, 3)
	waitUntil(t, func() bool { return f.ctrl.Snapshot().Window == decoder.Collecting })

	snap, err := f.ctrl.InsertWordBoundary(ctx)
	if err != nil {
		t.Fatalf("boundary: %v", err)
	}
	if len(snap.Transcript) != 1 || snap.Transcript[0] != "H" || snap.Word != "" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.Window != decoder.Idle {
		t.Fatalf("boundary must cancel the window, got %s", snap.Window)
	}

	time.Sleep(450 * time.Millisecond)
	if got := f.ctrl.Snapshot().Word; got != "" {
		t.Fatalf("discarded window must not append, word is %q", got)
	}
	if f.events.count(protocol.EventWordFinalized) != 1 {
		t.Fatalf("expected one word.finalized event")
	}
}

func TestBoundaryWithEmptyWord(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	if _, err := f.ctrl.StartSession(ctx, StartOptions{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	snap, err := f.ctrl.InsertWordBoundary(ctx)
	if err != nil {
		t.Fatalf("boundary: %v", err)
	}
	if len(snap.Transcript) != 0 {
		t.Fatalf("empty word must not be appended: %+v", snap.Transcript)
	}
}

func TestConsecutiveFailuresStopSession(t *testing.T) {
	f := newFixture(t, testConfig())
	f.model.fail.Store(true)
	f.start(t)

	f.push(t, 3)
	evt := f.events.waitFor(t, func(evt protocol.Event) bool { return evt.Type == protocol.EventSessionEnded })
	if evt.Error == "" {
		t.Fatal("session.ended must carry the failure")
	}
	waitUntil(t, func() bool { return f.ctrl.State() == Stopped })

	snap := f.ctrl.Snapshot()
	if !errors.Is(snap.Err, ErrInferenceFailures) {
		t.Fatalf("expected ErrInferenceFailures, got %v", snap.Err)
	}
	if !f.device.Closed() {
		t.Fatal("camera must be released after fatal failures")
	}
}

func TestIntermittentFailuresTolerated(t *testing.T) {
	f := newFixture(t, testConfig())
	f.start(t)

	f.model.fail.Store(true)
	f.push(t, 2)
	waitUntil(t, func() bool { return f.model.calls.Load() >= 2 })
	f.model.fail.Store(false)
	f.push(t, 3)
	f.events.waitFor(t, accepted("H"))

	if f.ctrl.State() != Detecting {
		t.Fatalf("two failures must not stop the session, state %s", f.ctrl.State())
	}
}

func TestTogglePausesWithoutClosingCamera(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	f.start(t)

	snap, err := f.ctrl.ToggleDetection(ctx)
	if err != nil || snap.State != CameraOpen {
		t.Fatalf("toggle to pause: %v %s", err, snap.State)
	}
	if f.device.Closed() {
		t.Fatal("pause must keep the camera open")
	}

	snap, err = f.ctrl.ToggleDetection(ctx)
	if err != nil || snap.State != Detecting {
		t.Fatalf("toggle to resume: %v %s", err, snap.State)
	}
	if f.loads.Load() != 1 {
		t.Fatalf("classifier loaded %d times", f.loads.Load())
	}

	f.push(t, 3)
	f.events.waitFor(t, accepted("H"))
}

func TestNewSessionStartsEmpty(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	f.start(t)
	f.push(t, 3)
	f.events.waitFor(t, accepted("H"))
	first := f.ctrl.StopSession(ctx)

	// The channel device is single-use; swap in a fresh one.
	f.device = capture.NewChannelDevice(4)
	f.ctrl.opener = capture.SingleDeviceOpener{Device: f.device}

	snap, err := f.ctrl.StartSession(ctx, StartOptions{})
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if snap.SessionID == first.SessionID || snap.Word != "" || len(snap.Transcript) != 0 {
		t.Fatalf("new session must start empty: %+v", snap)
	}
}

func TestCountdownEvents(t *testing.T) {
	cfg := testConfig()
	cfg.Decoder.WindowMS = 250
	cfg.Decoder.CountdownMS = 50
	f := newFixture(t, cfg)
	f.start(t)

	f.push(t, 2)
	first := f.events.waitFor(t, func(evt protocol.Event) bool { return evt.Type == protocol.EventCountdown })
	if first.RemainingMS <= 0 || first.RemainingMS > 250 {
		t.Fatalf("unexpected remaining %d", first.RemainingMS)
	}
	f.events.waitFor(t, accepted("H"))
	if n := f.events.count(protocol.EventCountdown); n < 2 {
		t.Fatalf("expected several countdown ticks, got %d", n)
	}
}

func TestStalledCameraReportsDegraded(t *testing.T) {
	cfg := testConfig()
	cfg.Decoder.StallTimeoutMS = 60
	f := newFixture(t, cfg)
	f.start(t)

	evt := f.events.waitFor(t, func(evt protocol.Event) bool { return evt.Type == protocol.EventDegraded })
	if evt.Error == "" {
		t.Fatal("degraded event should describe the stall")
	}
	if f.ctrl.State() != Detecting {
		t.Fatalf("a stall must not stop the session, state %s", f.ctrl.State())
	}
}

func TestSnapshotReply(t *testing.T) {
	reply := Snapshot{State: Stopped}.Reply()
	if reply.State != "stopped" || reply.Transcript == nil || reply.Window != "" {
		t.Fatalf("unexpected reply %+v", reply)
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
