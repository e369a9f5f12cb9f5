package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-sign/internal/decoder"
	"github.com/loqalabs/loqa-sign/internal/protocol"
)

// identity is copied onto every event a session emits.
type identity struct {
	sessionID      string
	userID         string
	sourceLanguage string
	targetLanguage string
}

type view struct {
	word       string
	transcript []string
	window     decoder.WindowState
	remaining  time.Duration
}

type sampleMsg struct{ sample decoder.Sample }

type frameMsg struct{ at time.Time }

type detectingMsg struct{ on bool }

type boundaryMsg struct{ reply chan view }

type snapshotMsg struct{ reply chan view }

// actor owns the voting window, the assembler and the timers driving them.
// Everything it owns is touched only from run, so expiry, countdown ticks,
// boundaries and snapshots are serialized without locks.
type actor struct {
	id              identity
	acceptThreshold float64
	countdownEvery  time.Duration
	stallTimeout    time.Duration

	window    *decoder.Window
	assembler *decoder.Assembler
	sink      Sink
	metrics   *metrics
	logger    *slog.Logger

	inbox    chan any
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	final    view

	expiry    *time.Timer
	countdown *time.Ticker
	detecting bool
	lastFrame time.Time
	degraded  bool
}

func newActor(id identity, window time.Duration, acceptThreshold float64, countdownEvery, stallTimeout time.Duration, sink Sink, m *metrics, logger *slog.Logger) *actor {
	return &actor{
		id:              id,
		acceptThreshold: acceptThreshold,
		countdownEvery:  countdownEvery,
		stallTimeout:    stallTimeout,
		window:          decoder.NewWindow(window),
		assembler:       decoder.NewAssembler(),
		sink:            sink,
		metrics:         m,
		logger:          logger,
		inbox:           make(chan any, 64),
		quit:            make(chan struct{}),
		done:            make(chan struct{}),
	}
}

func (a *actor) run() {
	defer close(a.done)

	var stallC <-chan time.Time
	if a.stallTimeout > 0 {
		interval := a.stallTimeout / 2
		if interval > time.Second {
			interval = time.Second
		}
		stall := time.NewTicker(interval)
		defer stall.Stop()
		stallC = stall.C
	}

	for {
		var expiryC, tickC <-chan time.Time
		if a.expiry != nil {
			expiryC = a.expiry.C
		}
		if a.countdown != nil {
			tickC = a.countdown.C
		}

		select {
		case <-a.quit:
			a.disarm()
			a.final = a.view(time.Now())
			return
		case msg := <-a.inbox:
			a.handle(msg)
		case <-expiryC:
			a.expire()
		case <-tickC:
			a.tick()
		case now := <-stallC:
			a.checkStall(now)
		}
	}
}

// submit hands msg to the actor. It reports false once the actor stopped.
func (a *actor) submit(msg any) bool {
	select {
	case <-a.quit:
		return false
	default:
	}
	select {
	case a.inbox <- msg:
		return true
	case <-a.quit:
		return false
	}
}

func (a *actor) boundary() (view, bool) {
	reply := make(chan view, 1)
	return a.await(boundaryMsg{reply: reply}, reply)
}

func (a *actor) snapshot() (view, bool) {
	reply := make(chan view, 1)
	return a.await(snapshotMsg{reply: reply}, reply)
}

func (a *actor) await(msg any, reply chan view) (view, bool) {
	if !a.submit(msg) {
		return view{}, false
	}
	select {
	case v := <-reply:
		return v, true
	case <-a.done:
		return view{}, false
	}
}

// stop cancels pending timers and returns the final word and transcript.
// Samples still queued are discarded.
func (a *actor) stop() view {
	a.stopOnce.Do(func() { close(a.quit) })
	<-a.done
	return a.final
}

func (a *actor) handle(msg any) {
	now := time.Now()
	switch m := msg.(type) {
	case sampleMsg:
		if a.window.Add(m.sample, now) {
			a.arm()
			a.logger.Debug("voting window opened",
				slog.String("symbol", m.sample.Symbol),
				slog.Time("deadline", a.window.Deadline()))
			a.emitCountdown(now)
		}
	case frameMsg:
		a.lastFrame = m.at
		if a.degraded {
			a.degraded = false
			a.logger.Info("camera frames resumed")
		}
	case detectingMsg:
		a.detecting = m.on
		a.lastFrame = now
		a.degraded = false
	case boundaryMsg:
		a.insertBoundary()
		m.reply <- a.view(now)
	case snapshotMsg:
		m.reply <- a.view(now)
	}
}

func (a *actor) arm() {
	a.disarm()
	a.expiry = time.NewTimer(a.window.Duration())
	if a.countdownEvery > 0 {
		a.countdown = time.NewTicker(a.countdownEvery)
	}
}

func (a *actor) disarm() {
	if a.expiry != nil {
		a.expiry.Stop()
		a.expiry = nil
	}
	if a.countdown != nil {
		a.countdown.Stop()
		a.countdown = nil
	}
}

func (a *actor) expire() {
	a.disarm()
	res := a.window.Expire(a.acceptThreshold)
	ctx := context.Background()

	if !res.Accepted {
		a.metrics.window(ctx, "rejected")
		a.logger.Debug("voting window rejected",
			slog.String("symbol", res.Symbol),
			slog.Float64("score", res.Score),
			slog.Int("samples", res.Samples))
		evt := a.event(protocol.EventWindowRejected)
		evt.Symbol = res.Symbol
		evt.Score = res.Score
		evt.Samples = res.Samples
		a.sink.Emit(evt)
		return
	}

	a.metrics.window(ctx, "accepted")
	if !a.assembler.Accept(res.Symbol) {
		a.logger.Debug("repeated symbol suppressed", slog.String("symbol", res.Symbol))
		return
	}
	a.metrics.symbols.Add(ctx, 1)
	a.logger.Info("symbol accepted",
		slog.String("symbol", res.Symbol),
		slog.Float64("score", res.Score),
		slog.Int("samples", res.Samples),
		slog.String("word", a.assembler.Word()))
	evt := a.event(protocol.EventSymbolAccepted)
	evt.Symbol = res.Symbol
	evt.Score = res.Score
	evt.Samples = res.Samples
	a.sink.Emit(evt)
}

// insertBoundary drops any open window unresolved, then finalizes the word.
func (a *actor) insertBoundary() {
	if dropped := a.window.Reset(); dropped > 0 || a.expiry != nil {
		a.disarm()
		a.metrics.window(context.Background(), "discarded")
		a.logger.Debug("voting window discarded by boundary", slog.Int("samples", dropped))
	}

	word, ok := a.assembler.FlushWord()
	if !ok {
		return
	}
	a.metrics.words.Add(context.Background(), 1)
	a.logger.Info("word finalized", slog.String("word", word))
	evt := a.event(protocol.EventWordFinalized)
	evt.Word = word
	evt.Transcript = a.assembler.Transcript()
	a.sink.Emit(evt)
}

func (a *actor) tick() {
	a.emitCountdown(time.Now())
}

func (a *actor) emitCountdown(now time.Time) {
	if a.countdownEvery <= 0 || a.window.State() != decoder.Collecting {
		return
	}
	evt := a.event(protocol.EventCountdown)
	evt.RemainingMS = a.window.Remaining(now).Milliseconds()
	a.sink.Emit(evt)
}

func (a *actor) checkStall(now time.Time) {
	if !a.detecting || a.degraded || a.lastFrame.IsZero() {
		return
	}
	idle := now.Sub(a.lastFrame)
	if idle < a.stallTimeout {
		return
	}
	a.degraded = true
	a.logger.Warn("no camera frames received", slog.Duration("idle", idle))
	evt := a.event(protocol.EventDegraded)
	evt.Error = "no frames for " + idle.Round(time.Millisecond).String()
	a.sink.Emit(evt)
}

func (a *actor) view(now time.Time) view {
	return view{
		word:       a.assembler.Word(),
		transcript: a.assembler.Transcript(),
		window:     a.window.State(),
		remaining:  a.window.Remaining(now),
	}
}

func (a *actor) event(eventType string) protocol.Event {
	return protocol.Event{
		Type:           eventType,
		SessionID:      a.id.sessionID,
		UserID:         a.id.userID,
		SourceLanguage: a.id.sourceLanguage,
		TargetLanguage: a.id.targetLanguage,
		Word:           a.assembler.Word(),
		Timestamp:      time.Now().UTC(),
	}
}
