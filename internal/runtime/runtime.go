// Package runtime assembles the daemon: telemetry, bus, history, viewers and
// the session controller with its control surfaces.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-sign/internal/bus"
	"github.com/loqalabs/loqa-sign/internal/capture"
	"github.com/loqalabs/loqa-sign/internal/classifier"
	"github.com/loqalabs/loqa-sign/internal/config"
	"github.com/loqalabs/loqa-sign/internal/control"
	"github.com/loqalabs/loqa-sign/internal/history"
	"github.com/loqalabs/loqa-sign/internal/hub"
	"github.com/loqalabs/loqa-sign/internal/natsserver"
	"github.com/loqalabs/loqa-sign/internal/protocol"
	"github.com/loqalabs/loqa-sign/internal/session"
)

const (
	eventStreamName   = "SIGN_EVENTS"
	eventStreamMaxAge = time.Hour
	shutdownTimeout   = 10 * time.Second
)

// Components are the hardware-facing pieces chosen by the caller.
type Components struct {
	Opener capture.Opener
	Loader classifier.Loader
	// TraceOutput receives spans when no OTLP endpoint is set. Defaults to stdout.
	TraceOutput io.Writer
}

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	comp   Components

	ready     atomic.Bool
	readyOnce sync.Once
	readyCh   chan struct{}
	addr      atomic.Value

	busClient  *bus.Client
	controlSvc *control.Service
}

func New(cfg config.Config, logger *slog.Logger, comp Components) *Runtime {
	if comp.TraceOutput == nil {
		comp.TraceOutput = os.Stdout
	}
	return &Runtime{
		cfg:     cfg,
		logger:  logger,
		comp:    comp,
		readyCh: make(chan struct{}),
	}
}

// Ready is closed once every component is serving.
func (r *Runtime) Ready() <-chan struct{} { return r.readyCh }

// Addr is the bound HTTP address, empty until ready.
func (r *Runtime) Addr() string {
	if v, ok := r.addr.Load().(string); ok {
		return v
	}
	return ""
}

// Start runs until ctx is cancelled or a server fails, then shuts everything
// down in reverse order of startup.
func (r *Runtime) Start(ctx context.Context) (err error) {
	var closers []func(context.Context) error
	defer func() {
		r.ready.Store(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			if cerr := closers[i](shutdownCtx); cerr != nil {
				errs = append(errs, cerr)
			}
		}
		if len(errs) > 0 {
			r.logger.Error("shutdown completed with errors", slog.String("error", errors.Join(errs...).Error()))
		}
	}()

	tel, err := setupTelemetry(ctx, r.cfg, r.comp.TraceOutput, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	closers = append(closers, tel.shutdown)

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger.With(slog.String("component", "nats")))
	if err != nil {
		return err
	}
	if embedded != nil {
		closers = append(closers, func(context.Context) error { embedded.Shutdown(); return nil })
	}

	busCfg := r.cfg.Bus
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	busClient, err := bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return err
	}
	r.busClient = busClient
	closers = append(closers, func(context.Context) error { busClient.Close(); return nil })

	if err := busClient.EnsureEventStream(eventStreamName, []string{protocol.SubjectEventPrefix + ".>"}, eventStreamMaxAge); err != nil {
		r.logger.Warn("event stream unavailable, events are not retained", slog.String("error", err.Error()))
	}

	store, err := history.Open(ctx, r.cfg.History, r.logger.With(slog.String("component", "history")))
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	closers = append(closers, func(context.Context) error { return store.Close() })
	recorder := history.NewRecorder(store, 256, r.logger)
	closers = append(closers, func(context.Context) error { return recorder.Close() })

	viewers := hub.New(r.logger)

	ctrl := session.NewController(r.cfg, r.comp.Opener, r.comp.Loader,
		session.FanOut{bus.NewPublisher(busClient), viewers, recorder},
		r.logger)
	closers = append(closers, func(context.Context) error { return ctrl.Close() })

	r.controlSvc = control.NewService(ctx, busClient, ctrl)
	if err := r.controlSvc.Start(); err != nil {
		return err
	}
	closers = append(closers, func(context.Context) error { r.controlSvc.Close(); return nil })

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.Handle("/ws", viewers)
	control.NewHandler(ctrl, store, r.cfg.Session.UserID, r.logger).Register(mux)
	if tel.metricsHandler != nil && r.cfg.Telemetry.PrometheusBind == "" {
		mux.Handle("/metrics", tel.metricsHandler)
	}

	addr := net.JoinHostPort(r.cfg.HTTP.Bind, strconv.Itoa(r.cfg.HTTP.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	httpServer := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		viewers.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	servers := []*http.Server{httpServer}

	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && tel.metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", tel.metricsHandler)
		metricsServer := &http.Server{Addr: bind, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}
		servers = append(servers, metricsServer)
		g.Go(func() error {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		r.logger.Info("runtime stopping")
		// The live session goes first so its final events still reach the bus.
		ctrl.StopSession(context.Background())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})

	if r.cfg.Session.AutoStart {
		r.autoStart(ctx, ctrl)
	}

	r.addr.Store(listener.Addr().String())
	r.ready.Store(true)
	r.readyOnce.Do(func() { close(r.readyCh) })
	r.logger.Info("runtime started", slog.String("addr", listener.Addr().String()))

	return g.Wait()
}

func (r *Runtime) autoStart(ctx context.Context, ctrl *session.Controller) {
	if _, err := ctrl.StartSession(ctx, session.StartOptions{}); err != nil {
		r.logger.Error("auto-start failed to open camera", slog.String("error", err.Error()))
		return
	}
	if _, err := ctrl.StartDetection(ctx); err != nil {
		r.logger.Error("auto-start failed to begin detection", slog.String("error", err.Error()))
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.busClient.Healthy() && r.controlSvc.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
