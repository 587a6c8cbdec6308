package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/events"
	"github.com/loqalabs/loqa-scribe/internal/feed"
	"github.com/loqalabs/loqa-scribe/internal/httpapi"
	"github.com/loqalabs/loqa-scribe/internal/ingest"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/roster"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/watcher"
)

const pruneInterval = time.Hour

type Options struct {
	// NoWatch disables the folder watcher regardless of config.
	NoWatch bool
}

type Runtime struct {
	cfg        config.Config
	opts       Options
	logger     *slog.Logger
	httpServer *http.Server
	ready      atomic.Bool
	wg         sync.WaitGroup
	closers    []closer

	addrMu sync.Mutex
	addr   net.Addr
}

type closer struct {
	name string
	fn   func() error
}

func New(cfg config.Config, logger *slog.Logger, opts Options) *Runtime {
	return &Runtime{
		cfg:    cfg,
		opts:   opts,
		logger: logger,
	}
}

// Addr returns the bound HTTP address once the listener is up.
func (r *Runtime) Addr() net.Addr {
	r.addrMu.Lock()
	defer r.addrMu.Unlock()
	return r.addr
}

// Ready reports whether the runtime is serving.
func (r *Runtime) Ready() bool { return r.ready.Load() }

func (r *Runtime) onClose(name string, fn func() error) {
	r.closers = append(r.closers, closer{name: name, fn: fn})
}

// Start wires every component, serves until ctx is cancelled and then shuts
// down in reverse order.
func (r *Runtime) Start(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() {
		if cerr := r.closeAll(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.onClose("telemetry", func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdownTelemetry(shutdownCtx)
	})

	recognizer, err := stt.New(r.cfg.STT)
	if err != nil {
		return fmt.Errorf("initialize recognizer: %w", err)
	}
	recognition := stt.NewService(r.cfg.STT, recognizer, r.logger)

	registry, err := roster.Open(r.cfg.Storage.RegistryPath, r.cfg.Storage.UploadDir, r.logger)
	if err != nil {
		return fmt.Errorf("open participant registry: %w", err)
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.onClose("eventstore", store.Close)

	messages := feed.New(r.cfg.Feed.Capacity, r.cfg.Feed.ReadLimit, r.logger)
	if store.Enabled() {
		if r.cfg.EventStore.RestoreOnStart {
			history, err := store.Recent(ctx, r.cfg.Feed.Capacity)
			if err != nil {
				r.logger.Warn("failed to restore feed history", slog.String("error", err.Error()))
			} else {
				messages.Restore(history)
				r.logger.Info("restored feed history", slog.Int("events", len(history)))
			}
		}
		messages.AddSink("eventstore", store)
		r.wg.Add(1)
		go r.pruneLoop(ctx, store)
	}

	busClient, err := r.startBus(ctx)
	if err != nil {
		return err
	}
	if busClient != nil {
		messages.AddSink("nats", busClient)
	}

	publisher := events.New(r.cfg.Kafka, r.logger)
	r.onClose("kafka", publisher.Close)
	messages.AddSink("kafka", publisher)

	hub := httpapi.NewHub(r.logger)
	r.onClose("hub", hub.Close)
	messages.AddSink("websocket", hub)

	uploads := ingest.NewService(registry, recognition, messages, r.logger)

	if r.cfg.Watcher.Enabled && !r.opts.NoWatch {
		opts := watcher.Options{
			Interval:     time.Duration(r.cfg.Watcher.IntervalMS) * time.Millisecond,
			ErrorBackoff: time.Duration(r.cfg.Watcher.ErrorBackoffMS) * time.Millisecond,
		}
		if r.cfg.Watcher.PersistProcessed && store.Enabled() {
			opts.Ledger = store
		}
		w := watcher.New(registry, recognition, messages, opts, r.logger)
		w.Start(ctx)
		stopTimeout := time.Duration(r.cfg.Watcher.StopTimeoutMS) * time.Millisecond
		r.onClose("watcher", func() error {
			if !w.Stop(stopTimeout) {
				return fmt.Errorf("watcher did not stop within %s", stopTimeout)
			}
			return nil
		})
	} else {
		r.logger.Info("folder watcher disabled")
	}

	router := httpapi.NewRouter(httpapi.Deps{
		Registry: registry,
		Uploader: uploads,
		Messages: messages,
		Hub:      hub,
		Metrics:  metricsHandler,
		Ready: func() bool {
			return r.ready.Load() && (busClient == nil || busClient.Healthy())
		},
		MaxUploadBytes: r.cfg.HTTP.MaxUploadBytes,
	}, r.logger)

	addr := net.JoinHostPort(r.cfg.HTTP.Bind, strconv.Itoa(r.cfg.HTTP.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.addrMu.Lock()
	r.addr = ln.Addr()
	r.addrMu.Unlock()

	r.httpServer = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			serveErr <- err
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", ln.Addr().String()),
		slog.String("stt_mode", r.cfg.STT.Mode),
		slog.String("upload_dir", r.cfg.Storage.UploadDir))

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
	}

	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	cancel()
	r.wg.Wait()

	if runErr != nil {
		return fmt.Errorf("http server: %w", runErr)
	}
	return nil
}

func (r *Runtime) startBus(ctx context.Context) (*bus.Client, error) {
	if !r.cfg.Bus.Enabled {
		return nil, nil
	}
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return nil, fmt.Errorf("start embedded nats: %w", err)
		}
		r.onClose("natsserver", func() error {
			srv.Shutdown()
			return nil
		})
		busCfg.Servers = []string{srv.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return nil, err
	}
	r.onClose("nats", func() error {
		client.Close()
		return nil
	})
	return client, nil
}

func (r *Runtime) pruneLoop(ctx context.Context, store *eventstore.Store) {
	defer r.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

// closeAll runs registered closers in reverse order.
func (r *Runtime) closeAll() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		c := r.closers[i]
		if err := c.fn(); err != nil {
			r.logger.Error("shutdown step failed", slog.String("component", c.name), slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}
