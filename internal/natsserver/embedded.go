package natsserver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/nats-io/nats-server/v2/server"
)

const (
	defaultStoreDir = "./data/nats"
	readyTimeout    = 5 * time.Second
)

// EmbeddedServer runs an in-process broker so a single scribed binary can
// carry its own bus.
type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// Start launches a loopback-only broker with JetStream enabled. It returns
// nil when the bus is not configured as embedded. A negative port picks a
// free one.
func Start(cfg config.BusConfig, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}
	log = log.With(slog.String("component", "natsserver"))

	storeDir := cfg.StoreDir
	if storeDir == "" {
		storeDir = defaultStoreDir
	}
	ns, err := server.NewServer(&server.Options{
		ServerName: "scribed",
		Host:       "127.0.0.1",
		Port:       cfg.Port,
		JetStream:  true,
		StoreDir:   storeDir,
		NoSigs:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedded nats server: %w", err)
	}
	ns.SetLoggerV2(&slogAdapter{log: log}, false, false, false)

	go ns.Start()
	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded nats server not ready after %s", readyTimeout)
	}

	log.Info("embedded nats server started",
		slog.String("url", ns.ClientURL()),
		slog.String("store_dir", storeDir))
	return &EmbeddedServer{ns: ns, log: log}, nil
}

// ClientURL returns the URL clients should dial.
func (e *EmbeddedServer) ClientURL() string {
	if e == nil || e.ns == nil {
		return ""
	}
	return e.ns.ClientURL()
}

// Shutdown stops the broker and waits for it to exit.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("stopping embedded nats server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}

// slogAdapter forwards broker logs to slog. Notices are demoted to debug so
// the broker stays quiet at the default level.
type slogAdapter struct {
	log *slog.Logger
}

func (a *slogAdapter) emit(level slog.Level, format string, v ...any) {
	if !a.log.Enabled(context.Background(), level) {
		return
	}
	a.log.Log(context.Background(), level, fmt.Sprintf(format, v...))
}

func (a *slogAdapter) Noticef(format string, v ...any) { a.emit(slog.LevelDebug, format, v...) }
func (a *slogAdapter) Warnf(format string, v ...any)   { a.emit(slog.LevelWarn, format, v...) }
func (a *slogAdapter) Fatalf(format string, v ...any)  { a.emit(slog.LevelError, format, v...) }
func (a *slogAdapter) Errorf(format string, v ...any)  { a.emit(slog.LevelError, format, v...) }
func (a *slogAdapter) Debugf(format string, v ...any)  { a.emit(slog.LevelDebug, format, v...) }
func (a *slogAdapter) Tracef(format string, v ...any)  { a.emit(slog.LevelDebug, format, v...) }
