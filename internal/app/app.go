package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"lifewire/internal/life/pattern"
	servernet "lifewire/internal/net"
	"lifewire/internal/observability"
	"lifewire/internal/session"
	"lifewire/internal/telemetry"
	"lifewire/internal/transport"
	"lifewire/logging"
	loggingSinks "lifewire/logging/sinks"
)

// Config carries the process-level wiring. Zero values fall back to defaults
// and the LIFEWIRE_* environment overrides.
type Config struct {
	HTTPAddr      string
	UDPAddr       string
	PatternFile   string
	Session       session.Config
	Transport     transport.Config
	Logger        telemetry.Logger
	Observability observability.Config
}

// Run wires the full server: logging router, pattern catalog, hub, datagram
// listener, and the HTTP surface. It blocks until ctx is cancelled or a
// listener fails.
func Run(ctx context.Context, cfg Config) error {
	telemetryLogger := cfg.Logger
	if telemetryLogger == nil {
		telemetryLogger = telemetry.WrapLogger(log.Default())
	}

	logConfig := logging.DefaultConfig()
	namedSinks := []logging.NamedSink{
		{Name: "console", Sink: loggingSinks.NewConsoleSink(os.Stdout)},
	}
	if path := os.Getenv("LIFEWIRE_LOG_FILE"); path != "" {
		jsonCfg := logConfig.JSON
		jsonCfg.FilePath = path
		sink, err := loggingSinks.NewJSONSink(jsonCfg)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", path, err)
		}
		namedSinks = append(namedSinks, logging.NamedSink{Name: "json", Sink: sink})
		logConfig.EnabledSinks = append(logConfig.EnabledSinks, "json")
	}

	router, err := logging.NewRouter(logging.SystemClock{}, logConfig, namedSinks)
	if err != nil {
		return fmt.Errorf("failed to construct logging router: %w", err)
	}
	defer func() {
		if cerr := router.Close(context.Background()); cerr != nil {
			telemetryLogger.Printf("failed to close logging router: %v", cerr)
		}
	}()

	metrics := logging.NewMetrics()

	sessionCfg := applySessionOverrides(cfg.Session, telemetryLogger).Normalized()
	transportCfg := cfg.Transport.Normalized()

	catalog, err := loadCatalog(cfg.PatternFile)
	if err != nil {
		return err
	}

	observabilityCfg := cfg.Observability
	if raw := os.Getenv("LIFEWIRE_ENABLE_PPROF"); raw != "" {
		if value, err := strconv.ParseBool(raw); err == nil {
			observabilityCfg.EnablePprofTrace = value
		} else {
			telemetryLogger.Printf("invalid LIFEWIRE_ENABLE_PPROF=%q: %v", raw, err)
		}
	}

	hub := session.NewHub(sessionCfg, catalog, router, telemetryLogger, telemetry.WrapMetrics(metrics))
	defer hub.Close()

	udpAddr := firstNonEmpty(cfg.UDPAddr, os.Getenv("LIFEWIRE_UDP_ADDR"), ":8081")
	listener, err := transport.ListenUDP(udpAddr)
	if err != nil {
		return fmt.Errorf("failed to bind datagram socket: %w", err)
	}
	defer listener.Close()
	telemetryLogger.Printf("datagram listener on %s", listener.Addr())

	go func() {
		for conn := range listener.Accept() {
			peer := transport.NewPeer(conn, transportCfg, telemetryLogger, telemetry.WrapMetrics(metrics))
			hub.ServePeer(peer)
		}
	}()

	handler := servernet.NewHTTPHandler(hub, servernet.HTTPHandlerConfig{
		Transport:     transportCfg,
		TickInterval:  sessionCfg.TickInterval,
		Logger:        telemetryLogger,
		Metrics:       metrics,
		Router:        router,
		Observability: observabilityCfg,
	})

	httpAddr := firstNonEmpty(cfg.HTTPAddr, os.Getenv("LIFEWIRE_HTTP_ADDR"), ":8080")
	srv := &http.Server{Addr: httpAddr, Handler: handler}
	telemetryLogger.Printf("server listening on %s", srv.Addr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			telemetryLogger.Printf("http shutdown: %v", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	}
}

func loadCatalog(path string) (*pattern.Catalog, error) {
	if path == "" {
		path = os.Getenv("LIFEWIRE_PATTERN_FILE")
	}
	catalog := pattern.Default()
	if path == "" {
		return catalog, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pattern catalog %s: %w", path, err)
	}
	defer f.Close()
	merged, err := catalog.Load(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load pattern catalog %s: %w", path, err)
	}
	return merged, nil
}

func applySessionOverrides(cfg session.Config, logger telemetry.Logger) session.Config {
	if raw := os.Getenv("LIFEWIRE_TICK_MS"); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil && value > 0 {
			cfg.TickInterval = time.Duration(value) * time.Millisecond
		} else {
			logger.Printf("invalid LIFEWIRE_TICK_MS=%q: %v", raw, err)
		}
	}
	if raw := os.Getenv("LIFEWIRE_GRID_WIDTH"); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil && value > 0 {
			cfg.Universe.Width = value
		} else {
			logger.Printf("invalid LIFEWIRE_GRID_WIDTH=%q: %v", raw, err)
		}
	}
	if raw := os.Getenv("LIFEWIRE_GRID_HEIGHT"); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil && value > 0 {
			cfg.Universe.Height = value
		} else {
			logger.Printf("invalid LIFEWIRE_GRID_HEIGHT=%q: %v", raw, err)
		}
	}
	if raw := os.Getenv("LIFEWIRE_RESYNC_THRESHOLD"); raw != "" {
		if value, err := strconv.ParseUint(raw, 10, 64); err == nil && value > 0 {
			cfg.ResyncThreshold = value
		} else {
			logger.Printf("invalid LIFEWIRE_RESYNC_THRESHOLD=%q: %v", raw, err)
		}
	}
	if raw := os.Getenv("LIFEWIRE_JOURNAL_CAPACITY"); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil && value >= 0 {
			cfg.JournalCapacity = value
		} else {
			logger.Printf("invalid LIFEWIRE_JOURNAL_CAPACITY=%q: %v", raw, err)
		}
	}
	if raw := os.Getenv("LIFEWIRE_JOURNAL_MAX_AGE_MS"); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil && value >= 0 {
			cfg.JournalMaxAge = time.Duration(value) * time.Millisecond
		} else {
			logger.Printf("invalid LIFEWIRE_JOURNAL_MAX_AGE_MS=%q: %v", raw, err)
		}
	}
	if raw := os.Getenv("LIFEWIRE_DEFAULT_ROOM"); raw != "" {
		cfg.DefaultRoom = raw
	}
	return cfg
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
