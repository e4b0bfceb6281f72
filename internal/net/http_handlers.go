package net

import (
	"encoding/json"
	nethttp "net/http"
	"net/http/pprof"
	"time"

	"github.com/gorilla/websocket"

	"lifewire/internal/observability"
	"lifewire/internal/session"
	"lifewire/internal/telemetry"
	"lifewire/internal/transport"
	"lifewire/logging"
)

// HTTPHandlerConfig wires the hub's HTTP surface.
type HTTPHandlerConfig struct {
	// Transport is the policy applied to websocket peers.
	Transport transport.Config
	// TickInterval is reported on /diagnostics.
	TickInterval time.Duration
	Logger       telemetry.Logger
	// Metrics feeds the /diagnostics telemetry block and the peers it
	// creates. Optional.
	Metrics *logging.Metrics
	// Router contributes its drop/publish counters to /diagnostics. Optional.
	Router *logging.Router
	// Observability gates the opt-in debug endpoints.
	Observability observability.Config
}

type diagnosticsRoom struct {
	Name           string `json:"name"`
	Players        int    `json:"players"`
	Generation     uint64 `json:"generation"`
	Paused         bool   `json:"paused"`
	JournalSize    int    `json:"journalSize"`
	QueuedIntents  int    `json:"queuedIntents"`
	PendingRegions int    `json:"pendingRegions"`
}

type diagnosticsLogging struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
}

type diagnosticsResponse struct {
	Status     string              `json:"status"`
	ServerTime int64               `json:"serverTime"`
	TickMillis int64               `json:"tickMillis"`
	Rooms      []diagnosticsRoom   `json:"rooms"`
	Telemetry  map[string]uint64   `json:"telemetry,omitempty"`
	Logging    *diagnosticsLogging `json:"logging,omitempty"`
}

// NewHTTPHandler exposes the hub over HTTP: /health for liveness probes,
// /diagnostics for operators, and /ws for browser-style clients that cannot
// open a datagram socket.
func NewHTTPHandler(hub *session.Hub, cfg HTTPHandlerConfig) nethttp.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	var peerMetrics telemetry.Metrics
	if cfg.Metrics != nil {
		peerMetrics = telemetry.WrapMetrics(cfg.Metrics)
	}

	mux := nethttp.NewServeMux()

	mux.HandleFunc("/health", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(nethttp.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/diagnostics", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodGet {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}

		stats := hub.DiagnosticsSnapshot()
		rooms := make([]diagnosticsRoom, 0, len(stats))
		for _, s := range stats {
			rooms = append(rooms, diagnosticsRoom{
				Name:           s.Name,
				Players:        s.Players,
				Generation:     s.Generation,
				Paused:         s.Paused,
				JournalSize:    s.JournalSize,
				QueuedIntents:  s.QueuedIntents,
				PendingRegions: s.PendingRegions,
			})
		}

		resp := diagnosticsResponse{
			Status:     "ok",
			ServerTime: time.Now().UnixMilli(),
			TickMillis: cfg.TickInterval.Milliseconds(),
			Rooms:      rooms,
		}
		if cfg.Metrics != nil {
			resp.Telemetry = cfg.Metrics.TelemetrySnapshot()
		}
		if cfg.Router != nil {
			routerStats := cfg.Router.Stats()
			resp.Logging = &diagnosticsLogging{
				Published: routerStats.EventsTotal,
				Dropped:   routerStats.DroppedTotal,
			}
		}

		data, err := json.Marshal(resp)
		if err != nil {
			httpError(w, "failed to encode", nethttp.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *nethttp.Request) bool {
			return true
		},
	}

	mux.HandleFunc("/ws", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Printf("upgrade failed for %s: %v", r.RemoteAddr, err)
			return
		}
		peer := transport.NewPeer(transport.NewWSConn(conn), cfg.Transport, logger, peerMetrics)
		hub.ServePeer(peer)
	})

	if cfg.Observability.EnablePprofTrace {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	return mux
}

func httpError(w nethttp.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(message))
}
