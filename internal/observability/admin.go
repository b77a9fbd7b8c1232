package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"

	"github.com/tokenshield/tokengate/internal/logging"
)

// Pinger reports whether a backing dependency is reachable.
// /healthz 가 토큰 스토어 상태를 확인할 때 사용합니다.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewAdminServer 는 /metrics 와 /healthz 를 제공하는 관리 plane HTTP 서버를 생성합니다.
// H1/H2 를 모두 지원합니다.
func NewAdminServer(addr string, logger logging.Logger, store Pinger) *http.Server {
	log := logger.With(logging.Fields{"component": "admin_http"})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"ok": true}
		if store != nil {
			if err := store.Ping(ctx); err != nil {
				log.Warn("health check: store unreachable", logging.Fields{
					"error": err.Error(),
				})
				status = http.StatusServiceUnavailable
				body = map[string]any{"ok": false, "error": "token store unreachable"}
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if err := json.NewEncoder(w).Encode(body); err != nil {
			log.Error("failed to write health response", logging.Fields{"error": err.Error()})
		}
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	_ = http2.ConfigureServer(srv, &http2.Server{})
	return srv
}
