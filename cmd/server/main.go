package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tokenshield/tokengate/internal/config"
	"github.com/tokenshield/tokengate/internal/detok"
	"github.com/tokenshield/tokengate/internal/icap"
	"github.com/tokenshield/tokengate/internal/logging"
	"github.com/tokenshield/tokengate/internal/observability"
	"github.com/tokenshield/tokengate/internal/ratelimit"
	"github.com/tokenshield/tokengate/internal/resolver"
)

func main() {
	// 1. 서버 설정 로드 (.env + 환경변수)
	cfg, err := config.LoadServerConfigFromEnv()
	if err != nil {
		logging.NewStdJSONLogger("server", false).Error("failed to load server config from env", logging.Fields{
			"error": err.Error(),
		})
		os.Exit(1)
	}

	logger := logging.NewStdJSONLogger("server", cfg.Debug)
	logger.Info("tokengate server starting", logging.Fields{
		"icap_listen":  cfg.ICAPListen,
		"admin_listen": cfg.AdminListen,
		"max_conns":    cfg.MaxConns,
		"debug":        cfg.Debug,
	})

	// 2. 재작성 정책 로드 (선택적 YAML 파일)
	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		logger.Error("failed to load rewrite policy", logging.Fields{
			"path":  cfg.PolicyFile,
			"error": err.Error(),
		})
		os.Exit(1)
	}
	logger.Info("rewrite policy loaded", logging.Fields{
		"content_types": policy.ContentTypes,
		"fail_closed":   policy.FailClosed,
	})

	// 3. Prometheus 메트릭 등록 + 관리 plane (/metrics, /healthz)
	observability.MustRegister()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. PostgreSQL 토큰 스토어 (process-lifetime 공유 자원)
	store, err := resolver.OpenFromEnv(ctx, logger)
	if err != nil {
		logger.Error("failed to open token store", logging.Fields{
			"error": err.Error(),
		})
		os.Exit(1)
	}
	defer store.Close()

	adminSrv := observability.NewAdminServer(cfg.AdminListen, logger, store)
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin http server failed", logging.Fields{"error": err.Error()})
		}
	}()

	// 5. Detokenize 엔진 + peer rate limiter + ICAP 서버
	engine := detok.NewEngine(logger, store, policy)
	limiter := ratelimit.New(cfg.RateLimitPerSec, cfg.RateLimitBurst)
	if limiter != nil {
		go func() {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					limiter.Cleanup()
				}
			}
		}()
	}

	server := icap.NewServer(logger, icap.Config{
		MaxConns:        cfg.MaxConns,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		MaxMessageBytes: cfg.MaxMessageBytes,
	}, engine, limiter)

	listener, err := net.Listen("tcp", cfg.ICAPListen)
	if err != nil {
		logger.Error("failed to listen", logging.Fields{
			"addr":  cfg.ICAPListen,
			"error": err.Error(),
		})
		os.Exit(1)
	}

	logger.Info("icap server listening", logging.Fields{"addr": cfg.ICAPListen})

	// 6. Accept 루프. SIGINT/SIGTERM 이 오면 리스너를 닫고 진행 중인
	//    커넥션을 drain 한 뒤 내려갑니다.
	if err := server.Serve(ctx, listener); err != nil {
		logger.Error("icap server failed", logging.Fields{"error": err.Error()})
		os.Exit(1)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = adminSrv.Shutdown(shutdownCtx)

	logger.Info("server shutdown complete", nil)
}
