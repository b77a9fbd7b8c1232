package icap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/netutil"

	"github.com/tokenshield/tokengate/internal/logging"
	"github.com/tokenshield/tokengate/internal/observability"
	"github.com/tokenshield/tokengate/internal/ratelimit"
)

// Rewriter 는 encapsulated body 의 치환을 담당하는 capability 입니다.
// detok.Engine 이 구현합니다. 에러는 fail-closed 정책에서만 발생합니다.
type Rewriter interface {
	Rewrite(ctx context.Context, contentType string, body []byte) (newBody []byte, modified bool, err error)
}

// Config 는 ICAP 서버 동작 파라미터입니다.
type Config struct {
	MaxConns        int           // 동시 커넥션 상한 (OPTIONS Max-Connections 로도 광고)
	ReadTimeout     time.Duration // 한 요청을 읽는 제한 시간
	WriteTimeout    time.Duration // 응답 쓰기 제한 시간
	MaxMessageBytes int           // encapsulated 메시지 최대 크기
	ISTag           string        // 예: `"TS001"`
	OptionsTTL      time.Duration // OPTIONS 응답 캐시 TTL
}

func (c *Config) applyDefaults() {
	if c.MaxConns <= 0 {
		c.MaxConns = 100
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 1 << 20
	}
	if c.ISTag == "" {
		c.ISTag = `"TS001"`
	}
	if c.OptionsTTL <= 0 {
		c.OptionsTTL = time.Hour
	}
}

// Server 는 커넥션별로 envelope 파싱 → dispatch → 재구성 → 응답을 수행합니다.
// 커넥션 간 공유되는 가변 상태는 없습니다(rewriter/limiter 는 읽기 전용 capability).
type Server struct {
	cfg      Config
	logger   logging.Logger
	rewriter Rewriter
	limiter  *ratelimit.Limiter

	wg sync.WaitGroup
}

// NewServer 는 ICAP 서버를 생성합니다. limiter 는 nil 일 수 있습니다(비활성).
func NewServer(logger logging.Logger, cfg Config, rewriter Rewriter, limiter *ratelimit.Limiter) *Server {
	cfg.applyDefaults()
	return &Server{
		cfg:      cfg,
		logger:   logger.With(logging.Fields{"component": "icap_server"}),
		rewriter: rewriter,
		limiter:  limiter,
	}
}

// Serve 는 ctx 가 취소될 때까지 l 에서 커넥션을 수락합니다.
// 각 커넥션은 독립 goroutine 에서 처리되며, 전체 동시 커넥션 수는
// netutil.LimitListener 로 MaxConns 에 묶입니다. ctx 취소 시 리스너를 닫고
// 진행 중인 핸들러가 끝날 때까지 기다립니다.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	ll := netutil.LimitListener(l, s.cfg.MaxConns)

	go func() {
		<-ctx.Done()
		_ = ll.Close()
	}()

	for {
		conn, err := ll.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			s.logger.Error("accept failed", logging.Fields{"error": err.Error()})
			continue
		}

		peer := peerHost(conn.RemoteAddr())
		if !s.limiter.Allow(peer) {
			observability.ConnectionsTotal.WithLabelValues("rate_limited").Inc()
			s.logger.Warn("connection rate limited", logging.Fields{"peer": peer})
			_ = conn.Close()
			continue
		}
		observability.ConnectionsTotal.WithLabelValues("handled").Inc()

		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			s.handleConn(ctx, c)
		}(conn)
	}
}

// handleConn 은 커넥션 하나의 상태 기계입니다:
// AwaitEnvelope → Dispatch → (CapabilityResponse | ModificationResponse | Reject) → Closed.
// Connection: keep-alive 를 광고하므로, 응답 후 같은 커넥션에서 다음 envelope 을 기다립니다.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	log := s.logger.With(logging.Fields{
		"conn_id": uuid.NewString(),
		"peer":    peerHost(conn.RemoteAddr()),
	})
	lr := newLineReader(conn, 0)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		env, err := parseEnvelope(lr)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrDeadlineExceeded) {
				// 클라이언트가 요청 없이 커넥션을 닫았거나 idle 상태로 방치: 조용히 종료
				return
			}
			s.countParseError(err)
			log.Warn("failed to parse icap envelope", logging.Fields{"error": err.Error()})
			// 부분적으로라도 읽을 수 있었던 경우 best-effort 거부 응답
			_ = s.write(conn, buildRejection(400, "Bad Request"))
			return
		}

		log.Debug("icap request", logging.Fields{
			"method":  string(env.Method),
			"uri":     env.URI,
			"version": env.Version,
		})

		switch env.Method {
		case MethodOptions:
			if err := s.write(conn, buildOptionsResponse(s.cfg.ISTag, s.cfg.MaxConns, s.cfg.OptionsTTL)); err != nil {
				return
			}
			observability.RequestsTotal.WithLabelValues(string(MethodOptions), "200").Inc()

		case MethodReqMod:
			if err := s.handleReqMod(ctx, conn, lr, env, log); err != nil {
				return
			}

		default:
			observability.RequestsTotal.WithLabelValues(string(env.Method), "405").Inc()
			_ = s.write(conn, buildRejection(405, "Method Not Allowed"))
			return
		}
	}
}

// handleReqMod 은 REQMOD 한 건을 처리합니다. 반환 에러는 "이 커넥션을 더 쓸 수 없음"
// (IO 에러, 프레이밍 붕괴)을 뜻하고, 정책적 거부는 응답을 보낸 뒤 nil 을 반환합니다.
func (s *Server) handleReqMod(ctx context.Context, conn net.Conn, lr *lineReader, env *Envelope, log logging.Logger) error {
	start := time.Now()
	defer func() {
		observability.RequestDurationSeconds.
			WithLabelValues(string(MethodReqMod)).
			Observe(time.Since(start).Seconds())
	}()

	hdrSeg, hasHdr := env.HeaderSegment()
	if !hasHdr {
		// encapsulated HTTP 헤더가 없으면 수정할 것도 없습니다.
		observability.RequestsTotal.WithLabelValues(string(MethodReqMod), "204").Inc()
		return s.write(conn, buildNoModification(s.cfg.ISTag))
	}

	headerBlock, err := s.readHeaderBlock(lr, env, hdrSeg)
	if err != nil {
		s.countParseError(err)
		log.Warn("failed to read encapsulated headers", logging.Fields{"error": err.Error()})
		observability.RequestsTotal.WithLabelValues(string(MethodReqMod), "400").Inc()
		_ = s.write(conn, buildRejection(400, "Bad Request"))
		return fmt.Errorf("read header block: %w", err)
	}

	sub, err := parseSubMessage(headerBlock)
	if err != nil {
		s.countParseError(err)
		log.Warn("failed to parse encapsulated http request", logging.Fields{"error": err.Error()})
		observability.RequestsTotal.WithLabelValues(string(MethodReqMod), "400").Inc()
		_ = s.write(conn, buildRejection(400, "Bad Request"))
		return fmt.Errorf("parse sub-message: %w", err)
	}

	if _, hasBody := env.BodySegment(); hasBody {
		sub.Body, err = s.readBody(conn, lr, env)
		if err != nil {
			s.countParseError(err)
			log.Warn("failed to read encapsulated body", logging.Fields{"error": err.Error()})
			observability.RequestsTotal.WithLabelValues(string(MethodReqMod), "400").Inc()
			_ = s.write(conn, buildRejection(400, "Bad Request"))
			return fmt.Errorf("read body: %w", err)
		}
	}

	newBody, modified, err := s.rewriter.Rewrite(ctx, sub.ContentType, sub.Body)
	if err != nil {
		// fail-closed: 풀리지 않은 토큰을 downstream 으로 흘리지 않습니다.
		log.Error("rewrite failed, rejecting request", logging.Fields{
			"host":  sub.Host,
			"error": err.Error(),
		})
		observability.RequestsTotal.WithLabelValues(string(MethodReqMod), "500").Inc()
		return s.write(conn, buildRejection(500, "Internal Server Error"))
	}

	if !modified {
		observability.RequestsTotal.WithLabelValues(string(MethodReqMod), "204").Inc()
		return s.write(conn, buildNoModification(s.cfg.ISTag))
	}

	log.Info("request body rewritten", logging.Fields{
		"host":      sub.Host,
		"uri":       sub.URI,
		"body_size": len(newBody),
	})
	observability.RequestsTotal.WithLabelValues(string(MethodReqMod), "200").Inc()
	return s.write(conn, buildModified(sub, newBody, s.cfg.ISTag))
}

// readHeaderBlock 은 Encapsulated 오프셋으로 헤더 블록 길이를 계산해 정확히 그만큼 읽습니다.
// terminal 세그먼트 힌트가 없을 때만 "더 주지 않을 때까지" fallback 으로 읽습니다.
func (s *Server) readHeaderBlock(lr *lineReader, env *Envelope, hdrSeg Segment) ([]byte, error) {
	end := -1
	if bodySeg, ok := env.BodySegment(); ok {
		end = bodySeg.Offset
	} else if nullSeg, ok := env.findSegment("null-body"); ok {
		end = nullSeg.Offset
	}

	if end >= 0 {
		n := end - hdrSeg.Offset
		if n < 0 {
			return nil, fmt.Errorf("%w: header segment is inverted", ErrMalformedEnvelope)
		}
		if n > s.cfg.MaxMessageBytes {
			return nil, fmt.Errorf("%w: header block of %d bytes", ErrResourceExhausted, n)
		}
		return lr.ReadFull(n)
	}
	return lr.ReadRemaining(s.cfg.MaxMessageBytes)
}

// readBody 는 req-body 세그먼트를 읽습니다. ICAP 규약대로 chunked 프레이밍이면
// chunk 들을 조립하고, preview 가 ieof 없이 끝나면 100 Continue 로 나머지를 요청합니다.
// chunked 가 아니면(오래된 클라이언트) raw 로 읽습니다.
func (s *Server) readBody(conn net.Conn, lr *lineReader, env *Envelope) ([]byte, error) {
	if !looksChunked(lr) {
		return lr.ReadRemaining(s.cfg.MaxMessageBytes)
	}

	body, sawIEOF, err := readChunkedBody(lr, s.cfg.MaxMessageBytes)
	if err != nil {
		return nil, err
	}

	if env.Preview >= 0 && !sawIEOF {
		// preview 에 바디 전체가 담기지 않음: 나머지를 요청합니다.
		if err := s.write(conn, []byte("ICAP/1.0 100 Continue\r\n\r\n")); err != nil {
			return nil, err
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		rest, _, err := readChunkedBody(lr, s.cfg.MaxMessageBytes-len(body))
		if err != nil {
			return nil, err
		}
		body = append(body, rest...)
	}
	return body, nil
}

// write 는 쓰기 deadline 을 걸고 응답 바이트를 전송합니다.
// 부분 전송 후 실패한 커넥션은 재시도 없이 닫습니다(중복 부분 응답 방지).
func (s *Server) write(conn net.Conn, p []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if _, err := conn.Write(p); err != nil {
		observability.ProtocolErrorsTotal.WithLabelValues("io_error").Inc()
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}

func (s *Server) countParseError(err error) {
	switch {
	case errors.Is(err, ErrMalformedEnvelope):
		observability.ProtocolErrorsTotal.WithLabelValues("malformed_envelope").Inc()
	case errors.Is(err, ErrMalformedSubMessage):
		observability.ProtocolErrorsTotal.WithLabelValues("malformed_submessage").Inc()
	case errors.Is(err, ErrResourceExhausted):
		observability.ProtocolErrorsTotal.WithLabelValues("resource_exhausted").Inc()
	default:
		observability.ProtocolErrorsTotal.WithLabelValues("io_error").Inc()
	}
}

// peerHost 는 RemoteAddr 에서 포트를 제거한 호스트만 반환합니다.
func peerHost(addr net.Addr) string {
	if addr == nil {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
