package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// 전역 레지스트리에 등록할 TokenGate 메트릭들을 정의합니다.
// Prometheus 기본 네임스페이스를 사용하며, 메트릭 이름에 tokengate_ 접두어를 붙입니다.

var (
	// 수락된 ICAP 커넥션 수 (결과 라벨 포함).
	ConnectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokengate_connections_total",
			Help: "Total number of accepted ICAP connections, labeled by result.",
		},
		[]string{"result"}, // handled, rate_limited
	)

	// 처리한 ICAP 요청 수 (메서드/응답 상태 라벨 포함).
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokengate_requests_total",
			Help: "Total number of ICAP requests handled, labeled by method and response status.",
		},
		[]string{"method", "status"},
	)

	// REQMOD 처리 시간 분포.
	RequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tokengate_request_duration_seconds",
			Help:    "Histogram of ICAP request handling latencies in seconds, labeled by method.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// 토큰 lookup 결과 카운터.
	TokenLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokengate_token_lookups_total",
			Help: "Total number of token resolver lookups, labeled by outcome.",
		},
		[]string{"outcome"}, // resolved, not_found, unavailable
	)

	// 프로토콜/리소스 에러 카운터 (에러 유형 라벨 포함).
	ProtocolErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokengate_protocol_errors_total",
			Help: "Total number of protocol-level errors, labeled by error type.",
		},
		[]string{"type"}, // malformed_envelope, malformed_submessage, resource_exhausted, io_error
	)
)

// MustRegister 는 위에서 정의한 메트릭들을 전역 Prometheus 레지스트리에 등록합니다.
// 서버 시작 시 한 번만 호출해야 합니다.
func MustRegister() {
	prometheus.MustRegister(
		ConnectionsTotal,
		RequestsTotal,
		RequestDurationSeconds,
		TokenLookupsTotal,
		ProtocolErrorsTotal,
	)
}
