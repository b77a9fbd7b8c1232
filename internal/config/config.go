package config

import (
	"bufio"
	"errors"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// LoggingConfig 는 공통 로그 설정을 담습니다.
type LoggingConfig struct {
	Level string // 예: "debug", "info", "warn", "error"
}

// ServerConfig 는 ICAP 서버 프로세스 설정을 담습니다.
//
// 값은 .env/환경변수에서 읽어오며, 환경변수가 .env 보다 우선합니다.
// DB 연결 설정은 resolver.ConfigFromEnv 쪽에서 별도로 읽습니다.
type ServerConfig struct {
	ICAPListen  string // ICAP 리스너 주소. 예: ":1344"
	AdminListen string // /metrics, /healthz 용 관리 plane 주소. 예: ":9110"
	Debug       bool   // true 이면 디버그 모드 (디버그 로그, 바디 내용 로깅 등)

	MaxConns        int           // 동시에 처리할 최대 커넥션 수
	ReadTimeout     time.Duration // 한 요청(envelope + encapsulated)을 읽는 제한 시간
	WriteTimeout    time.Duration // 응답 쓰기 제한 시간
	MaxMessageBytes int           // encapsulated 메시지(헤더+바디) 최대 크기

	// RateLimitPerSec / RateLimitBurst 는 peer IP 별 accept rate limit 입니다.
	// 0 이하이면 rate limit 을 비활성화합니다.
	RateLimitPerSec float64
	RateLimitBurst  int

	PolicyFile string // 선택적 YAML 정책 파일 경로 (비어 있으면 기본 정책 사용)

	Logging LoggingConfig
}

var (
	dotenvOnce sync.Once
	dotenvErr  error
)

// loadDotEnvOnce 는 현재 작업 디렉터리의 .env 파일을 한 번만 읽어서 os.Environ 에 주입합니다.
// - KEY=VALUE, export KEY=VALUE 형식을 지원
// - # 으로 시작하는 줄은 주석으로 간주합니다.
func loadDotEnvOnce() {
	dotenvOnce.Do(func() {
		fi, err := os.Stat(".env")
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				// .env 가 없으면 조용히 무시
				return
			}
			dotenvErr = err
			return
		}
		if fi.IsDir() {
			return
		}

		f, err := os.Open(".env")
		if err != nil {
			dotenvErr = err
			return
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			if strings.HasPrefix(line, "export ") {
				line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := strings.TrimSpace(parts[1])
			val = strings.Trim(val, `"'`)

			if key != "" {
				// 이미 OS 환경변수에 설정된 값이 있으면 이를 우선시합니다.
				if _, exists := os.LookupEnv(key); !exists {
					_ = os.Setenv(key, val)
				}
			}
		}
		if err := scanner.Err(); err != nil {
			dotenvErr = err
			return
		}
	})
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// LoadServerConfigFromEnv 는 .env 를 한 번 읽어 현재 환경변수를 보완한 뒤
// "환경변수 > .env > 기본값" 우선순위로 서버 설정을 구성합니다.
func LoadServerConfigFromEnv() (*ServerConfig, error) {
	loadDotEnvOnce()
	if dotenvErr != nil {
		return nil, dotenvErr
	}

	cfg := &ServerConfig{
		ICAPListen:      getEnvOrDefault("TG_ICAP_LISTEN", ":1344"),
		AdminListen:     getEnvOrDefault("TG_ADMIN_LISTEN", ":9110"),
		Debug:           getEnvBool("TG_DEBUG", false),
		MaxConns:        getEnvInt("TG_MAX_CONNS", 100),
		ReadTimeout:     getEnvDuration("TG_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:    getEnvDuration("TG_WRITE_TIMEOUT", 30*time.Second),
		MaxMessageBytes: getEnvInt("TG_MAX_MESSAGE_BYTES", 1<<20),
		RateLimitPerSec: getEnvFloat("TG_RATE_LIMIT_PER_SEC", 0),
		RateLimitBurst:  getEnvInt("TG_RATE_LIMIT_BURST", 0),
		PolicyFile:      strings.TrimSpace(os.Getenv("TG_POLICY_FILE")),
		Logging: LoggingConfig{
			Level: getEnvOrDefault("TG_LOG_LEVEL", "info"),
		},
	}

	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 100
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 1 << 20
	}

	return cfg, nil
}
