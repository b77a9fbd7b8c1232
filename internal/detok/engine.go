package detok

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/tokenshield/tokengate/internal/config"
	"github.com/tokenshield/tokengate/internal/logging"
	"github.com/tokenshield/tokengate/internal/observability"
	"github.com/tokenshield/tokengate/internal/resolver"
)

// ErrResolverUnavailable 은 fail-closed 정책에서 resolver 장애로
// 토큰을 풀지 못했음을 나타냅니다. fail-open(기본값)에서는 발생하지 않습니다.
var ErrResolverUnavailable = errors.New("detok: resolver unavailable")

// Engine 은 구조화(JSON) 바디를 순회하며 토큰을 실제 값으로 치환합니다.
//
// 바디는 절대 제자리에서 수정하지 않습니다. 치환은 gjson/sjson 경로 기반으로
// 일어나므로 수정되지 않은 부분의 키 순서와 포매팅은 원본 그대로 유지됩니다.
type Engine struct {
	logger   logging.Logger
	resolver resolver.Resolver
	policy   config.Policy
}

// NewEngine 은 resolver 와 정책을 주입받아 Engine 을 생성합니다.
// 전역 가변 상태는 없습니다. resolver 는 커넥션들이 공유하는 유일한 자원입니다.
func NewEngine(logger logging.Logger, r resolver.Resolver, policy config.Policy) *Engine {
	return &Engine{
		logger:   logger.With(logging.Fields{"component": "detok_engine"}),
		resolver: r,
		policy:   policy,
	}
}

// Eligible 은 contentType 이 스캔 대상(구조화 바디)인지 판단합니다.
// 정책의 마커에 대해 대소문자 구분 없는 substring 매칭입니다.
func (e *Engine) Eligible(contentType string) bool {
	ct := strings.ToLower(contentType)
	for _, marker := range e.policy.ContentTypes {
		if marker != "" && strings.Contains(ct, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

// match 는 스캔 중 발견된 토큰입니다. 순회가 끝나면 폐기됩니다.
type match struct {
	path  string // gjson/sjson 경로
	token string
}

// Rewrite 는 body 를 스캔해 치환된 새 바디를 반환합니다.
//
//   - 바디가 비었거나 contentType 이 대상이 아니면 스캔 없이 (body, false) 입니다.
//   - JSON 파싱 실패는 에러가 아니라 "치환할 것 없음"입니다. 잘못된 문서는
//     중단 없이 그대로 통과해야 합니다.
//   - NotFound 토큰은 그대로 두고 순회를 계속합니다.
//   - resolver 장애는 fail-open 이면 해당 토큰만 건너뛰고,
//     fail-closed 면 ErrResolverUnavailable 을 반환합니다.
//   - 치환 결과가 원본과 바이트 단위로 같으면 (body, false) 입니다.
func (e *Engine) Rewrite(ctx context.Context, contentType string, body []byte) ([]byte, bool, error) {
	if len(body) == 0 || !e.Eligible(contentType) {
		return body, false, nil
	}
	if !gjson.ValidBytes(body) {
		e.logger.Debug("body is not valid json, passing through", logging.Fields{
			"content_type": contentType,
		})
		return body, false, nil
	}

	var matches []match
	e.walk("", gjson.ParseBytes(body), &matches)
	if len(matches) == 0 {
		return body, false, nil
	}

	out := body
	modified := false
	for _, m := range matches {
		value, found, err := e.resolver.Resolve(ctx, m.token)
		if err != nil {
			observability.TokenLookupsTotal.WithLabelValues("unavailable").Inc()
			if e.policy.FailClosed {
				return nil, false, ErrResolverUnavailable
			}
			// fail-open: 이 토큰만 원문 그대로 통과
			continue
		}
		if !found {
			observability.TokenLookupsTotal.WithLabelValues("not_found").Inc()
			continue
		}
		observability.TokenLookupsTotal.WithLabelValues("resolved").Inc()

		// leaf 의 전체 문자열 값을 결과로 교체합니다. 토큰이 곧 필드 값
		// 전체라는 resolver 의미론과 일치합니다.
		next, serr := sjson.SetBytes(out, m.path, value)
		if serr != nil {
			e.logger.Warn("failed to set resolved value", logging.Fields{
				"path":  m.path,
				"error": serr.Error(),
			})
			continue
		}
		out = next
		modified = true
	}

	if !modified {
		return body, false, nil
	}
	// 결과가 원본과 바이트 단위로 같으면 수정 아님으로 취급합니다.
	if bytes.Equal(out, body) {
		return body, false, nil
	}
	return out, true, nil
}

// walk 는 문서의 모든 노드를 순서 보존하며 재귀 방문합니다.
// 문자열 leaf 에서 첫 토큰 매치를 수집합니다. 루트 자체가 문자열인
// 스칼라 문서와 빈 문자열 키("") 아래의 노드는 gjson/sjson 경로로
// 지정할 수 없어 치환 대상에서 제외됩니다.
func (e *Engine) walk(prefix string, v gjson.Result, out *[]match) {
	if v.IsObject() {
		v.ForEach(func(k, cv gjson.Result) bool {
			if k.String() == "" {
				return true
			}
			p := escapePathKey(k.String())
			if prefix != "" {
				p = prefix + "." + p
			}
			e.walk(p, cv, out)
			return true
		})
		return
	}
	if v.IsArray() {
		i := 0
		v.ForEach(func(_, cv gjson.Result) bool {
			p := strconv.Itoa(i)
			if prefix != "" {
				p = prefix + "." + p
			}
			e.walk(p, cv, out)
			i++
			return true
		})
		return
	}
	if v.Type == gjson.String && prefix != "" {
		if tok, ok := firstToken(v.String(), e.policy.MaxTokenLength); ok {
			*out = append(*out, match{path: prefix, token: tok})
		}
	}
}

// escapePathKey 는 gjson/sjson 경로 문법에서 특수한 문자를 이스케이프합니다.
func escapePathKey(key string) string {
	if !strings.ContainsAny(key, `\.*?|#@`) {
		return key
	}
	var b strings.Builder
	for _, r := range key {
		switch r {
		case '\\', '.', '*', '?', '|', '#', '@':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
