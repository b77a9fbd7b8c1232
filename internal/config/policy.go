package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Policy 는 재작성(detokenize) 정책을 담습니다.
//
// 어떤 Content-Type 을 구조화 바디로 취급할지, resolver 장애 시
// fail-open/fail-closed 중 어느 쪽으로 동작할지를 결정합니다.
// YAML 파일 예:
//
//	content_types:
//	  - json
//	fail_closed: true
//	max_token_length: 256
type Policy struct {
	// ContentTypes 는 Content-Type 값에 대해 대소문자 구분 없이
	// substring 매칭할 마커 목록입니다. 하나라도 포함되면 스캔 대상입니다.
	ContentTypes []string `yaml:"content_types"`

	// FailClosed 가 true 이면 resolver 장애로 토큰을 풀지 못한 요청을
	// 거부합니다. false(기본값)이면 해당 토큰만 원문 그대로 통과시킵니다.
	FailClosed bool `yaml:"fail_closed"`

	// MaxTokenLength 는 토큰 문자열 길이 상한입니다. 이를 넘는 매치는
	// 토큰으로 취급하지 않습니다.
	MaxTokenLength int `yaml:"max_token_length"`
}

// DefaultPolicy 는 기본 정책을 반환합니다:
// JSON 바디만 스캔, fail-open, 토큰 길이 256 제한.
func DefaultPolicy() Policy {
	return Policy{
		ContentTypes:   []string{"json"},
		FailClosed:     false,
		MaxTokenLength: 256,
	}
}

// LoadPolicy 는 path 의 YAML 정책 파일을 읽어 Policy 를 구성합니다.
// path 가 비어 있으면 DefaultPolicy 를 반환합니다.
// 파일에 비어 있는 필드는 기본값으로 채웁니다.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy file %s: %w", path, err)
	}

	if len(p.ContentTypes) == 0 {
		p.ContentTypes = DefaultPolicy().ContentTypes
	}
	if p.MaxTokenLength <= 0 {
		p.MaxTokenLength = DefaultPolicy().MaxTokenLength
	}
	return p, nil
}
