package icap

import (
	"fmt"
	"strings"
)

// SubMessage 는 encapsulated 영역에 실려 온 HTTP 요청입니다.
//
// Headers 는 원본 라인을 그대로 보존한 authoritative 저장소이고,
// Host/ContentType 은 판단용으로만 뽑아 둔 view 입니다.
// 재구성 시에는 Headers 가 (Content-Length 를 제외하고) 그대로 재방출됩니다.
type SubMessage struct {
	Method  string
	URI     string
	Version string
	Headers []string // 원본 헤더 라인, terminator 제거됨
	Body    []byte   // 비어 있을 수 있음

	Host        string
	ContentType string
}

// maxSubMessageHeaders 는 encapsulated HTTP 헤더 수 상한입니다.
const maxSubMessageHeaders = 100

// parseSubMessage 는 Encapsulated 오프셋으로 잘라낸 헤더 블록을 파싱합니다.
// body 는 별도로 읽어 붙입니다(chunked.go). 블록의 구문 오류는
// ErrMalformedSubMessage 입니다.
func parseSubMessage(headerBlock []byte) (*SubMessage, error) {
	lines := splitCRLFLines(headerBlock)
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: empty header block", ErrMalformedSubMessage)
	}

	parts := strings.Fields(lines[0])
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: request line %q", ErrMalformedSubMessage, lines[0])
	}

	sub := &SubMessage{
		Method:  parts[0],
		URI:     parts[1],
		Version: parts[2],
	}

	for _, line := range lines[1:] {
		if line == "" {
			// 헤더 terminator. 오프셋 기반으로 잘라낸 블록이므로
			// 그 뒤에 남는 내용은 없어야 정상입니다.
			break
		}
		if len(sub.Headers) >= maxSubMessageHeaders {
			return nil, fmt.Errorf("%w: more than %d http headers", ErrResourceExhausted, maxSubMessageHeaders)
		}
		sub.Headers = append(sub.Headers, line)

		name, value, ok := splitHeader(line)
		if !ok {
			continue
		}
		switch strings.ToLower(name) {
		case "host":
			sub.Host = value
		case "content-type":
			sub.ContentType = value
		}
	}

	return sub, nil
}

// isChunked 는 sub-message 의 Transfer-Encoding 이 chunked 인지 확인합니다.
func (m *SubMessage) isChunked() bool {
	for _, line := range m.Headers {
		name, value, ok := splitHeader(line)
		if !ok {
			continue
		}
		if strings.EqualFold(name, "Transfer-Encoding") {
			return strings.Contains(strings.ToLower(value), "chunked")
		}
	}
	return false
}

// splitCRLFLines 는 CRLF(관용적으로 LF 도 허용) 기준으로 라인을 나눕니다.
func splitCRLFLines(block []byte) []string {
	s := string(block)
	raw := strings.Split(s, "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		lines = append(lines, strings.TrimSuffix(l, "\r"))
	}
	// 블록이 CRLF 로 끝나면 마지막에 빈 조각이 생기므로 제거합니다.
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
