package icap

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Method 는 ICAP 요청 메서드입니다.
type Method string

const (
	MethodOptions Method = "OPTIONS" // capability discovery
	MethodReqMod  Method = "REQMOD"  // request modification
	MethodRespMod Method = "RESPMOD" // response modification (미지원)
)

// Segment 는 Encapsulated 헤더에 선언된 (세그먼트 이름, 바이트 오프셋) 쌍입니다.
// 오프셋은 encapsulated 영역 시작 기준이며 선언 순서대로 단조 증가해야 합니다.
type Segment struct {
	Name   string // "req-hdr", "req-body", "null-body" 등
	Offset int
}

// Envelope 는 파싱된 ICAP 요청의 바깥쪽 프레이밍입니다.
// 커넥션/요청 단위로 새로 만들어지고 응답 후 폐기됩니다.
type Envelope struct {
	Method  Method
	URI     string
	Version string
	Headers []string // 원본 헤더 라인 (terminator 제거됨)

	// Preview 는 Preview 헤더 값입니다. 음수이면 preview 미협상입니다.
	Preview int

	// Encapsulated 는 Encapsulated 헤더에서 파싱한 세그먼트 목록입니다.
	Encapsulated []Segment
}

// HeaderSegment 는 req-hdr 세그먼트를 반환합니다. 없으면 ok=false 입니다.
func (e *Envelope) HeaderSegment() (Segment, bool) { return e.findSegment("req-hdr") }

// BodySegment 는 req-body 세그먼트를 반환합니다. 없으면 ok=false 입니다.
func (e *Envelope) BodySegment() (Segment, bool) { return e.findSegment("req-body") }

// HasNullBody 는 null-body 세그먼트가 선언되었는지 여부입니다.
func (e *Envelope) HasNullBody() bool {
	_, ok := e.findSegment("null-body")
	return ok
}

func (e *Envelope) findSegment(name string) (Segment, bool) {
	for _, s := range e.Encapsulated {
		if s.Name == name {
			return s, true
		}
	}
	return Segment{}, false
}

// maxEnvelopeHeaders 는 envelope 헤더 수 상한입니다.
const maxEnvelopeHeaders = 100

// parseEnvelope 는 lineReader 에서 ICAP 요청 라인과 헤더 블록을 읽어
// Envelope 를 구성합니다. 구문 오류는 ErrMalformedEnvelope 로,
// 헤더 수 초과는 ErrResourceExhausted 로 실패합니다.
//
// 첫 라인을 전혀 읽지 못한 경우(io.EOF 등)는 에러를 그대로 전파하므로
// 호출 측에서 조용한 커넥션 종료와 구분할 수 있습니다.
func parseEnvelope(lr *lineReader) (*Envelope, error) {
	requestLine, err := lr.ReadLine()
	if err != nil {
		return nil, err
	}

	parts := strings.Fields(requestLine)
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: request line %q", ErrMalformedEnvelope, requestLine)
	}

	env := &Envelope{
		Method:  Method(parts[0]),
		URI:     parts[1],
		Version: parts[2],
		Preview: -1,
	}

	for {
		if len(env.Headers) >= maxEnvelopeHeaders {
			return nil, fmt.Errorf("%w: more than %d envelope headers", ErrResourceExhausted, maxEnvelopeHeaders)
		}

		line, err := lr.ReadLine()
		if err != nil {
			if errors.Is(err, ErrResourceExhausted) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: headers not terminated: %v", ErrMalformedEnvelope, err)
		}
		if line == "" {
			break
		}
		env.Headers = append(env.Headers, line)

		name, value, ok := splitHeader(line)
		if !ok {
			continue
		}
		switch strings.ToLower(name) {
		case "preview":
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 0 {
				return nil, fmt.Errorf("%w: preview %q", ErrMalformedEnvelope, value)
			}
			env.Preview = n
		case "encapsulated":
			segs, err := parseEncapsulated(value)
			if err != nil {
				return nil, err
			}
			env.Encapsulated = segs
		}
	}

	return env, nil
}

// splitHeader 는 "Name: value" 형태의 헤더 라인을 분해합니다.
func splitHeader(line string) (name, value string, ok bool) {
	i := strings.Index(line, ":")
	if i <= 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:]), true
}

// parseEncapsulated 는 "req-hdr=0, req-body=170" 형태의 값을 세그먼트 목록으로 파싱합니다.
// 오프셋이 감소하면 ErrMalformedEnvelope 입니다.
func parseEncapsulated(value string) ([]Segment, error) {
	var segs []Segment
	prev := -1
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		eq := strings.Index(part, "=")
		if eq <= 0 {
			return nil, fmt.Errorf("%w: encapsulated entry %q", ErrMalformedEnvelope, part)
		}
		name := strings.TrimSpace(part[:eq])
		offset, err := strconv.Atoi(strings.TrimSpace(part[eq+1:]))
		if err != nil || offset < 0 {
			return nil, fmt.Errorf("%w: encapsulated offset %q", ErrMalformedEnvelope, part)
		}
		if offset < prev {
			return nil, fmt.Errorf("%w: encapsulated offsets must not decrease (%q)", ErrMalformedEnvelope, value)
		}
		prev = offset
		segs = append(segs, Segment{Name: name, Offset: offset})
	}
	if len(segs) == 0 {
		return nil, fmt.Errorf("%w: empty encapsulated value %q", ErrMalformedEnvelope, value)
	}
	return segs, nil
}
