package icap

import (
	"bytes"
	"fmt"
	"strings"
	"time"
)

const httpTimeLayout = "Mon, 02 Jan 2006 15:04:05 GMT"

// wireBuilder 는 응답 와이어 바이트를 세그먼트 단위로 쌓는 빌더입니다.
// 오프셋은 별도로 추적하지 않고 이미 materialize 된 세그먼트의 길이만 사용합니다.
type wireBuilder struct {
	buf bytes.Buffer
}

func (b *wireBuilder) statusLine(version string, code int, reason string) {
	fmt.Fprintf(&b.buf, "%s %d %s\r\n", version, code, reason)
}

func (b *wireBuilder) header(name, value string) {
	fmt.Fprintf(&b.buf, "%s: %s\r\n", name, value)
}

func (b *wireBuilder) rawLine(line string) {
	b.buf.WriteString(line)
	b.buf.WriteString("\r\n")
}

func (b *wireBuilder) endHeaders() {
	b.buf.WriteString("\r\n")
}

func (b *wireBuilder) bytes() []byte { return b.buf.Bytes() }
func (b *wireBuilder) len() int      { return b.buf.Len() }

// buildOptionsResponse 는 OPTIONS(capability discovery) 응답을 만듭니다.
// maxConns 는 설정된 동시 커넥션 상한을 그대로 광고합니다.
func buildOptionsResponse(istag string, maxConns int, optionsTTL time.Duration) []byte {
	var b wireBuilder
	b.statusLine("ICAP/1.0", 200, "OK")
	b.header("Date", time.Now().UTC().Format(httpTimeLayout))
	b.header("Methods", "REQMOD")
	b.header("Service", "TokenShield ICAP Server")
	b.header("ISTag", istag)
	b.header("Encapsulated", "null-body=0")
	b.header("Max-Connections", fmt.Sprintf("%d", maxConns))
	b.header("Options-TTL", fmt.Sprintf("%d", int(optionsTTL.Seconds())))
	b.header("Allow", "204")
	b.header("Preview", "0")
	b.header("Transfer-Complete", "*")
	b.endHeaders()
	return b.bytes()
}

// buildNoModification 은 "수정 없음"(204) 응답을 만듭니다. encapsulated body 없음.
func buildNoModification(istag string) []byte {
	var b wireBuilder
	b.statusLine("ICAP/1.0", 204, "No Content")
	b.header("Date", time.Now().UTC().Format(httpTimeLayout))
	b.header("ISTag", istag)
	b.header("Connection", "keep-alive")
	b.header("Encapsulated", "null-body=0")
	b.endHeaders()
	return b.bytes()
}

// buildRejection 은 405/400/500 등의 거부 응답을 만듭니다.
func buildRejection(code int, reason string) []byte {
	var b wireBuilder
	b.statusLine("ICAP/1.0", code, reason)
	b.header("Date", time.Now().UTC().Format(httpTimeLayout))
	b.header("Encapsulated", "null-body=0")
	b.endHeaders()
	return b.bytes()
}

// buildModified 는 수정된 body 를 반영한 REQMOD 200 응답 전체 와이어 바이트를 만듭니다.
//
// encapsulated HTTP 요청은 (original sub-message, new body) 의 순수 함수입니다:
// 요청 라인과 헤더는 원본 그대로, Content-Length 만 새 body 길이로 교체합니다.
// Encapsulated 의 req-body 오프셋은 materialize 된 헤더 블록 길이에서 계산하며,
// Content-Length 값과 실제 전송 바이트 수는 bodyLen 하나에서만 파생됩니다.
func buildModified(sub *SubMessage, newBody []byte, istag string) []byte {
	bodyLen := len(newBody)

	// 1. encapsulated HTTP 헤더 블록
	var hdr wireBuilder
	hdr.rawLine(fmt.Sprintf("%s %s %s", sub.Method, sub.URI, sub.Version))
	replaced := false
	for _, line := range sub.Headers {
		name, _, ok := splitHeader(line)
		if ok && strings.EqualFold(name, "Content-Length") {
			hdr.header("Content-Length", fmt.Sprintf("%d", bodyLen))
			replaced = true
			continue
		}
		hdr.rawLine(line)
	}
	if !replaced {
		hdr.header("Content-Length", fmt.Sprintf("%d", bodyLen))
	}
	hdr.endHeaders()

	// 2. ICAP envelope + encapsulated 메시지
	var out wireBuilder
	out.statusLine("ICAP/1.0", 200, "OK")
	out.header("Date", time.Now().UTC().Format(httpTimeLayout))
	out.header("ISTag", istag)
	out.header("Connection", "keep-alive")
	out.header("Encapsulated", fmt.Sprintf("req-hdr=0, req-body=%d", hdr.len()))
	out.endHeaders()
	out.buf.Write(hdr.bytes())
	_ = writeChunkedBody(&out.buf, newBody)

	return out.bytes()
}
