package icap

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// encapsulated body 는 ICAP 규약상 HTTP chunked 인코딩으로 실려 옵니다.
// 일부 오래된 클라이언트는 바디를 raw 로 보내므로, 첫 라인이 chunk 크기로
// 해석되지 않으면 "커넥션이 더 주지 않을 때까지" raw 로 읽는 fallback 을 둡니다.

// looksChunked 는 버퍼 선두가 hex chunk 크기 라인으로 시작하는지 검사합니다.
// 최소 1바이트만 기다린 뒤 이미 버퍼에 도착한 범위 안에서 판별합니다.
// 더 긴 Peek 은 preview 처럼 바디가 잘려 오는 경우 read deadline 까지 멈춥니다.
func looksChunked(lr *lineReader) bool {
	if _, err := lr.r.Peek(1); err != nil {
		return false
	}
	n := lr.r.Buffered()
	if n > 18 {
		n = 18
	}
	peek, _ := lr.r.Peek(n)

	i := 0
	for i < len(peek) && isHexDigit(peek[i]) {
		i++
	}
	if i == 0 {
		return false
	}
	if i == len(peek) {
		// 크기 라인이 아직 다 도착하지 않음. hex 로만 시작하는 raw JSON 바디는
		// 사실상 없으므로 chunked 로 판별합니다.
		return true
	}
	// 크기 뒤에는 확장(;ieof 등) 또는 CRLF 만 올 수 있습니다.
	if i < len(peek) && (peek[i] == ';' || peek[i] == '\r' || peek[i] == '\n') {
		return true
	}
	return false
}

func isHexDigit(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F')
}

// readChunkedBody 는 zero chunk 를 만날 때까지 chunk 들을 읽어 이어 붙입니다.
// preview 종료를 나타내는 "0; ieof" 확장을 만나면 sawIEOF=true 를 반환합니다.
// 누적 크기가 limit 을 넘으면 ErrResourceExhausted 입니다.
func readChunkedBody(lr *lineReader, limit int) (body []byte, sawIEOF bool, err error) {
	for {
		sizeLine, err := lr.ReadLine()
		if err != nil {
			return nil, false, fmt.Errorf("%w: chunk size: %v", ErrMalformedSubMessage, err)
		}

		ext := ""
		if i := strings.Index(sizeLine, ";"); i >= 0 {
			ext = sizeLine[i+1:]
			sizeLine = sizeLine[:i]
		}
		size, perr := strconv.ParseInt(strings.TrimSpace(sizeLine), 16, 64)
		if perr != nil || size < 0 {
			return nil, false, fmt.Errorf("%w: chunk size %q", ErrMalformedSubMessage, sizeLine)
		}

		if size == 0 {
			if strings.Contains(strings.ToLower(ext), "ieof") {
				sawIEOF = true
			}
			// trailer 는 지원하지 않습니다: 빈 라인이 나올 때까지 버립니다.
			for {
				l, err := lr.ReadLine()
				if err != nil || l == "" {
					break
				}
			}
			return body, sawIEOF, nil
		}

		// int 변환이나 덧셈 전에 int64 로 검사합니다. 거대한 크기 값이
		// 오버플로로 음수가 되어 상한을 우회하면 안 됩니다.
		if size > int64(limit-len(body)) {
			return nil, false, fmt.Errorf("%w: chunked body exceeds %d bytes", ErrResourceExhausted, limit)
		}

		data, rerr := lr.ReadFull(int(size))
		if rerr != nil {
			return nil, false, fmt.Errorf("%w: chunk data: %v", ErrMalformedSubMessage, rerr)
		}
		body = append(body, data...)

		// chunk 데이터 뒤 CRLF 소비
		if _, err := lr.ReadLine(); err != nil {
			return nil, false, fmt.Errorf("%w: chunk terminator: %v", ErrMalformedSubMessage, err)
		}
	}
}

// writeChunkedBody 는 body 를 chunked 인코딩으로 기록합니다.
// 빈 body 는 zero chunk 만 기록합니다.
func writeChunkedBody(w io.Writer, body []byte) error {
	if len(body) > 0 {
		if _, err := fmt.Fprintf(w, "%x\r\n", len(body)); err != nil {
			return err
		}
		if _, err := w.Write(body); err != nil {
			return err
		}
		if _, err := io.WriteString(w, "\r\n"); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "0\r\n\r\n")
	return err
}
