package icap

import (
	"bufio"
	"fmt"
	"io"
)

// lineReader 는 커넥션 바이트 스트림을 CRLF 단위 라인 또는
// 고정 길이 바이트 구간으로 잘라서 읽습니다. 프로토콜 의미는 갖지 않습니다.
// 라인 길이가 maxLine 을 넘으면 ErrResourceExhausted 로 실패합니다.
type lineReader struct {
	r        *bufio.Reader
	maxLine  int
	consumed int // 지금까지 읽은 총 바이트 수
}

const defaultMaxLineBytes = 8 * 1024

func newLineReader(r io.Reader, maxLine int) *lineReader {
	if maxLine <= 0 {
		maxLine = defaultMaxLineBytes
	}
	return &lineReader{
		r:       bufio.NewReaderSize(r, 64*1024),
		maxLine: maxLine,
	}
}

// ReadLine 은 CRLF(또는 LF)로 끝나는 한 라인을 terminator 를 제거한 채 반환합니다.
// 라인이 maxLine 을 넘으면 ErrResourceExhausted 를 반환합니다.
func (lr *lineReader) ReadLine() (string, error) {
	var buf []byte
	for {
		b, err := lr.r.ReadByte()
		if err != nil {
			if err == io.EOF && len(buf) > 0 {
				// terminator 없이 스트림이 끝난 경우: 남은 바이트를 한 라인으로 취급
				lr.consumed += len(buf)
				return string(buf), nil
			}
			return "", err
		}
		buf = append(buf, b)
		if len(buf) > lr.maxLine {
			return "", fmt.Errorf("%w: line exceeds %d bytes", ErrResourceExhausted, lr.maxLine)
		}
		if b == '\n' {
			break
		}
	}

	lr.consumed += len(buf)

	// CRLF / LF 제거
	n := len(buf) - 1
	if n > 0 && buf[n-1] == '\r' {
		n--
	}
	return string(buf[:n]), nil
}

// ReadFull 은 정확히 n 바이트를 읽어 반환합니다.
func (lr *lineReader) ReadFull(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative read size %d", ErrMalformedEnvelope, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(lr.r, buf); err != nil {
		return nil, err
	}
	lr.consumed += n
	return buf, nil
}

// ReadRemaining 은 스트림이 더 이상 바이트를 주지 않을 때까지 최대 limit 바이트를 읽습니다.
// body 세그먼트 길이를 알 수 없을 때의 fallback 경로입니다.
func (lr *lineReader) ReadRemaining(limit int) ([]byte, error) {
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, err := lr.r.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			lr.consumed += n
			if len(buf) > limit {
				return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrResourceExhausted, limit)
			}
		}
		if err != nil {
			if err == io.EOF {
				return buf, nil
			}
			return buf, err
		}
	}
}
