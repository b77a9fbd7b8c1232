package icap

import "errors"

// 에러 분류(taxonomy)입니다. 모두 커넥션 단위로만 전파되며,
// 어떤 에러도 프로세스를 중단시키지 않습니다.
var (
	// ErrMalformedEnvelope 는 ICAP envelope(요청 라인/헤더/Encapsulated)
	// 구문이 잘못된 경우입니다.
	ErrMalformedEnvelope = errors.New("icap: malformed envelope")

	// ErrMalformedSubMessage 는 encapsulated HTTP 메시지 구문이 잘못된 경우입니다.
	ErrMalformedSubMessage = errors.New("icap: malformed encapsulated http message")

	// ErrResourceExhausted 는 헤더 수/라인 길이/메시지 크기 상한을 넘은 경우입니다.
	ErrResourceExhausted = errors.New("icap: resource limit exceeded")
)
