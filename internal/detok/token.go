package detok

import "regexp"

// TokenPrefix 는 placeholder 토큰의 고정 prefix 입니다. 대소문자를 구분합니다.
const TokenPrefix = "tok_"

// tokenPattern 은 토큰 문법입니다: 고정 prefix 뒤에
// 알파벳/숫자/언더스코어가 1개 이상 이어집니다.
var tokenPattern = regexp.MustCompile(`tok_[A-Za-z0-9_]+`)

// firstToken 은 s 안에서 토큰 문법에 맞는 첫 번째 substring 을 반환합니다.
// 한 leaf 값에는 토큰이 최대 하나라는 도메인 가정에 따라 첫 매치만 봅니다.
// maxLen 을 넘는 매치는 토큰으로 취급하지 않습니다(메모리 상한).
func firstToken(s string, maxLen int) (string, bool) {
	loc := tokenPattern.FindStringIndex(s)
	if loc == nil {
		return "", false
	}
	tok := s[loc[0]:loc[1]]
	if maxLen > 0 && len(tok) > maxLen {
		return "", false
	}
	return tok, true
}
