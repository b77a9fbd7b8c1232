package detok

import (
	"context"
	"errors"
	"testing"

	"github.com/tokenshield/tokengate/internal/config"
	"github.com/tokenshield/tokengate/internal/logging"
)

type mapResolver struct {
	values map[string]string
	err    error
	calls  int
}

func (m *mapResolver) Resolve(_ context.Context, token string) (string, bool, error) {
	m.calls++
	if m.err != nil {
		return "", false, m.err
	}
	v, ok := m.values[token]
	return v, ok, nil
}

func newTestEngine(values map[string]string) *Engine {
	return NewEngine(logging.NewNopLogger(), &mapResolver{values: values}, config.DefaultPolicy())
}

func TestRewriteResolvesToken(t *testing.T) {
	e := newTestEngine(map[string]string{"tok_abc123": "4111111111111111"})

	out, modified, err := e.Rewrite(context.Background(), "application/json", []byte(`{"card":"tok_abc123","amount":100}`))
	if err != nil {
		t.Fatal(err)
	}
	if !modified {
		t.Fatal("expected modification")
	}
	want := `{"card":"4111111111111111","amount":100}`
	if string(out) != want {
		t.Errorf("got %q, want %q", out, want)
	}
}

func TestRewriteNestedOrderPreserved(t *testing.T) {
	e := newTestEngine(map[string]string{
		"tok_x": "4111111111111111",
		"tok_y": "5500005555555559",
	})

	in := `{"z":{"items":[{"pan":"tok_x","cvv":"123"},{"pan":"tok_y"}]},"a":"last"}`
	out, modified, err := e.Rewrite(context.Background(), "application/json", []byte(in))
	if err != nil {
		t.Fatal(err)
	}
	if !modified {
		t.Fatal("expected modification")
	}
	// Keys keep their original order even though "z" sorts after "a".
	want := `{"z":{"items":[{"pan":"4111111111111111","cvv":"123"},{"pan":"5500005555555559"}]},"a":"last"}`
	if string(out) != want {
		t.Errorf("got %q, want %q", out, want)
	}
}

func TestRewriteIdempotent(t *testing.T) {
	e := newTestEngine(map[string]string{"tok_abc123": "4111111111111111"})

	once, modified, err := e.Rewrite(context.Background(), "application/json", []byte(`{"card":"tok_abc123"}`))
	if err != nil || !modified {
		t.Fatalf("first pass: modified=%v err=%v", modified, err)
	}
	twice, modified, err := e.Rewrite(context.Background(), "application/json", once)
	if err != nil {
		t.Fatal(err)
	}
	if modified {
		t.Error("second pass reported a modification")
	}
	if string(twice) != string(once) {
		t.Errorf("second pass changed the body: %q -> %q", once, twice)
	}
}

func TestRewriteNotFoundLeavesTokenIntact(t *testing.T) {
	e := newTestEngine(map[string]string{"tok_known": "4111111111111111"})

	in := `{"a":"tok_unknown","b":"tok_known"}`
	out, modified, err := e.Rewrite(context.Background(), "application/json", []byte(in))
	if err != nil {
		t.Fatal(err)
	}
	if !modified {
		t.Fatal("expected modification for the known token")
	}
	want := `{"a":"tok_unknown","b":"4111111111111111"}`
	if string(out) != want {
		t.Errorf("got %q, want %q", out, want)
	}
}

func TestRewriteBypass(t *testing.T) {
	e := newTestEngine(map[string]string{"tok_abc123": "4111111111111111"})

	cases := []struct {
		name        string
		contentType string
		body        string
	}{
		{"non-json content type", "text/plain", `{"card":"tok_abc123"}`},
		{"empty body", "application/json", ""},
		{"invalid json", "application/json", `{"card":"tok_abc123"`},
		{"no tokens", "application/json", `{"card":"4111"}`},
		{"scalar string root", "application/json", `"tok_abc123"`},
		{"empty object key", "application/json", `{"":"tok_abc123"}`},
		{"nested empty object key", "application/json", `{"a":{"":"tok_abc123"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, modified, err := e.Rewrite(context.Background(), tc.contentType, []byte(tc.body))
			if err != nil {
				t.Fatal(err)
			}
			if modified {
				t.Error("expected no modification")
			}
			if string(out) != tc.body {
				t.Errorf("body changed: %q -> %q", tc.body, out)
			}
		})
	}
}

func TestRewriteFailOpen(t *testing.T) {
	r := &mapResolver{err: errors.New("connection refused")}
	e := NewEngine(logging.NewNopLogger(), r, config.DefaultPolicy())

	in := `{"card":"tok_abc123"}`
	out, modified, err := e.Rewrite(context.Background(), "application/json", []byte(in))
	if err != nil {
		t.Fatalf("fail-open must not surface resolver errors, got %v", err)
	}
	if modified {
		t.Error("expected no modification")
	}
	if string(out) != in {
		t.Errorf("body changed: %q", out)
	}
}

func TestRewriteFailClosed(t *testing.T) {
	policy := config.DefaultPolicy()
	policy.FailClosed = true
	r := &mapResolver{err: errors.New("connection refused")}
	e := NewEngine(logging.NewNopLogger(), r, policy)

	_, _, err := e.Rewrite(context.Background(), "application/json", []byte(`{"card":"tok_abc123"}`))
	if !errors.Is(err, ErrResolverUnavailable) {
		t.Errorf("got %v, want ErrResolverUnavailable", err)
	}
}

func TestRewriteSkipsResolverWhenNoTokens(t *testing.T) {
	r := &mapResolver{}
	e := NewEngine(logging.NewNopLogger(), r, config.DefaultPolicy())

	if _, _, err := e.Rewrite(context.Background(), "application/json", []byte(`{"card":"4111","n":7}`)); err != nil {
		t.Fatal(err)
	}
	if r.calls != 0 {
		t.Errorf("resolver called %d times for a token-free body", r.calls)
	}
}

func TestEligible(t *testing.T) {
	e := newTestEngine(nil)

	cases := []struct {
		contentType string
		want        bool
	}{
		{"application/json", true},
		{"application/json; charset=utf-8", true},
		{"Application/JSON", true},
		{"text/json", true},
		{"text/plain", false},
		{"application/xml", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := e.Eligible(tc.contentType); got != tc.want {
			t.Errorf("Eligible(%q) = %v, want %v", tc.contentType, got, tc.want)
		}
	}
}

func TestFirstToken(t *testing.T) {
	cases := []struct {
		in     string
		maxLen int
		want   string
		ok     bool
	}{
		{"tok_abc123", 0, "tok_abc123", true},
		{"prefix tok_a suffix", 0, "tok_a", true},
		{"tok_a and tok_b", 0, "tok_a", true},
		{"tok_UPPER_lower_09", 0, "tok_UPPER_lower_09", true},
		{"tok_with-dash", 0, "tok_with", true},
		{"tok_", 0, "", false},
		{"TOK_abc", 0, "", false},
		{"no tokens here", 0, "", false},
		{"tok_abcdefgh", 8, "", false},
	}
	for _, tc := range cases {
		got, ok := firstToken(tc.in, tc.maxLen)
		if got != tc.want || ok != tc.ok {
			t.Errorf("firstToken(%q, %d) = (%q, %v), want (%q, %v)", tc.in, tc.maxLen, got, ok, tc.want, tc.ok)
		}
	}
}
