package icap

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestBuildNoModification(t *testing.T) {
	resp := string(buildNoModification(`"TS001"`))

	if !strings.HasPrefix(resp, "ICAP/1.0 204 No Content\r\n") {
		t.Errorf("status line wrong: %q", resp)
	}
	if !strings.Contains(resp, "ISTag: \"TS001\"\r\n") {
		t.Error("missing ISTag header")
	}
	if !strings.Contains(resp, "Encapsulated: null-body=0\r\n") {
		t.Error("missing null-body encapsulated header")
	}
	if !strings.HasSuffix(resp, "\r\n\r\n") {
		t.Error("headers not terminated")
	}
	// 204 must not carry an encapsulated body.
	if i := strings.Index(resp, "\r\n\r\n"); i != len(resp)-4 {
		t.Error("unexpected bytes after header terminator")
	}
}

func TestBuildOptionsResponse(t *testing.T) {
	resp := string(buildOptionsResponse(`"TS001"`, 100, 3600*time.Second))

	for _, want := range []string{
		"ICAP/1.0 200 OK\r\n",
		"Methods: REQMOD\r\n",
		"Service: TokenShield ICAP Server\r\n",
		"ISTag: \"TS001\"\r\n",
		"Encapsulated: null-body=0\r\n",
		"Max-Connections: 100\r\n",
		"Options-TTL: 3600\r\n",
		"Allow: 204\r\n",
		"Preview: 0\r\n",
	} {
		if !strings.Contains(resp, want) {
			t.Errorf("missing %q in OPTIONS response", want)
		}
	}
}

func TestBuildModified(t *testing.T) {
	sub := &SubMessage{
		Method:  "POST",
		URI:     "/pay",
		Version: "HTTP/1.1",
		Headers: []string{
			"Host: payment-gateway:9000",
			"Content-Type: application/json",
			"Content-Length: 22",
		},
	}
	newBody := []byte(`{"card":"4111111111111111"}`)

	wire := buildModified(sub, newBody, `"TS001"`)
	resp := string(wire)

	if !strings.HasPrefix(resp, "ICAP/1.0 200 OK\r\n") {
		t.Fatalf("status line wrong: %q", resp[:40])
	}

	// Split ICAP headers from the encapsulated message.
	icapEnd := strings.Index(resp, "\r\n\r\n")
	if icapEnd < 0 {
		t.Fatal("no ICAP header terminator")
	}
	icapHeaders := resp[:icapEnd+4]
	encapsulated := wire[icapEnd+4:]

	// The declared req-body offset must equal the materialized header block length.
	var bodyOffset int
	if _, err := fmt.Sscanf(findHeader(t, icapHeaders, "Encapsulated"), "req-hdr=0, req-body=%d", &bodyOffset); err != nil {
		t.Fatalf("bad Encapsulated value: %v", err)
	}
	hdrBlock := encapsulated[:bodyOffset]
	if !bytes.HasSuffix(hdrBlock, []byte("\r\n\r\n")) {
		t.Errorf("req-body offset %d does not land right after the header terminator", bodyOffset)
	}

	// Request line and untouched headers re-emitted verbatim.
	if !bytes.HasPrefix(hdrBlock, []byte("POST /pay HTTP/1.1\r\n")) {
		t.Error("request line not preserved")
	}
	if !bytes.Contains(hdrBlock, []byte("Host: payment-gateway:9000\r\n")) {
		t.Error("Host header not preserved")
	}
	if !bytes.Contains(hdrBlock, []byte("Content-Type: application/json\r\n")) {
		t.Error("Content-Type header not preserved")
	}

	// Content-Length must equal the exact byte length of the new body,
	// and the stale value must be gone.
	want := fmt.Sprintf("Content-Length: %d\r\n", len(newBody))
	if !bytes.Contains(hdrBlock, []byte(want)) {
		t.Errorf("missing %q in header block %q", want, hdrBlock)
	}
	if bytes.Contains(hdrBlock, []byte("Content-Length: 22")) {
		t.Error("stale Content-Length survived the rewrite")
	}

	// Body is transmitted chunked and decodes back to the new body.
	lr := newLineReader(bytes.NewReader(encapsulated[bodyOffset:]), 0)
	decoded, _, err := readChunkedBody(lr, 1<<20)
	if err != nil {
		t.Fatalf("body is not valid chunked encoding: %v", err)
	}
	if !bytes.Equal(decoded, newBody) {
		t.Errorf("decoded body = %q, want %q", decoded, newBody)
	}
}

func TestBuildModifiedAppendsContentLength(t *testing.T) {
	sub := &SubMessage{
		Method:  "POST",
		URI:     "/pay",
		Version: "HTTP/1.1",
		Headers: []string{"Host: h"},
	}
	body := []byte(`{}`)

	wire := string(buildModified(sub, body, `"TS001"`))
	if !strings.Contains(wire, "Content-Length: 2\r\n") {
		t.Error("Content-Length not appended when the original had none")
	}
}

// findHeader returns the value of the named header inside a raw header block.
func findHeader(t *testing.T, block, name string) string {
	t.Helper()
	for _, line := range strings.Split(block, "\r\n") {
		n, v, ok := splitHeader(line)
		if ok && strings.EqualFold(n, name) {
			return v
		}
	}
	t.Fatalf("header %s not found in %q", name, block)
	return ""
}
