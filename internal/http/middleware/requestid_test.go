package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestRequestIDAttachesLoggerToContext(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)

	handler := RequestID(logger)(Trace(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := GetRequestID(r.Context()); got != "req-123" {
			t.Fatalf("expected request id in context, got %q", got)
		}
		zerolog.Ctx(r.Context()).Info().Msg("handling")
		w.WriteHeader(http.StatusAccepted)
	})))

	request := httptest.NewRequest(http.MethodPost, "/v1/jobs", nil)
	request.Header.Set("X-Request-Id", "req-123")
	request.Header.Set("X-Tenant-Id", "shop-1")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if got := recorder.Header().Get("X-Request-Id"); got != "req-123" {
		t.Fatalf("expected echoed request id, got %q", got)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected handler and trace log lines, got %q", buf.String())
	}
	for _, line := range lines {
		if !strings.Contains(line, `"request_id":"req-123"`) || !strings.Contains(line, `"tenant_id":"shop-1"`) {
			t.Fatalf("expected request fields on every line, got %s", line)
		}
	}
	if !strings.Contains(lines[1], `"status":202`) {
		t.Fatalf("expected trace line with status, got %s", lines[1])
	}
}

func TestRequestIDReplacesMissingOrOversizedIDs(t *testing.T) {
	var seen []string
	handler := RequestID(zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, GetRequestID(r.Context()))
	}))

	for _, incoming := range []string{"", strings.Repeat("a", maxRequestIDLength+1)} {
		request := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		request.Header.Set("X-Request-Id", incoming)
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, request)

		generated := recorder.Header().Get("X-Request-Id")
		if len(generated) != 36 || generated == incoming {
			t.Fatalf("expected a generated uuid, got %q", generated)
		}
	}
	if len(seen) != 2 || seen[0] == seen[1] {
		t.Fatalf("expected two distinct ids, got %v", seen)
	}
}
