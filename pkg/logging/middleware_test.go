package logging

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, NewTextFormatter())
	logger.SetLevel(DebugLevel)

	h := RequestIDMiddleware(nil)(HTTPMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if RequestIDFromContext(r.Context()) == "" {
			t.Error("Expected request id in context")
		}
		w.WriteHeader(http.StatusConflict)
	})))

	req := httptest.NewRequest(http.MethodPost, "/comet", strings.NewReader("{}"))
	req.Header.Set("X-Request-ID", "poll-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Header().Get("X-Request-ID") != "poll-1" {
		t.Error("Expected request id echoed in response header")
	}
	output := buf.String()
	if !strings.Contains(output, "Poll request completed") || !strings.Contains(output, "status=409") {
		t.Errorf("Unexpected log output: %s", output)
	}
}
