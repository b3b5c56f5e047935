package v1

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tinoosan/fable/internal/reqid"
)

func TestRequestIDMiddleware_GeneratesAndEchoes(t *testing.T) {
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	h.ServeHTTP(rr, req)
	got := rr.Header().Get(headerRequestID)
	if got == "" {
		t.Fatalf("expected non-empty %s header", headerRequestID)
	}
}

func TestRequestIDMiddleware_HonorsIncoming(t *testing.T) {
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(headerRequestID, "abc123")
	h.ServeHTTP(rr, req)
	if rr.Header().Get(headerRequestID) != "abc123" {
		t.Fatalf("expected echoed header abc123, got %q", rr.Header().Get(headerRequestID))
	}
}

// Smoke test: ensure middleware injects header and context seen by the handler.
func TestRequestID_PropagatesIntoHandlerContext(t *testing.T) {
	observedHeader := "X-Observed-Request-ID"
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := reqid.From(r.Context()); ok {
			w.Header().Set(observedHeader, id)
		}
		w.WriteHeader(http.StatusOK)
	}))
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(headerRequestID, "abc123")
	h.ServeHTTP(rr, req)
	if rr.Header().Get(headerRequestID) != "abc123" {
		t.Fatalf("expected echoed X-Request-ID header")
	}
	if rr.Header().Get(observedHeader) != "abc123" {
		t.Fatalf("handler did not observe request_id in context; got %q", rr.Header().Get(observedHeader))
	}
}
