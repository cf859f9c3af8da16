// Package testutil holds helpers shared by the debug route tests.
package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

// LoopbackAddr is the RemoteAddr given to test requests. tsweb only serves
// /debug/ to loopback clients.
const LoopbackAddr = "127.0.0.1:12345"

// NewLocalRequest creates a test request that appears to come from localhost.
func NewLocalRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = LoopbackAddr
	return req
}

// Serve runs req through h and returns the recorded response.
func Serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// AssertStatusCode checks the recorded status, reporting the body on mismatch.
func AssertStatusCode(t testing.TB, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Errorf("status code = %d, want %d; body: %s", w.Code, want, w.Body.String())
	}
}
