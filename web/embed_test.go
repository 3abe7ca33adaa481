package web

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSPAHandlerServesIndexForConsoleRoutes(t *testing.T) {
	h := SPAHandler()

	for _, path := range []string{"/", "/c/3f1e2d"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, w.Code)
		}
		body, _ := io.ReadAll(w.Body)
		if !strings.Contains(string(body), "Open Dialogue") {
			t.Errorf("%s: expected console page", path)
		}
	}
}

func TestSPAHandlerServesAssets(t *testing.T) {
	w := httptest.NewRecorder()
	SPAHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/app.js", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "javascript") {
		t.Errorf("Expected javascript content type, got %q", ct)
	}
}
