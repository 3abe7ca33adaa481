package identity

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMiddlewareIssuesCookieAndModerator(t *testing.T) {
	t.Parallel()

	var gotDevice, gotModerator string
	h := Middleware(true)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		gotDevice = DeviceIDFromContext(r.Context())
		gotModerator = ModeratorFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	req.Header.Set(ModeratorHeaderName, "  Marguerite-Anne Duval ")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if !isValidAnonID(gotDevice) {
		t.Fatalf("Expected generated anon id, got %q", gotDevice)
	}
	if gotModerator != "Marguerite-Anne" {
		t.Errorf("Expected truncated moderator name, got %q", gotModerator)
	}

	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != AnonCookieName || cookies[0].Value != gotDevice {
		t.Fatalf("Expected %s cookie with device id, got %+v", AnonCookieName, cookies)
	}
}

func TestMiddlewareReusesValidCookie(t *testing.T) {
	t.Parallel()

	existing := "anon_" + strings.Repeat("ab", 16)
	var gotDevice, gotModerator string
	h := Middleware(false)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		gotDevice = DeviceIDFromContext(r.Context())
		gotModerator = ModeratorFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/ws/conversations/x?moderator=Ana", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: existing})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if gotDevice != existing {
		t.Errorf("Expected %q, got %q", existing, gotDevice)
	}
	if gotModerator != "Ana" {
		t.Errorf("Expected moderator from query, got %q", gotModerator)
	}
	if c := w.Result().Cookies(); len(c) != 1 || !c[0].Secure {
		t.Errorf("Expected secure cookie outside dev, got %+v", c)
	}
}

func TestMiddlewareBlankModerator(t *testing.T) {
	t.Parallel()

	gotModerator := "unset"
	h := Middleware(true)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		gotModerator = ModeratorFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(ModeratorHeaderName, "   ")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if gotModerator != "" {
		t.Errorf("Expected empty moderator, got %q", gotModerator)
	}
}

func TestIsAdmin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name, admin string
		want        bool
	}{
		{"admin", "", true},
		{"ADMIN", "", true},
		{" Admin ", "admin", true},
		{"Ana", "", false},
		{"", "", false},
		{"ana", "Ana", true},
	}
	for _, tt := range tests {
		if got := IsAdmin(tt.name, tt.admin); got != tt.want {
			t.Errorf("IsAdmin(%q, %q) = %v, want %v", tt.name, tt.admin, got, tt.want)
		}
	}
}

func TestAdminAllows(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		admin     Admin
		moderator string
		password  string
		want      bool
	}{
		{"name and password", Admin{Name: "admin", Password: "s3cret"}, "Admin", "s3cret", true},
		{"spoofed name without password", Admin{Name: "admin", Password: "s3cret"}, "admin", "", false},
		{"wrong password", Admin{Name: "admin", Password: "s3cret"}, "admin", "s3cre", false},
		{"password with other name", Admin{Name: "admin", Password: "s3cret"}, "Ana", "s3cret", false},
		{"no password configured", Admin{Name: "admin"}, "admin", "", false},
		{"default admin name", Admin{Password: "s3cret"}, "admin", "s3cret", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodDelete, "/api/conversations/c1", nil)
			if tt.password != "" {
				req.Header.Set(AdminPasswordHeader, tt.password)
			}
			req = req.WithContext(WithModerator(req.Context(), tt.moderator))
			if got := tt.admin.Allows(req); got != tt.want {
				t.Errorf("Allows() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIPFromRequest(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	if got := IPFromRequest(req); got != "10.1.2.3" {
		t.Errorf("Expected 10.1.2.3, got %q", got)
	}
	req.RemoteAddr = "pipe"
	if got := IPFromRequest(req); got != "pipe" {
		t.Errorf("Expected raw addr, got %q", got)
	}
}
