// Package identity provides anonymous per-device identity and the moderator
// display name for each request.
package identity

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/open-dialogue/internal/domain"
)

const (
	AnonCookieName      = "od_anon_id"
	ModeratorHeaderName = "X-Moderator-Name"
	ModeratorQueryParam = "moderator"
	AdminPasswordHeader = "X-Admin-Password"
	DefaultAdminName    = "admin"
	anonCookieMaxAge    = 30 * 24 * time.Hour
)

type contextKey int

const (
	deviceIDKey contextKey = iota
	moderatorKey
)

var anonIDPattern = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)

// DeviceIDFromContext extracts the anonymous device ID from the request context.
func DeviceIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(deviceIDKey).(string); ok {
		return v
	}
	return ""
}

// ModeratorFromContext extracts the sanitized moderator display name. It is
// empty when the request carried none.
func ModeratorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(moderatorKey).(string); ok {
		return v
	}
	return ""
}

// WithModerator returns a context carrying the moderator name.
func WithModerator(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, moderatorKey, name)
}

// IsAdmin reports whether the moderator name matches the configured admin
// name, ignoring case.
func IsAdmin(name, admin string) bool {
	if admin == "" {
		admin = DefaultAdminName
	}
	name = strings.TrimSpace(name)
	return name != "" && strings.EqualFold(name, admin)
}

// Admin is the configured administrator credential.
type Admin struct {
	Name     string
	Password string
}

// Allows reports whether the request names the admin moderator and carries
// the admin password. Without a configured password nobody is admin.
func (a Admin) Allows(r *http.Request) bool {
	if a.Password == "" || !IsAdmin(ModeratorFromContext(r.Context()), a.Name) {
		return false
	}
	got := r.Header.Get(AdminPasswordHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(a.Password)) == 1
}

func generateAnonID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

func isValidAnonID(id string) bool {
	return anonIDPattern.MatchString(id)
}

func setAnonCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(anonCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func getOrCreateAnonID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if c, err := r.Cookie(AnonCookieName); err == nil && isValidAnonID(c.Value) {
		setAnonCookie(w, c.Value, isDev)
		return c.Value, nil
	}

	id, err := generateAnonID()
	if err != nil {
		return "", err
	}
	setAnonCookie(w, id, isDev)
	return id, nil
}

func moderatorFromRequest(r *http.Request) string {
	name := r.Header.Get(ModeratorHeaderName)
	if name == "" {
		name = r.URL.Query().Get(ModeratorQueryParam)
	}
	name, err := domain.SanitizeModeratorName(name)
	if err != nil {
		return ""
	}
	return name
}

// Middleware injects the anonymous device ID and the moderator name.
func Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			deviceID, err := getOrCreateAnonID(w, r, isDev)
			if err != nil {
				http.Error(w, `{"error":"failed to establish anonymous identity"}`, http.StatusInternalServerError)
				return
			}

			ctx := context.WithValue(r.Context(), deviceIDKey, deviceID)
			ctx = WithModerator(ctx, moderatorFromRequest(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP for rate limiting and tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
