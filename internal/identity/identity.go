// Package identity provides anonymous per-device identity primitives.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"time"

	"github.com/ashureev/caremate/internal/store"
)

const (
	// DeviceCookieName carries the anonymous device id.
	DeviceCookieName = "caremate_device"

	deviceCookieMaxAge = 365 * 24 * time.Hour
)

type contextKey int

const ownerIDKey contextKey = iota

var deviceIDPattern = regexp.MustCompile(`^dev_[a-f0-9]{32}$`)

// OwnerIDFromContext extracts the device owner id from the request context.
func OwnerIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ownerIDKey).(string); ok {
		return v
	}
	return ""
}

// WithOwnerID returns a context carrying ownerID.
func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerIDKey, ownerID)
}

// NewDeviceID returns a random device id.
func NewDeviceID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate device id: %w", err)
	}
	return "dev_" + hex.EncodeToString(buf), nil
}

// IsValidDeviceID reports whether id has the device id shape.
func IsValidDeviceID(id string) bool {
	return deviceIDPattern.MatchString(id)
}

func setDeviceCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     DeviceCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(deviceCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(deviceCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func getOrCreateDeviceID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if c, err := r.Cookie(DeviceCookieName); err == nil && IsValidDeviceID(c.Value) {
		setDeviceCookie(w, c.Value, isDev)
		return c.Value, nil
	}

	id, err := NewDeviceID()
	if err != nil {
		return "", err
	}
	setDeviceCookie(w, id, isDev)
	return id, nil
}

// Middleware injects the anonymous device identity and records the visit.
// A failing device touch is logged; the request still proceeds.
func Middleware(repo store.Repository, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ownerID, err := getOrCreateDeviceID(w, r, isDev)
			if err != nil {
				http.Error(w, `{"error":"failed to establish device identity"}`, http.StatusInternalServerError)
				return
			}

			if err := repo.TouchDevice(r.Context(), ownerID, time.Now()); err != nil {
				slog.Warn("failed to record device visit", "owner_id", ownerID, "error", err)
			}

			next.ServeHTTP(w, r.WithContext(WithOwnerID(r.Context(), ownerID)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
