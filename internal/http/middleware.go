package http

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

type contextKey string

const requestMetadataContextKey contextKey = "request_metadata"

// RequestMetadata is the audit information recorded on sessions.
type RequestMetadata struct {
	ClientIP  string
	UserAgent string
}

// ExtractClientIP extracts the client IP address from the request.
// Forwarding headers are only honoured when trustProxy is set: X-Forwarded-For
// first, then X-Real-IP, finally RemoteAddr. Values that are not IP addresses
// are ignored.
func ExtractClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		// Take the first IP in the list (comma-separated)
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := parseIP(first); ip != "" {
				return ip
			}
		}

		if ip := parseIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}

	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		host = h
	}
	return parseIP(host)
}

func parseIP(s string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return ""
	}
	return addr.Unmap().String()
}

// RequestMetadataFromContext returns the metadata stored by RequestMetadataMiddleware.
func RequestMetadataFromContext(ctx context.Context) RequestMetadata {
	md, _ := ctx.Value(requestMetadataContextKey).(RequestMetadata)
	return md
}

// ClientIPFromContext extracts the client IP from the request context.
func ClientIPFromContext(ctx context.Context) string {
	return RequestMetadataFromContext(ctx).ClientIP
}

// RequestMetadataMiddleware stores the client IP and user agent in the request
// context for session creation and audit logging.
func RequestMetadataMiddleware(trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			md := RequestMetadata{
				ClientIP:  ExtractClientIP(r, trustProxy),
				UserAgent: r.UserAgent(),
			}
			ctx := context.WithValue(r.Context(), requestMetadataContextKey, md)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
