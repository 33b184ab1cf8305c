package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
)

var warnOnce sync.Once

// APIKey returns the bearer key callers must present to the gateway.
func APIKey() string {
	if v := strings.TrimSpace(os.Getenv("SCRIPTSTREAM_API_KEY")); v != "" {
		return v
	}
	warnOnce.Do(func() {
		slog.Warn("SCRIPTSTREAM_API_KEY is not set, using insecure default \"dev\"; set a strong key in production")
	})
	return "dev"
}

// VerifyRequest checks the gateway Authorization header against APIKey.
func VerifyRequest(r *http.Request) error {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return errors.New("authentication required")
	}
	token := strings.TrimSpace(header[7:])
	if token == "" {
		return errors.New("authentication required")
	}
	if token != APIKey() {
		return errors.New("invalid credentials")
	}
	return nil
}

// TokenSource produces the current bearer token for the generative upstream.
// Credential lifecycle (login, refresh) lives behind this interface; the
// engine only asks for a token at the start of each attempt.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenSource returns the same token forever.
type StaticTokenSource string

func (s StaticTokenSource) Token(context.Context) (string, error) {
	if s == "" {
		return "", errors.New("auth: empty static token")
	}
	return string(s), nil
}

// EnvTokenSource reads SCRIPTSTREAM_UPSTREAM_TOKEN on every call, so a token
// rotated on disk/env is picked up by the next attempt.
type EnvTokenSource struct{}

func (EnvTokenSource) Token(context.Context) (string, error) {
	v := strings.TrimSpace(os.Getenv("SCRIPTSTREAM_UPSTREAM_TOKEN"))
	if v == "" {
		return "", errors.New("auth: SCRIPTSTREAM_UPSTREAM_TOKEN is not set")
	}
	return v, nil
}
