// Package correlation carries the identifier of a critical-section episode
// through contexts so logs, spans and shared-log entries can be joined.
package correlation

import (
	"context"
	"strings"

	"pkt.systems/pslog"
	"pkt.systems/ramutex/internal/uuidv7"
)

// MaxIDLength bounds accepted identifiers.
const MaxIDLength = 128

type contextKey struct{}

// With returns ctx carrying id. Invalid ids leave ctx unchanged.
func With(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// New attaches a freshly generated id to ctx and returns both.
func New(ctx context.Context) (context.Context, string) {
	id := Generate()
	return With(ctx, id), id
}

// ID returns the identifier stored on ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Logger returns logger annotated with the id carried by ctx.
func Logger(ctx context.Context, logger pslog.Logger) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if id := ID(ctx); id != "" {
		return logger.With("cid", id)
	}
	return logger
}

// Normalize trims id and accepts it when it is non-empty printable ASCII no
// longer than MaxIDLength.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate produces a new time-ordered identifier.
func Generate() string {
	return uuidv7.NewString()
}
