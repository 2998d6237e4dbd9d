package store

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/roach88/lattice/internal/backend"
)

// Connect builds a connected Store from a URL:
//
//	memory://            in-process map, lost on Close
//	sqlite:///file.db    SQLite file, relative to the working directory
//	sqlite:////abs.db    SQLite file, absolute path
//	sqlite:///:memory:   private in-memory SQLite database (also sqlite://)
//	bolt:///file.db      bbolt file
//
// postgres, postgresql and etcd are reserved and return a
// NotImplementedError. Anything else returns a ConfigError.
func Connect(ctx context.Context, rawURL string, opts ...Option) (*Store, error) {
	b, err := OpenBackend(rawURL)
	if err != nil {
		return nil, err
	}
	if err := b.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect %s: %w", rawURL, err)
	}
	return New(b, opts...), nil
}

// OpenBackend parses rawURL and returns the matching unconnected backend.
func OpenBackend(rawURL string) (backend.Backend, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &ConfigError{URL: rawURL, Detail: err.Error()}
	}

	switch strings.ToLower(u.Scheme) {
	case "memory":
		return backend.NewMemory(), nil

	case "sqlite":
		return backend.NewSQLite(filePath(u)), nil

	case "bolt":
		p := filePath(u)
		if p == "" || p == backend.MemoryPath {
			return nil, &ConfigError{URL: rawURL, Detail: "bolt requires a file path"}
		}
		return backend.NewBolt(p), nil

	case "postgres", "postgresql":
		return nil, &NotImplementedError{Scheme: "PostgreSQL"}

	case "etcd":
		return nil, &NotImplementedError{Scheme: "etcd"}

	case "":
		return nil, &ConfigError{URL: rawURL, Detail: "missing scheme"}

	default:
		return nil, &ConfigError{URL: rawURL, Detail: fmt.Sprintf("unknown storage scheme %q", u.Scheme)}
	}
}

// filePath extracts the file location: the host (if any) joined with the
// path, minus one leading slash. sqlite:///data/x.db yields data/x.db.
func filePath(u *url.URL) string {
	if u.Opaque != "" {
		return u.Opaque
	}
	return strings.TrimPrefix(u.Host+u.Path, "/")
}
