package docstore

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildBackendFromDSN accepts a directory path, file://, memory:// or a
// postgres:// connection string. An empty DSN means memory.
func BuildBackendFromDSN(dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryBackend(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "":
		return NewFileBackend(dsn)
	case "file":
		path := parsed.Path
		if path == "" {
			path = parsed.Opaque
		}
		return NewFileBackend(path)
	case "memory", "mem", "inmem":
		return NewMemoryBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresBackend(dsn)
	default:
		return nil, fmt.Errorf("unsupported document store scheme: %s", scheme)
	}
}
