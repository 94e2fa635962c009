package imagestore

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
)

type StoreFactory func(dsn string) (Store, error)

var storeFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]StoreFactory
}{
	factories: map[string]StoreFactory{},
}

// RegisterStoreFactory lets callers plug in a backend for a DSN scheme. A
// registered factory takes precedence over the built in backends.
func RegisterStoreFactory(scheme string, factory StoreFactory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	storeFactoryRegistry.mu.Lock()
	defer storeFactoryRegistry.mu.Unlock()
	storeFactoryRegistry.factories[scheme] = factory
}

func lookupStoreFactory(scheme string) (StoreFactory, bool) {
	storeFactoryRegistry.mu.RLock()
	defer storeFactoryRegistry.mu.RUnlock()
	factory, ok := storeFactoryRegistry.factories[scheme]
	return factory, ok
}

// BuildStoreFromDSN accepts a directory path, file://, memory:// or
// s3://ACCESS:SECRET@endpoint/bucket?region=..&ssl=true.
func BuildStoreFromDSN(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path := dsn
		if scheme != "" {
			path = parsed.Path
			if path == "" {
				path = parsed.Opaque
			}
		}
		return NewFileStore(path)
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "s3", "minio":
		return buildS3Store(parsed)
	default:
		return nil, fmt.Errorf("unsupported image store scheme: %s", scheme)
	}
}

func buildS3Store(parsed *url.URL) (Store, error) {
	cfg := S3Config{
		Endpoint: parsed.Host,
		Bucket:   strings.Trim(parsed.Path, "/"),
		Region:   parsed.Query().Get("region"),
	}
	if parsed.User != nil {
		cfg.AccessKey = parsed.User.Username()
		cfg.SecretKey, _ = parsed.User.Password()
	}
	if raw := parsed.Query().Get("ssl"); raw != "" {
		useSSL, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: ssl=%q", ErrInvalidInput, raw)
		}
		cfg.UseSSL = useSSL
	}
	return NewS3Store(cfg)
}
