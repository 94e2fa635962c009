package config

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultAddr               = ":8080"
	DefaultHostURL            = "http://127.0.0.1:8080"
	DefaultDebounce           = 300 * time.Millisecond
	DefaultCollapseThreshold  = 100
	DefaultHeight             = 400
	DefaultMaxAttachmentBytes = 10 << 20
	DefaultMaxBodyBytes       = 32 << 20
)

// HostConfig configures cmd/relaymd.
type HostConfig struct {
	Addr             string
	DocumentStoreDSN string
	ImageStoreDSN    string
	MirrorDir        string
	JWTSecret        string
	MaxBodyBytes     int64
	RateLimitMax     int
	RateLimitWindow  time.Duration
	OriginPatterns   []string
	ShutdownTimeout  time.Duration
}

// EditorConfig configures cmd/relaymd-mount.
type EditorConfig struct {
	HostURL            string
	DocumentID         string
	Token              string
	Transport          string
	Debounce           time.Duration
	AttachmentsEnabled bool
	CollapseThreshold  int
	Height             int
	OutboxDSN          string
	OutboxSize         int
	MaxAttachmentBytes int64
	LocalFile          string
	DropDir            string
	Timeout            time.Duration
	// PollInterval paces host polling for the http transport. PollJitter
	// spreads it by up to that ratio in either direction.
	PollInterval time.Duration
	PollJitter   float64
}

// LoadDotEnv reads a .env file when one exists. Variables already set in the
// environment win.
func LoadDotEnv(paths ...string) {
	_ = godotenv.Load(paths...)
}

// LoadHost resolves host settings from the environment, then args.
func LoadHost(args []string) (HostConfig, error) {
	profileDocs, profileImages, err := storageProfileDefaultsFromEnv()
	if err != nil {
		return HostConfig{}, err
	}
	fs := flag.NewFlagSet("relaymd", flag.ContinueOnError)
	cfg := HostConfig{}
	fs.StringVar(&cfg.Addr, "addr", envOrDefault("RELAYMD_ADDR", DefaultAddr), "listen address")
	fs.StringVar(&cfg.DocumentStoreDSN, "document-store", firstNonEmpty(strings.TrimSpace(os.Getenv("RELAYMD_DOCUMENT_STORE_DSN")), profileDocs), "document store DSN (memory://, file path, postgres://)")
	fs.StringVar(&cfg.ImageStoreDSN, "image-store", firstNonEmpty(strings.TrimSpace(os.Getenv("RELAYMD_IMAGE_STORE_DSN")), profileImages), "image store DSN (memory://, directory, s3://)")
	fs.StringVar(&cfg.MirrorDir, "mirror-dir", strings.TrimSpace(os.Getenv("RELAYMD_MIRROR_DIR")), "directory mirroring each document as <id>.md")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", os.Getenv("RELAYMD_JWT_SECRET"), "HS256 secret for bearer tokens")
	fs.Int64Var(&cfg.MaxBodyBytes, "max-body-bytes", int64Env("RELAYMD_MAX_BODY_BYTES", DefaultMaxBodyBytes), "request body limit")
	fs.IntVar(&cfg.RateLimitMax, "rate-limit-max", intEnv("RELAYMD_RATE_LIMIT_MAX", 0), "requests per window and client, 0 disables")
	fs.DurationVar(&cfg.RateLimitWindow, "rate-limit-window", durationEnv("RELAYMD_RATE_LIMIT_WINDOW", time.Minute), "rate limit window")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", durationEnv("RELAYMD_SHUTDOWN_TIMEOUT", 10*time.Second), "graceful shutdown timeout")
	origins := fs.String("origins", strings.TrimSpace(os.Getenv("RELAYMD_ORIGINS")), "comma separated websocket origin patterns")
	if err := fs.Parse(args); err != nil {
		return HostConfig{}, err
	}
	cfg.OriginPatterns = splitList(*origins)
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return cfg, nil
}

// LoadEditor resolves editor runner settings from the environment, then args.
func LoadEditor(args []string) (EditorConfig, error) {
	fs := flag.NewFlagSet("relaymd-mount", flag.ContinueOnError)
	cfg := EditorConfig{}
	fs.StringVar(&cfg.HostURL, "host-url", envOrDefault("RELAYMD_HOST_URL", DefaultHostURL), "host base URL")
	fs.StringVar(&cfg.DocumentID, "document", strings.TrimSpace(os.Getenv("RELAYMD_DOCUMENT")), "document ID")
	fs.StringVar(&cfg.Token, "token", strings.TrimSpace(os.Getenv("RELAYMD_TOKEN")), "bearer token")
	fs.StringVar(&cfg.Transport, "transport", envOrDefault("RELAYMD_TRANSPORT", "ws"), "host transport: ws or http")
	fs.DurationVar(&cfg.Debounce, "debounce", durationEnv("RELAYMD_DEBOUNCE", DefaultDebounce), "edit coalescing window")
	fs.BoolVar(&cfg.AttachmentsEnabled, "attachments", boolEnv("RELAYMD_ATTACHMENTS", true), "accept pasted and dropped images")
	fs.IntVar(&cfg.CollapseThreshold, "collapse-threshold", intEnv("RELAYMD_COLLAPSE_THRESHOLD", DefaultCollapseThreshold), "inline image payload length that gets collapsed")
	fs.IntVar(&cfg.Height, "height", intEnv("RELAYMD_HEIGHT", DefaultHeight), "display height in pixels")
	fs.StringVar(&cfg.OutboxDSN, "outbox", strings.TrimSpace(os.Getenv("RELAYMD_OUTBOX_DSN")), "outbox DSN (memory:// or file path)")
	fs.IntVar(&cfg.OutboxSize, "outbox-size", intEnv("RELAYMD_OUTBOX_SIZE", 0), "outbox capacity")
	fs.Int64Var(&cfg.MaxAttachmentBytes, "max-attachment-bytes", int64Env("RELAYMD_MAX_ATTACHMENT_BYTES", DefaultMaxAttachmentBytes), "largest accepted image")
	fs.StringVar(&cfg.LocalFile, "local-file", strings.TrimSpace(os.Getenv("RELAYMD_LOCAL_FILE")), "markdown file bound to the document")
	fs.StringVar(&cfg.DropDir, "drop-dir", strings.TrimSpace(os.Getenv("RELAYMD_DROP_DIR")), "directory whose new images are pasted into the document")
	fs.DurationVar(&cfg.Timeout, "timeout", durationEnv("RELAYMD_TIMEOUT", 15*time.Second), "per-request timeout")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", durationEnv("RELAYMD_POLL_INTERVAL", 2*time.Second), "host poll interval for the http transport")
	fs.Float64Var(&cfg.PollJitter, "poll-jitter", floatEnv("RELAYMD_POLL_JITTER", 0.2), "poll interval jitter ratio (0.0-1.0)")
	if err := fs.Parse(args); err != nil {
		return EditorConfig{}, err
	}
	if err := cfg.validate(); err != nil {
		return EditorConfig{}, err
	}
	return cfg, nil
}

func (c *EditorConfig) validate() error {
	if strings.TrimSpace(c.DocumentID) == "" {
		return fmt.Errorf("document is required (--document or RELAYMD_DOCUMENT)")
	}
	if strings.TrimSpace(c.LocalFile) == "" {
		return fmt.Errorf("local-file is required (--local-file or RELAYMD_LOCAL_FILE)")
	}
	switch c.Transport {
	case "ws", "http":
	default:
		return fmt.Errorf("unsupported transport %q", c.Transport)
	}
	if c.Debounce < 0 {
		return fmt.Errorf("debounce must not be negative")
	}
	if c.CollapseThreshold < 0 {
		return fmt.Errorf("collapse-threshold must not be negative")
	}
	if c.Height < 0 {
		return fmt.Errorf("height must not be negative")
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	c.PollJitter = ClampJitterRatio(c.PollJitter)
	return nil
}

// storageProfileDefaultsFromEnv maps RELAYMD_PROFILE to default store DSNs.
func storageProfileDefaultsFromEnv() (documentDSN, imageDSN string, err error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("RELAYMD_PROFILE")))
	dataDir := envOrDefault("RELAYMD_DATA_DIR", ".relaymd")
	switch profile {
	case "", "custom":
		return "", "", nil
	case "memory", "inmemory":
		return "memory://", "memory://", nil
	case "durable-local", "local-durable":
		return filepath.Join(dataDir, "documents"), filepath.Join(dataDir, "images"), nil
	case "production", "prod":
		postgresDSN := strings.TrimSpace(os.Getenv("RELAYMD_POSTGRES_DSN"))
		s3DSN := strings.TrimSpace(os.Getenv("RELAYMD_S3_DSN"))
		if postgresDSN == "" || s3DSN == "" {
			return "", "", fmt.Errorf("RELAYMD_POSTGRES_DSN and RELAYMD_S3_DSN are required when RELAYMD_PROFILE=%s", profile)
		}
		return postgresDSN, s3DSN, nil
	default:
		return "", "", fmt.Errorf("unsupported RELAYMD_PROFILE: %s", profile)
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func ClampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
