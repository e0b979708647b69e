// Package config loads settings for the backend server from the environment
// (and an optional .env file) and for the demo client from a YAML file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/chadiek/live-demo/internal/log"
)

// Server holds the backend configuration.
type Server struct {
	HTTPAddress string
	AdminToken  string
	LogLevel    string

	DatabaseDriver string
	DatabaseDSN    string

	SupabaseURL            string
	SupabaseServiceRoleKey string
	SupabaseBucket         string

	EnrichChatURL    string
	EnrichAPIKey     string
	EnrichModel      string
	EnrichExtractURL string

	// Public addresses handed to clients when a session is provisioned.
	AgentSignalingURL string
	AgentSocketURL    string
	ICEServersJSON    string

	SessionTTL time.Duration
	MaxUpload  int64
}

// LoadServer reads .env (if present) and the environment, filling defaults.
func LoadServer() Server {
	logger := log.WithComponent("config")
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn().Err(err).Msg("load .env")
	}

	cfg := Server{
		HTTPAddress:            env("HTTP_ADDRESS", ":8080"),
		AdminToken:             os.Getenv("ADMIN_TOKEN"),
		LogLevel:               os.Getenv("LOG_LEVEL"),
		DatabaseDriver:         env("DATABASE_DRIVER", "sqlite"),
		DatabaseDSN:            env("DATABASE_DSN", "live-demo.db"),
		SupabaseURL:            os.Getenv("SUPABASE_URL"),
		SupabaseServiceRoleKey: os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		SupabaseBucket:         env("SUPABASE_BUCKET", "knowledge-docs"),
		EnrichChatURL:          env("ENRICH_CHAT_URL", "https://api.openai.com/v1/chat/completions"),
		EnrichAPIKey:           os.Getenv("ENRICH_API_KEY"),
		EnrichModel:            env("ENRICH_MODEL", "gpt-4o"),
		EnrichExtractURL:       os.Getenv("ENRICH_EXTRACT_URL"),
		AgentSignalingURL:      env("AGENT_SIGNALING_URL", "ws://localhost:8080/agent/rtc"),
		AgentSocketURL:         env("AGENT_SOCKET_URL", "ws://localhost:8080/agent/socket"),
		ICEServersJSON:         env("ICE_SERVERS_JSON", `[{"urls":["stun:stun.l.google.com:19302"]}]`),
		SessionTTL:             envDuration("SESSION_TTL", time.Hour),
		MaxUpload:              int64(envInt("MAX_UPLOAD_BYTES", 10<<20)),
	}

	if cfg.EnrichAPIKey == "" {
		logger.Warn().Msg("ENRICH_API_KEY not set - generation and training will fail")
	}
	if cfg.SupabaseURL == "" {
		logger.Warn().Msg("SUPABASE_URL not set - uploads kept in memory")
	}
	if cfg.AdminToken == "" {
		logger.Warn().Msg("ADMIN_TOKEN not set - admin routes are open")
	}
	logger.Info().Str("http_address", cfg.HTTPAddress).Str("database_driver", cfg.DatabaseDriver).Msg("config loaded")
	return cfg
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

// Client holds the demo client settings.
type Client struct {
	BackendURL string `yaml:"backendUrl"`
	Token      string `yaml:"token"`
	// Transport is "rtc" or "socket".
	Transport  string `yaml:"transport"`
	AgentID    string `yaml:"agentId"`
	BuyerName  string `yaml:"buyerName"`
	BuyerEmail string `yaml:"buyerEmail"`
	Language   string `yaml:"language"`
	Mode       string `yaml:"mode"`

	// Device is "tone" or a path to a raw PCM16LE mono file.
	Device     string `yaml:"device"`
	SampleRate int    `yaml:"sampleRate"`
	AllowMic   bool   `yaml:"allowMic"`

	PermissionTimeout time.Duration `yaml:"permissionTimeout"`
	ProvisionTimeout  time.Duration `yaml:"provisionTimeout"`
	HandshakeTimeout  time.Duration `yaml:"handshakeTimeout"`
	ResumeAttempts    uint          `yaml:"resumeAttempts"`
	ResumeBackoff     time.Duration `yaml:"resumeBackoff"`

	SpeakingThreshold float64       `yaml:"speakingThreshold"`
	ControlInterval   time.Duration `yaml:"controlInterval"`

	// Duration ends the call after this long; zero waits for a signal.
	Duration    time.Duration `yaml:"duration"`
	MetricsAddr string        `yaml:"metricsAddr"`
	LogLevel    string        `yaml:"logLevel"`
}

// DefaultClient returns the client settings used when no file overrides them.
func DefaultClient() Client {
	return Client{
		BackendURL:        "http://localhost:8080",
		Transport:         "rtc",
		Language:          "en-IN",
		Mode:              "instant",
		Device:            "tone",
		SampleRate:        16000,
		AllowMic:          true,
		PermissionTimeout: 30 * time.Second,
		ProvisionTimeout:  10 * time.Second,
		HandshakeTimeout:  5 * time.Second,
		ResumeAttempts:    3,
		ResumeBackoff:     500 * time.Millisecond,
		SpeakingThreshold: 0.08,
		ControlInterval:   100 * time.Millisecond,
	}
}

// LoadClient starts from DefaultClient and overlays the YAML file at path,
// or at $LIVE_DEMO_CONFIG when path is empty. No file means defaults.
func LoadClient(path string) (Client, error) {
	cfg := DefaultClient()
	if path == "" {
		path = os.Getenv("LIVE_DEMO_CONFIG")
	}
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate reports the first setting that cannot drive a session.
func (c Client) Validate() error {
	switch c.Transport {
	case "rtc", "socket":
	default:
		return fmt.Errorf("config: transport must be rtc or socket, got %q", c.Transport)
	}
	if c.BackendURL == "" {
		return errors.New("config: backendUrl is required")
	}
	if c.SpeakingThreshold < 0 || c.SpeakingThreshold > 1 {
		return fmt.Errorf("config: speakingThreshold %v out of range", c.SpeakingThreshold)
	}
	return nil
}
