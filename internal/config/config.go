package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment selects the Pi platform endpoints and the protocol sandbox flag.
type Environment string

const (
	EnvSandbox    Environment = "sandbox"
	EnvProduction Environment = "production"
)

const (
	sandboxAPIBase    = "https://api.sandbox.minepi.com"
	productionAPIBase = "https://api.minepi.com"

	// DefaultProtocolVersion is the wallet SDK protocol version we initialize with.
	DefaultProtocolVersion = "2.0"
)

// Config carries everything the binaries read from the environment.
type Config struct {
	Env             Environment
	Addr            string
	PGDSN           string
	PiAPIBase       string
	PiAPIKey        string
	AuthSecret      string
	SessionFile     string
	AllowedOrigins  []string
	ProtocolVersion string
	RateBurst       int
	RatePerSec      int
}

// Sandbox reports whether the sandbox network is targeted.
func (c Config) Sandbox() bool { return c.Env != EnvProduction }

// Load reads configuration from the environment. A .env file is honoured when
// present; real environment variables win.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Env:             EnvSandbox,
		Addr:            ":8080",
		PGDSN:           os.Getenv("AVANTE_PG_DSN"),
		PiAPIKey:        os.Getenv("PI_API_KEY"),
		AuthSecret:      os.Getenv("AVANTE_AUTH_SECRET"),
		SessionFile:     os.Getenv("AVANTE_SESSION_FILE"),
		ProtocolVersion: DefaultProtocolVersion,
		RateBurst:       20,
		RatePerSec:      10,
	}

	switch strings.ToLower(strings.TrimSpace(os.Getenv("AVANTE_ENV"))) {
	case "", string(EnvSandbox):
		cfg.Env = EnvSandbox
	case string(EnvProduction):
		cfg.Env = EnvProduction
	default:
		return Config{}, errors.New("config: AVANTE_ENV must be sandbox or production")
	}

	if addr := strings.TrimSpace(os.Getenv("AVANTE_ADDR")); addr != "" {
		cfg.Addr = addr
	}
	if base := strings.TrimSpace(os.Getenv("PI_API_BASE")); base != "" {
		cfg.PiAPIBase = strings.TrimSuffix(base, "/")
	} else if cfg.Sandbox() {
		cfg.PiAPIBase = sandboxAPIBase
	} else {
		cfg.PiAPIBase = productionAPIBase
	}
	if v := strings.TrimSpace(os.Getenv("AVANTE_PROTOCOL_VERSION")); v != "" {
		cfg.ProtocolVersion = v
	}
	if raw := strings.TrimSpace(os.Getenv("AVANTE_ALLOWED_ORIGINS")); raw != "" {
		for _, origin := range strings.Split(raw, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, origin)
			}
		}
	}
	if burst, ok := intEnv("AVANTE_RATE_BURST"); ok {
		cfg.RateBurst = burst
	}
	if per, ok := intEnv("AVANTE_RATE_PER_SEC"); ok {
		cfg.RatePerSec = per
	}
	if cfg.SessionFile == "" {
		cfg.SessionFile = defaultSessionFile()
	}
	return cfg, nil
}

func intEnv(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

func defaultSessionFile() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return dir + string(os.PathSeparator) + "avante" + string(os.PathSeparator) + "session.json"
}

// Timeouts shared by the client core. Kept here so the loader, orchestrator
// and platform client agree with the documented bounds.
const (
	SDKInitTimeout    = 5 * time.Second
	ServerCallTimeout = 30 * time.Second
)
