package config

import (
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvConfig is the daemon configuration read from QMESH_* variables. Engine,
// schema and storage settings come from the project config instead.
type EnvConfig struct {
	Addr         string        `envconfig:"ADDR" default:"127.0.0.1:7878"`
	Environment  string        `envconfig:"ENVIRONMENT" default:"development"`
	APISecret    string        `envconfig:"API_SECRET"`
	AuthDisabled bool          `envconfig:"AUTH_DISABLED" default:"false"`
	Workspace    string        `envconfig:"WORKSPACE" default:".qmesh/workspace.glb"`
	TickInterval time.Duration `envconfig:"TICK_INTERVAL" default:"250ms"`
	LogFormat    string        `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel     string        `envconfig:"LOG_LEVEL" default:"info"`
}

// IsDev reports whether ENVIRONMENT names a development setup.
func IsDev() bool {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))
	return env == "development" || env == "dev" || env == ""
}

func ValidateEnv() (*EnvConfig, error) {
	if IsDev() {
		if err := godotenv.Load(); err != nil {
			log.Println("ℹ No .env file found")
		} else {
			log.Println("✓ Loaded .env file")
		}
	}

	var cfg EnvConfig
	if err := envconfig.Process("QMESH", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var errors []string

	if cfg.APISecret != "" && len(cfg.APISecret) < 32 {
		errors = append(errors, "  ❌ QMESH_API_SECRET must be at least 32 characters")
	}

	if _, _, err := net.SplitHostPort(cfg.Addr); err != nil {
		errors = append(errors, "  ❌ QMESH_ADDR must be host:port")
	}

	if cfg.TickInterval <= 0 {
		errors = append(errors, "  ❌ QMESH_TICK_INTERVAL must be positive")
	}

	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		errors = append(errors, "  ❌ QMESH_LOG_FORMAT must be json or text")
	}

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return &cfg, nil
}

func MaskSecret(secret string) string {
	if secret == "" {
		return "<not set>"
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}

func (c *EnvConfig) Print(fmtr func(string, ...interface{})) {
	fmtr("📋 Configuration:\n")
	fmtr("  Environment: %s\n", c.Environment)
	fmtr("  Addr: %s\n", c.Addr)
	fmtr("  Workspace: %s\n", c.Workspace)
	fmtr("  Tick: %s\n", c.TickInterval)

	if c.AuthDisabled {
		fmtr("  Auth: ✗ Disabled\n")
	} else {
		fmtr("  Auth: ✓ Enabled\n")
		fmtr("    API Secret: %s\n", MaskSecret(c.APISecret))
	}
}
