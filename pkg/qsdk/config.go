package qsdk

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
	"github.com/mitchellh/go-homedir"
	"github.com/quatton/qmesh/pkg/qconf"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Engine     EngineConfig    `mapstructure:"engine"`
	Schema     SchemaConfig    `mapstructure:"schema"`
	Presets    PresetsConfig   `mapstructure:"presets"`
	ScratchDir string          `mapstructure:"scratchDir"`
	DB         DBConfig        `mapstructure:"db"`
	KV         KVConfig        `mapstructure:"kv"`
	Artifacts  ArtifactsConfig `mapstructure:"artifacts"`
	Import     ImportConfig    `mapstructure:"import"`
	Serve      ServeConfig     `mapstructure:"serve"`

	v *viper.Viper // instance-specific viper
}

type EngineConfig struct {
	Path string `mapstructure:"path"`
	// Args are extra engine arguments as one shell-quoted string.
	Args         string        `mapstructure:"args"`
	Sign         bool          `mapstructure:"sign"`
	PollInterval time.Duration `mapstructure:"pollInterval"`
	KillGrace    time.Duration `mapstructure:"killGrace"`
	MaxRuntime   time.Duration `mapstructure:"maxRuntime"`
	ConfigFormat string        `mapstructure:"configFormat"`
	OutputName   string        `mapstructure:"outputName"`
}

// ArgList splits Args the way a shell would.
func (e EngineConfig) ArgList() ([]string, error) {
	if strings.TrimSpace(e.Args) == "" {
		return nil, nil
	}
	args, err := shellwords.Parse(e.Args)
	if err != nil {
		return nil, fmt.Errorf("parsing engine.args: %w", err)
	}
	return args, nil
}

type SchemaConfig struct {
	Path string `mapstructure:"path"`
	// Supported is a semver constraint the schema version must satisfy.
	Supported string `mapstructure:"supported"`
}

type PresetsConfig struct {
	Dir    string `mapstructure:"dir"`
	Format string `mapstructure:"format"`
}

type DBConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
	Debug  bool   `mapstructure:"debug"`
}

// KVConfig points at a Valkey server shared by every qmesh process on the
// machine. Empty Addr keeps the engine lock in process.
type KVConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type ArtifactsConfig struct {
	// Backend is "dir", "s3" or "none".
	Backend   string `mapstructure:"backend"`
	Dir       string `mapstructure:"dir"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"accessKey"`
	SecretKey string `mapstructure:"secretKey"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"useSSL"`
}

type ImportConfig struct {
	Suffix      string `mapstructure:"suffix"`
	HideSources bool   `mapstructure:"hideSources"`
}

type ServeConfig struct {
	Addr string `mapstructure:"addr"`
}

const (
	EnvPrefix  = "QMESH"
	ConfigName = "qmesh"
	ConfigRoot = ".qmesh"

	EnginePathKey   = "engine.path"
	EngineArgsKey   = "engine.args"
	EngineSignKey   = "engine.sign"
	SchemaPathKey   = "schema.path"
	PresetsDirKey   = "presets.dir"
	ScratchDirKey   = "scratchDir"
	ServeAddrKey    = "serve.addr"
	ConfigFormatKey = "engine.configFormat"
)

var defaults = map[string]any{
	"engine.path":         "",
	"engine.args":         "",
	"engine.sign":         false,
	"engine.pollInterval": 250 * time.Millisecond,
	"engine.killGrace":    5 * time.Second,
	"engine.maxRuntime":   time.Duration(0),
	"engine.configFormat": "kv",
	"engine.outputName":   "result",
	"schema.path":         filepath.Join(ConfigRoot, "schema.json"),
	"schema.supported":    qconf.DefaultSupported,
	"presets.dir":         filepath.Join(ConfigRoot, "presets"),
	"presets.format":      "json",
	"scratchDir":          filepath.Join(ConfigRoot, "runs"),
	"db.driver":           "sqlite",
	"db.dsn":              filepath.Join(ConfigRoot, "qmesh.db"),
	"db.debug":            false,
	"kv.addr":             "",
	"kv.password":         "",
	"kv.db":               0,
	"artifacts.backend":   "dir",
	"artifacts.dir":       filepath.Join(ConfigRoot, "artifacts"),
	"artifacts.endpoint":  "",
	"artifacts.accessKey": "",
	"artifacts.secretKey": "",
	"artifacts.bucket":    "",
	"artifacts.region":    "",
	"artifacts.useSSL":    false,
	"import.suffix":       "_processed",
	"import.hideSources":  false,
	"serve.addr":          "127.0.0.1:7878",
}

// LoadConfig creates a new Config instance with its own viper
// This is the only way to load config (no global state)
func LoadConfig(cfgFile string) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", cfgFile, err)
		}
	} else {
		// Load project config (TRACKED) - qmesh.yaml in current directory
		for _, name := range []string{"qmesh.yaml", "qmesh.yml", ".qmesh.yaml"} {
			if _, err := os.Stat(name); err == nil {
				v.SetConfigFile(name)
				if err := v.ReadInConfig(); err == nil {
					break
				}
			}
		}

		// Merge local overrides (UNTRACKED) - .qmesh/config.yaml
		localConfigPath := filepath.Join(ConfigRoot, "config.yaml")
		if _, err := os.Stat(localConfigPath); err == nil {
			v.SetConfigFile(localConfigPath)
			if err := v.MergeInConfig(); err != nil {
				return nil, fmt.Errorf("merging local config: %w", err)
			}
		}
	}

	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	cfg := &Config{v: v}
	if err := cfg.reload(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) reload() error {
	v := c.v
	*c = Config{}
	if err := v.Unmarshal(c); err != nil {
		return fmt.Errorf("unmarshaling config: %w", err)
	}
	c.v = v

	for _, p := range []*string{&c.Engine.Path, &c.Schema.Path, &c.Presets.Dir, &c.ScratchDir, &c.Artifacts.Dir} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("expanding %s: %w", *p, err)
		}
		*p = expanded
	}
	if c.DB.Driver == "sqlite" {
		expanded, err := homedir.Expand(c.DB.DSN)
		if err != nil {
			return fmt.Errorf("expanding %s: %w", c.DB.DSN, err)
		}
		c.DB.DSN = expanded
	}
	return nil
}

// BindFlags binds command line flags to config keys and reloads, so a set
// flag overrides files and environment. bindings maps key to flag name.
func (c *Config) BindFlags(flags *pflag.FlagSet, bindings map[string]string) error {
	for key, name := range bindings {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := c.v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("binding flag --%s: %w", name, err)
		}
	}
	return c.reload()
}

// Get returns a value from the underlying viper instance
// Useful for CLI flag binding and dynamic config access
func (c *Config) Get(key string) interface{} {
	if c.v == nil {
		return nil
	}
	return c.v.Get(key)
}

// GetString returns a string value from the underlying viper instance
func (c *Config) GetString(key string) string {
	if c.v == nil {
		return ""
	}
	return c.v.GetString(key)
}

// Viper returns the underlying viper instance
// Useful for advanced config operations
func (c *Config) Viper() *viper.Viper {
	return c.v
}

// ConfigFileUsed returns the config file that was used (if any)
func (c *Config) ConfigFileUsed() string {
	if c.v == nil {
		return ""
	}
	return c.v.ConfigFileUsed()
}
