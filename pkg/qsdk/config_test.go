package qsdk

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/quatton/qmesh/pkg/qconf"
	"github.com/spf13/pflag"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	oldWd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { os.Chdir(oldWd) })
}

func TestLoadConfig_ProjectConfig(t *testing.T) {
	chdir(t, t.TempDir())

	projectConfig := `
engine:
  path: /opt/engine/bin/engine
  args: --threads 4 --log-file "engine log.txt"
  killGrace: 10s
schema:
  path: schema.hcl
`
	os.WriteFile("qmesh.yaml", []byte(projectConfig), 0644)

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Engine.Path != "/opt/engine/bin/engine" {
		t.Errorf("Expected engine.path /opt/engine/bin/engine, got %s", cfg.Engine.Path)
	}
	if cfg.Engine.KillGrace != 10*time.Second {
		t.Errorf("Expected engine.killGrace 10s, got %s", cfg.Engine.KillGrace)
	}
	if cfg.Schema.Path != "schema.hcl" {
		t.Errorf("Expected schema.path schema.hcl, got %s", cfg.Schema.Path)
	}

	args, err := cfg.Engine.ArgList()
	if err != nil {
		t.Fatalf("ArgList failed: %v", err)
	}
	want := []string{"--threads", "4", "--log-file", "engine log.txt"}
	if !reflect.DeepEqual(args, want) {
		t.Errorf("Expected args %q, got %q", want, args)
	}
}

func TestLoadConfig_LocalOverride(t *testing.T) {
	chdir(t, t.TempDir())

	os.WriteFile("qmesh.yaml", []byte(`
engine:
  path: /opt/engine/bin/engine
  configFormat: kv
`), 0644)

	os.MkdirAll(ConfigRoot, 0755)
	os.WriteFile(filepath.Join(ConfigRoot, "config.yaml"), []byte(`
engine:
  configFormat: json
`), 0644)

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	// Local override should win
	if cfg.Engine.ConfigFormat != "json" {
		t.Errorf("Expected engine.configFormat json (from local override), got %s", cfg.Engine.ConfigFormat)
	}
	// Keys not overridden are kept
	if cfg.Engine.Path != "/opt/engine/bin/engine" {
		t.Errorf("Expected engine.path from project config, got %s", cfg.Engine.Path)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Engine.KillGrace != 5*time.Second {
		t.Errorf("Expected default killGrace 5s, got %s", cfg.Engine.KillGrace)
	}
	if cfg.Schema.Supported != qconf.DefaultSupported {
		t.Errorf("Expected default schema.supported %q, got %q", qconf.DefaultSupported, cfg.Schema.Supported)
	}
	if cfg.Engine.OutputName != "result" {
		t.Errorf("Expected default outputName result, got %s", cfg.Engine.OutputName)
	}
	if cfg.ScratchDir != filepath.Join(".qmesh", "runs") {
		t.Errorf("Expected default scratchDir .qmesh/runs, got %s", cfg.ScratchDir)
	}
	if cfg.DB.Driver != "sqlite" {
		t.Errorf("Expected default db.driver sqlite, got %s", cfg.DB.Driver)
	}
	if cfg.Import.Suffix != "_processed" {
		t.Errorf("Expected default import.suffix _processed, got %s", cfg.Import.Suffix)
	}
	if args, _ := cfg.Engine.ArgList(); args != nil {
		t.Errorf("Expected no engine args, got %q", args)
	}
}

func TestLoadConfig_ExplicitFile(t *testing.T) {
	tempDir := t.TempDir()
	chdir(t, tempDir)

	customPath := filepath.Join(tempDir, "custom-config.yaml")
	os.WriteFile(customPath, []byte(`
serve:
  addr: 127.0.0.1:9000
`), 0644)

	cfg, err := LoadConfig(customPath)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Serve.Addr != "127.0.0.1:9000" {
		t.Errorf("Expected serve.addr 127.0.0.1:9000, got %s", cfg.Serve.Addr)
	}
	if cfg.ConfigFileUsed() != customPath {
		t.Errorf("Expected config file %s, got %s", customPath, cfg.ConfigFileUsed())
	}
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("QMESH_ENGINE_PATH", "/env/engine")
	t.Setenv("QMESH_IMPORT_HIDESOURCES", "true")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Engine.Path != "/env/engine" {
		t.Errorf("Expected engine.path from env, got %s", cfg.Engine.Path)
	}
	if !cfg.Import.HideSources {
		t.Errorf("Expected import.hideSources from env")
	}
}

func TestLoadConfig_HomeExpansion(t *testing.T) {
	chdir(t, t.TempDir())
	os.WriteFile("qmesh.yaml", []byte("presets:\n  dir: ~/qmesh-presets\n"), 0644)

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	home, err := homedir.Dir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}
	if want := filepath.Join(home, "qmesh-presets"); cfg.Presets.Dir != want {
		t.Errorf("Expected presets.dir %s, got %s", want, cfg.Presets.Dir)
	}
}

func TestConfig_BindFlags(t *testing.T) {
	chdir(t, t.TempDir())
	os.WriteFile("qmesh.yaml", []byte("engine:\n  path: /from/file\n"), 0644)

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("engine", "", "")
	flags.String("schema", "", "")
	if err := flags.Parse([]string{"--engine", "/from/flag"}); err != nil {
		t.Fatal(err)
	}
	if err := cfg.BindFlags(flags, map[string]string{EnginePathKey: "engine", SchemaPathKey: "schema"}); err != nil {
		t.Fatalf("BindFlags failed: %v", err)
	}

	if cfg.Engine.Path != "/from/flag" {
		t.Errorf("Expected engine.path from flag, got %s", cfg.Engine.Path)
	}
	// An unset flag does not override the default.
	if cfg.Schema.Path != filepath.Join(".qmesh", "schema.json") {
		t.Errorf("Expected default schema.path, got %s", cfg.Schema.Path)
	}
}
