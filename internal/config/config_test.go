package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"

	"github.com/example/gonnx/internal/graph"
)

// fakeBinder wraps a pflag.FlagSet to satisfy the flagBinder interface.
type fakeBinder struct {
	fs *pflag.FlagSet
}

func (f *fakeBinder) Flags() *pflag.FlagSet { return f.fs }

// newFlagBinder creates a FlagSet with all config flags registered at their defaults.
func newFlagBinder(defaults Config) *fakeBinder {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs, defaults)

	return &fakeBinder{fs: fs}
}

// --- DefaultConfig ---

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Paths.ModelPath != "models/model.onnx" {
		t.Errorf("ModelPath = %q; want %q", cfg.Paths.ModelPath, "models/model.onnx")
	}

	if cfg.Runtime.OptLevel != "all" {
		t.Errorf("Runtime.OptLevel = %q; want %q", cfg.Runtime.OptLevel, "all")
	}

	if len(cfg.Runtime.Providers) != 1 || cfg.Runtime.Providers[0] != "cpu" {
		t.Errorf("Runtime.Providers = %v; want [cpu]", cfg.Runtime.Providers)
	}

	if cfg.Runtime.IntraOpThreads != 0 {
		t.Errorf("Runtime.IntraOpThreads = %d; want 0", cfg.Runtime.IntraOpThreads)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("Server.ListenAddr = %q; want %q", cfg.Server.ListenAddr, ":8080")
	}

	if cfg.Server.Workers != 2 {
		t.Errorf("Server.Workers = %d; want 2", cfg.Server.Workers)
	}

	if cfg.Server.MaxPayloadBytes != 32<<20 {
		t.Errorf("Server.MaxPayloadBytes = %d; want %d", cfg.Server.MaxPayloadBytes, 32<<20)
	}

	if cfg.Server.RequestTimeout != 60 {
		t.Errorf("Server.RequestTimeout = %d; want 60", cfg.Server.RequestTimeout)
	}

	if cfg.Server.ShutdownTimeout != 30 {
		t.Errorf("Server.ShutdownTimeout = %d; want 30", cfg.Server.ShutdownTimeout)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q; want %q", cfg.LogLevel, "info")
	}
}

func TestArenaSizeBytes(t *testing.T) {
	r := RuntimeConfig{ArenaSizeMB: 64}
	if got := r.ArenaSizeBytes(); got != 64<<20 {
		t.Errorf("ArenaSizeBytes() = %d; want %d", got, 64<<20)
	}
	if got := (RuntimeConfig{}).ArenaSizeBytes(); got != 0 {
		t.Errorf("ArenaSizeBytes() = %d; want 0", got)
	}
}

// --- NormalizeOptLevel ---

func TestNormalizeOptLevel(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    graph.OptLevel
		wantErr bool
	}{
		{"empty defaults to all", "", graph.OptAll, false},
		{"all lowercase", "all", graph.OptAll, false},
		{"none", "none", graph.OptNone, false},
		{"disabled alias", "disabled", graph.OptNone, false},
		{"basic", "basic", graph.OptBasic, false},
		{"extended", "extended", graph.OptExtended, false},
		{"uppercase", "ALL", graph.OptAll, false},
		{"with spaces", "  basic  ", graph.OptBasic, false},
		{"invalid value", "aggressive", graph.OptNone, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeOptLevel(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("NormalizeOptLevel(%q) = %v, nil; want error", tt.input, got)
				}

				return
			}

			if err != nil {
				t.Errorf("NormalizeOptLevel(%q) unexpected error: %v", tt.input, err)
				return
			}

			if got != tt.want {
				t.Errorf("NormalizeOptLevel(%q) = %v; want %v", tt.input, got, tt.want)
			}
		})
	}
}

// --- RegisterFlags ---

func TestRegisterFlags(t *testing.T) {
	defaults := DefaultConfig()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs, defaults)

	// Spot-check a few flags are registered with correct defaults.
	checks := []struct {
		flag string
		want string
	}{
		{"paths-model-path", "models/model.onnx"},
		{"runtime-opt-level", "all"},
		{"server-listen-addr", ":8080"},
		{"log-level", "info"},
	}

	for _, c := range checks {
		f := fs.Lookup(c.flag)
		if f == nil {
			t.Errorf("flag %q not registered", c.flag)
			continue
		}

		if f.DefValue != c.want {
			t.Errorf("flag %q default = %q; want %q", c.flag, f.DefValue, c.want)
		}
	}
}

// --- Load ---

func TestLoad_Defaults(t *testing.T) {
	defaults := DefaultConfig()
	binder := newFlagBinder(defaults)

	cfg, err := Load(LoadOptions{
		Cmd:      binder,
		Defaults: defaults,
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Paths.ModelPath != defaults.Paths.ModelPath {
		t.Errorf("ModelPath = %q; want %q", cfg.Paths.ModelPath, defaults.Paths.ModelPath)
	}

	if cfg.Server.Workers != defaults.Server.Workers {
		t.Errorf("Server.Workers = %d; want %d", cfg.Server.Workers, defaults.Server.Workers)
	}

	if cfg.Runtime.OptLevel != defaults.Runtime.OptLevel {
		t.Errorf("Runtime.OptLevel = %q; want %q", cfg.Runtime.OptLevel, defaults.Runtime.OptLevel)
	}

	if cfg.LogLevel != defaults.LogLevel {
		t.Errorf("LogLevel = %q; want %q", cfg.LogLevel, defaults.LogLevel)
	}
}

func TestLoad_FlagOverride(t *testing.T) {
	defaults := DefaultConfig()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs, defaults)

	err := fs.Parse([]string{
		"--runtime-opt-level=basic",
		"--server-workers=8",
		"--log-level=debug",
	})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	cfg, err := Load(LoadOptions{
		Cmd:      &fakeBinder{fs: fs},
		Defaults: defaults,
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Runtime.OptLevel != "basic" {
		t.Errorf("Runtime.OptLevel = %q; want %q", cfg.Runtime.OptLevel, "basic")
	}

	if cfg.Server.Workers != 8 {
		t.Errorf("Server.Workers = %d; want 8", cfg.Server.Workers)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q; want %q", cfg.LogLevel, "debug")
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("GONNX_LOG_LEVEL", "warn")
	t.Setenv("GONNX_SERVER_LISTEN_ADDR", ":9999")

	defaults := DefaultConfig()

	cfg, err := Load(LoadOptions{
		Defaults: defaults,
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q; want %q", cfg.LogLevel, "warn")
	}

	if cfg.Server.ListenAddr != ":9999" {
		t.Errorf("Server.ListenAddr = %q; want %q", cfg.Server.ListenAddr, ":9999")
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "gonnx.yaml")

	content := `
log_level: error
paths:
  model_path: /opt/models/net.onnx
runtime:
  opt_level: extended
  intra_op_threads: 3
server:
  workers: 16
`
	if err := os.WriteFile(cfgFile, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(LoadOptions{
		ConfigFile: cfgFile,
		Defaults:   DefaultConfig(),
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LogLevel != "error" {
		t.Errorf("LogLevel = %q; want %q", cfg.LogLevel, "error")
	}

	if cfg.Paths.ModelPath != "/opt/models/net.onnx" {
		t.Errorf("ModelPath = %q; want %q", cfg.Paths.ModelPath, "/opt/models/net.onnx")
	}

	if cfg.Runtime.OptLevel != "extended" {
		t.Errorf("Runtime.OptLevel = %q; want %q", cfg.Runtime.OptLevel, "extended")
	}

	if cfg.Runtime.IntraOpThreads != 3 {
		t.Errorf("Runtime.IntraOpThreads = %d; want 3", cfg.Runtime.IntraOpThreads)
	}

	if cfg.Server.Workers != 16 {
		t.Errorf("Server.Workers = %d; want 16", cfg.Server.Workers)
	}
}

func TestLoad_MissingConfigFileFails(t *testing.T) {
	_, err := Load(LoadOptions{
		ConfigFile: filepath.Join(t.TempDir(), "nope.yaml"),
		Defaults:   DefaultConfig(),
	})
	if err == nil {
		t.Fatal("Load() with a missing explicit config file should fail")
	}
}
