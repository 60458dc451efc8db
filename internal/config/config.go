package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Paths    PathsConfig   `mapstructure:"paths"`
	Runtime  RuntimeConfig `mapstructure:"runtime"`
	Server   ServerConfig  `mapstructure:"server"`
	LogLevel string        `mapstructure:"log_level"`
}

type PathsConfig struct {
	ModelPath string `mapstructure:"model_path"`
}

type RuntimeConfig struct {
	OptLevel       string   `mapstructure:"opt_level"`
	Providers      []string `mapstructure:"providers"`
	DeviceIndex    int      `mapstructure:"device_index"`
	ArenaSizeMB    int      `mapstructure:"arena_size_mb"`
	IntraOpThreads int      `mapstructure:"intra_op_threads"`
}

// ArenaSizeBytes converts the configured arena budget; zero means unbounded.
func (r RuntimeConfig) ArenaSizeBytes() int64 {
	return int64(r.ArenaSizeMB) * 1024 * 1024
}

type ServerConfig struct {
	ListenAddr      string `mapstructure:"listen_addr"`
	MaxPayloadBytes int    `mapstructure:"max_payload_bytes"`
	Workers         int    `mapstructure:"workers"`
	RequestTimeout  int    `mapstructure:"request_timeout"`  // seconds
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"` // seconds
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	return Config{
		Paths: PathsConfig{
			ModelPath: "models/model.onnx",
		},
		Runtime: RuntimeConfig{
			OptLevel:       "all",
			Providers:      []string{"cpu"},
			DeviceIndex:    0,
			ArenaSizeMB:    0,
			IntraOpThreads: 0,
		},
		Server: ServerConfig{
			ListenAddr:      ":8080",
			MaxPayloadBytes: 32 << 20,
			Workers:         2,
			RequestTimeout:  60,
			ShutdownTimeout: 30,
		},
		LogLevel: "info",
	}
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("paths-model-path", defaults.Paths.ModelPath, "Path to the serialized model")
	fs.String("runtime-opt-level", defaults.Runtime.OptLevel, "Graph rewrite level (none|basic|extended|all)")
	fs.StringSlice("runtime-providers", defaults.Runtime.Providers, "Execution providers in priority order")
	fs.Int("runtime-device-index", defaults.Runtime.DeviceIndex, "Device index for device-backed providers")
	fs.Int("runtime-arena-size-mb", defaults.Runtime.ArenaSizeMB, "Arena budget per provider in MiB (0 = unbounded)")
	fs.Int("runtime-intra-op-threads", defaults.Runtime.IntraOpThreads, "Intra-op thread count (0 = all cores)")
	fs.String("server-listen-addr", defaults.Server.ListenAddr, "HTTP listen address")
	fs.Int("server-max-payload-bytes", defaults.Server.MaxPayloadBytes, "Maximum request body size in bytes")
	fs.Int("server-workers", defaults.Server.Workers, "Max concurrent inference requests (0 = unthrottled)")
	fs.Int("server-request-timeout", defaults.Server.RequestTimeout, "Per-request deadline in seconds")
	fs.Int("server-shutdown-timeout", defaults.Server.ShutdownTimeout, "Graceful shutdown drain period in seconds")
	fs.String("log-level", defaults.LogLevel, "Log level (debug|info|warn|error)")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)
	if opts.Cmd != nil {
		if err := v.BindPFlags(opts.Cmd.Flags()); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}
	registerAliases(v)

	v.SetEnvPrefix("GONNX")
	replacer := strings.NewReplacer("-", "_", ".", "_", "__", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("gonnx")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("paths.model_path", c.Paths.ModelPath)
	v.SetDefault("runtime.opt_level", c.Runtime.OptLevel)
	v.SetDefault("runtime.providers", c.Runtime.Providers)
	v.SetDefault("runtime.device_index", c.Runtime.DeviceIndex)
	v.SetDefault("runtime.arena_size_mb", c.Runtime.ArenaSizeMB)
	v.SetDefault("runtime.intra_op_threads", c.Runtime.IntraOpThreads)
	v.SetDefault("server.listen_addr", c.Server.ListenAddr)
	v.SetDefault("server.max_payload_bytes", c.Server.MaxPayloadBytes)
	v.SetDefault("server.workers", c.Server.Workers)
	v.SetDefault("server.request_timeout", c.Server.RequestTimeout)
	v.SetDefault("server.shutdown_timeout", c.Server.ShutdownTimeout)
	v.SetDefault("log_level", c.LogLevel)
}

func registerAliases(v *viper.Viper) {
	v.RegisterAlias("paths.model_path", "paths-model-path")
	v.RegisterAlias("runtime.opt_level", "runtime-opt-level")
	v.RegisterAlias("runtime.providers", "runtime-providers")
	v.RegisterAlias("runtime.device_index", "runtime-device-index")
	v.RegisterAlias("runtime.arena_size_mb", "runtime-arena-size-mb")
	v.RegisterAlias("runtime.intra_op_threads", "runtime-intra-op-threads")
	v.RegisterAlias("server.listen_addr", "server-listen-addr")
	v.RegisterAlias("server.max_payload_bytes", "server-max-payload-bytes")
	v.RegisterAlias("server.workers", "server-workers")
	v.RegisterAlias("server.request_timeout", "server-request-timeout")
	v.RegisterAlias("server.shutdown_timeout", "server-shutdown-timeout")
	v.RegisterAlias("log_level", "log-level")
}
