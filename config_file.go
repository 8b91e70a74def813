package fabric

import (
	"fmt"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/fabricwasm/fabric/internal/engine/compiler"
	"github.com/fabricwasm/fabric/internal/engine/interpreter"
	internalwasm "github.com/fabricwasm/fabric/internal/wasm"
)

// FileConfig is the file form of a RuntimeConfig. Keys may also be set with FABRIC_ prefixed environment
// variables, such as FABRIC_ENGINE.
type FileConfig struct {
	Engine             string `mapstructure:"engine"`
	MemoryLimitPages   uint32 `mapstructure:"memory_limit_pages"`
	CallStackCeiling   int    `mapstructure:"call_stack_ceiling"`
	CompilationWorkers int    `mapstructure:"compilation_workers"`
	// LogLevel is a zap level, such as "debug". Empty disables logging.
	LogLevel string `mapstructure:"log_level"`
}

// ReadFileConfig reads the config file at path, which may be any format viper supports. An empty path reads only
// defaults and the environment.
func ReadFileConfig(path string) (*FileConfig, error) {
	v := viper.New()

	v.SetDefault("engine", compiler.Name)
	v.SetDefault("memory_limit_pages", internalwasm.DefaultMemoryLimitPages) // 16MB
	v.SetDefault("call_stack_ceiling", internalwasm.DefaultCallStackCeiling)
	v.SetDefault("compilation_workers", 0)
	v.SetDefault("log_level", "")

	v.SetEnvPrefix("fabric")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg FileConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// RuntimeConfig converts the file form, building a production logger at LogLevel if set.
func (f *FileConfig) RuntimeConfig() (*RuntimeConfig, error) {
	var c *RuntimeConfig
	switch f.Engine {
	case compiler.Name, "":
		c = NewRuntimeConfigCompiler()
	case interpreter.Name:
		c = NewRuntimeConfigInterpreter()
	default:
		return nil, fmt.Errorf("unknown engine %q, expected %q or %q", f.Engine, compiler.Name, interpreter.Name)
	}
	c = c.WithMemoryLimitPages(f.MemoryLimitPages).
		WithCallStackCeiling(f.CallStackCeiling).
		WithCompilationWorkers(f.CompilationWorkers)

	if f.LogLevel != "" {
		level, err := zap.ParseAtomicLevel(f.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("log_level: %w", err)
		}
		zc := zap.NewProductionConfig()
		zc.Level = level
		logger, err := zc.Build()
		if err != nil {
			return nil, fmt.Errorf("build logger: %w", err)
		}
		c = c.WithLogger(logger)
	}
	return c, nil
}

// LoadRuntimeConfig reads the config file at path and converts it into a RuntimeConfig.
func LoadRuntimeConfig(path string) (*RuntimeConfig, error) {
	f, err := ReadFileConfig(path)
	if err != nil {
		return nil, err
	}
	return f.RuntimeConfig()
}
