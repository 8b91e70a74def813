package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fabricwasm/fabric"
	"github.com/fabricwasm/fabric/api"
	"github.com/fabricwasm/fabric/internal/demo"
	"github.com/fabricwasm/fabric/wasm"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <module> <export> [params...]",
		Short: "Call an exported function of a built-in module",
		Long: `Compile and instantiate a built-in module, then call one of its exports.

Params are parsed according to the export's param types. Each result is printed
on its own line, tagged with its type.

  fabric run factorial fac 20
  fabric run fibonacci fib 90 --engine interpreter`,
		Args: cobra.MinimumNArgs(2),
		RunE: runRun,
	}
	cmd.Flags().String("engine", "", "Engine: compiler or interpreter (overrides the config file)")
	cmd.Flags().String("log-level", "", "Log level, such as debug (overrides the config file)")
	return cmd
}

func runtimeConfig(cmd *cobra.Command) (*fabric.RuntimeConfig, error) {
	path, _ := cmd.Flags().GetString("config")
	engine, _ := cmd.Flags().GetString("engine")
	logLevel, _ := cmd.Flags().GetString("log-level")

	cfg, err := fabric.ReadFileConfig(path)
	if err != nil {
		return nil, err
	}
	if engine != "" {
		cfg.Engine = engine
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg.RuntimeConfig()
}

func lookupModule(name string) (*wasm.Module, error) {
	m := demo.Module(name)
	if m == nil {
		return nil, fmt.Errorf("unknown module %q, expected one of %v", name, demo.Names())
	}
	return m, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	m, err := lookupModule(args[0])
	if err != nil {
		return err
	}
	config, err := runtimeConfig(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	logger := config.Logger()
	defer logger.Sync() //nolint

	r := fabric.NewRuntimeWithConfig(config)
	defer r.Close(ctx)

	start := time.Now()
	compiled, err := r.CompileModule(ctx, m)
	if err != nil {
		return err
	}
	inst, err := r.Instantiate(ctx, compiled, nil, args[0])
	if err != nil {
		return err
	}

	fn := inst.ExportedFunction(args[1])
	if fn == nil {
		return fmt.Errorf("module %q has no exported function %q", args[0], args[1])
	}
	params, err := parseParams(fn.ParamTypes(), args[2:])
	if err != nil {
		return fmt.Errorf("%s: %w", fn.Name(), err)
	}

	results, err := fn.Call(ctx, params...)
	if err != nil {
		return err
	}
	for i, rt := range fn.ResultTypes() {
		fmt.Fprintln(cmd.OutOrStdout(), api.Value{Type: rt, Bits: results[i]})
	}
	logger.Debug("ran", zap.String("function", fn.Name()), zap.Duration("elapsed", time.Since(start)))
	return nil
}

func parseParams(types []api.ValueType, args []string) ([]uint64, error) {
	if len(types) != len(args) {
		return nil, fmt.Errorf("expected %d params, but passed %d", len(types), len(args))
	}
	params := make([]uint64, len(args))
	for i, arg := range args {
		var err error
		switch vt := types[i]; vt {
		case api.ValueTypeI32:
			var v int64
			if v, err = strconv.ParseInt(arg, 10, 32); err == nil {
				params[i] = api.EncodeI32(int32(v))
			}
		case api.ValueTypeI64:
			var v int64
			if v, err = strconv.ParseInt(arg, 10, 64); err == nil {
				params[i] = api.EncodeI64(v)
			}
		case api.ValueTypeF32:
			var v float64
			if v, err = strconv.ParseFloat(arg, 32); err == nil {
				params[i] = api.EncodeF32(float32(v))
			}
		case api.ValueTypeF64:
			var v float64
			if v, err = strconv.ParseFloat(arg, 64); err == nil {
				params[i] = api.EncodeF64(v)
			}
		default:
			return nil, fmt.Errorf("param[%d] is a %s, which can't be passed from the command line", i, api.ValueTypeName(vt))
		}
		if err != nil {
			return nil, fmt.Errorf("param[%d]: %w", i, err)
		}
	}
	return params, nil
}
