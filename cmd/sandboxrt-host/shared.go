package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/nxml-run/sandboxrt/pkg/codec"
	"github.com/nxml-run/sandboxrt/pkg/config"
	"github.com/nxml-run/sandboxrt/pkg/engine"
	"github.com/nxml-run/sandboxrt/pkg/hostext"
	"github.com/nxml-run/sandboxrt/pkg/runtime"
	"github.com/nxml-run/sandboxrt/pkg/value"
)

var commonFlags = []cli.Flag{
	&cli.StringFlag{
		Name:     "engine-wasm",
		Usage:    "path to the compiled script-engine WASM module",
		Required: true,
	},
	&cli.StringFlag{
		Name:     "script",
		Usage:    "path to the handler source file to compile and run",
		Required: true,
	},
	&cli.StringFlag{
		Name:  "handler",
		Usage: "handler entry point name",
		Value: "main",
	},
	&cli.StringFlag{
		Name:  "args",
		Usage: "handler $args as an inline JSON object",
		Value: "{}",
	},
	&cli.StringSliceFlag{
		Name:  "capability",
		Usage: "capability token to grant (repeatable)",
	},
	&cli.Int64Flag{
		Name:  "timeout-ms",
		Usage: "per-call timeout override; 0 uses the configured default",
	},
	&cli.StringFlag{
		Name:  "compile-cache-dir",
		Usage: "override SANDBOXRT_COMPILE_CACHE_DIR for this invocation",
	},
}

// buildRuntime loads configuration, constructs the wazero-backed script
// engine from the --engine-wasm blob, and wires a Runtime around it.
func buildRuntime(ctx context.Context, c *cli.Context) (*runtime.Runtime, error) {
	if dir := c.String("compile-cache-dir"); dir != "" {
		os.Setenv("SANDBOXRT_COMPILE_CACHE_DIR", dir)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	wasmBytes, err := os.ReadFile(c.String("engine-wasm"))
	if err != nil {
		return nil, fmt.Errorf("read engine wasm: %w", err)
	}
	eng, err := engine.NewWazeroEngine(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("start script engine: %w", err)
	}

	rt, err := runtime.New(ctx, cfg, eng)
	if err != nil {
		return nil, fmt.Errorf("start runtime: %w", err)
	}
	return rt, nil
}

// buildExtensionRegistry wires the demo http/ai extensions, reading their
// stubbed resolutions from in and prompting on out.
func buildExtensionRegistry(in *os.File, out *os.File) *hostext.Registry {
	reg := hostext.NewRegistry()
	reg.Register(hostext.NewHTTPExtension(in, out))
	reg.Register(hostext.NewAIExtension(in, out))
	return reg
}

// buildCallContext assembles a value.Context from the --args/--capability
// flags and the extension registry's current method map.
func buildCallContext(c *cli.Context, reg *hostext.Registry) (value.Context, error) {
	var decoded map[string]any
	if err := json.Unmarshal([]byte(c.String("args")), &decoded); err != nil {
		return value.Context{}, fmt.Errorf("parse --args: %w", err)
	}
	args := make(map[string]value.Value, len(decoded))
	for k, v := range decoded {
		args[k] = value.FromGo(v)
	}

	capabilities := make(map[string]struct{})
	for _, tok := range c.StringSlice("capability") {
		capabilities[tok] = struct{}{}
	}

	return value.Context{
		HandlerName:       c.String("handler"),
		Args:              args,
		Capabilities:      capabilities,
		ExtensionRegistry: reg.ExtensionRegistry(),
	}, nil
}

// printResult prints a Result the same way a human-driven demo run would
// want to see it: status, return value or error, and effects.
func printResult(result value.Result) {
	fmt.Printf("status: %s\n", result.Status)
	switch result.Status {
	case value.StatusSuccess:
		fmt.Printf("return value: %s\n", codec.DebugJSON(result.ReturnValue))
	case value.StatusError:
		fmt.Printf("error: kind=%s message=%s\n", result.Error.Kind, result.Error.Message)
	}
	for _, eff := range result.Effects {
		fmt.Println("effect:", describeEffect(eff))
	}
	fmt.Printf("metrics: host_calls=%d state_mutations=%d events=%d duration_us=%d\n",
		result.Metrics.HostCalls, result.Metrics.StateMutations, result.Metrics.Events, result.Metrics.DurationMicros)
}

// describeEffect renders one Effect union arm as a human-readable line for
// the demo CLI's output; it does not attempt to be a stable wire format.
func describeEffect(eff value.Effect) string {
	switch eff.Kind {
	case value.EffectStateMutation:
		op := "set"
		if eff.Op == value.StateDelete {
			op = "delete"
		}
		return fmt.Sprintf("state %s %s = %s", op, eff.Key, codec.DebugJSON(eff.Value))
	case value.EffectEvent:
		return fmt.Sprintf("event %s payload=%s", eff.Name, codec.DebugJSON(eff.Payload))
	case value.EffectViewCommand:
		return fmt.Sprintf("view-command target=%s command=%s args=%s", eff.TargetComponentID, eff.CommandName, codec.DebugJSON(eff.ViewArgs))
	default:
		return "unknown effect"
	}
}

// runToCompletion drives the suspend/resume loop: whenever result suspends
// on an extension call, it asks reg to resolve it and resumes, until the
// handler reaches success or error.
func runToCompletion(ctx context.Context, rt *runtime.Runtime, reg *hostext.Registry, result value.Result, err error) (value.Result, error) {
	for result.Status == value.StatusSuspended {
		susp := result.Suspension
		resolution, resErr := reg.Execute(ctx, susp.ExtensionName, susp.Method, susp.Args)
		if resErr != nil {
			resolution = value.Resolution{OK: false, Message: resErr.Error()}
		}
		result, err = rt.Resume(ctx, susp.SuspensionID, resolution)
	}
	return result, err
}
