package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/cobra"

	"github.com/wippyai/wasm-sandbox/engine"
	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/limits"
)

type runFlags struct {
	entry       string
	profile     string
	memory      string
	timeout     string
	hostCalls   string
	name        string
	args        []string
	interactive bool
}

func newRunCmd(a *app) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run <module.wasm | sha256:...>",
		Short: "Execute a module entry point under a security profile",
		Long: `Execute a module entry point under a security profile.

The module is given as a .wasm file or as the content hash of a module
compiled earlier. Limits come from the profile and may be overridden with
--memory, --timeout and --host-calls. The exit code reflects the outcome.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), args[0], f, cmd)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.entry, "entry", "run", "Exported function to call")
	fl.StringVar(&f.profile, "profile", "", "Security profile: strict, moderate, permissive (default from config)")
	fl.StringVar(&f.memory, "memory", "", "Memory limit override, e.g. 32MiB")
	fl.StringVar(&f.timeout, "timeout", "", "Deadline override, e.g. 2s")
	fl.StringVar(&f.hostCalls, "host-calls", "", "Host call budget override")
	fl.StringVar(&f.name, "name", "", "Module name used to tag log lines")
	fl.StringArrayVar(&f.args, "arg", nil, "Entry point argument (repeatable, in order)")
	fl.BoolVarP(&f.interactive, "interactive", "i", false, "Pick functions and arguments in a terminal UI")
	return cmd
}

// resolveLimits applies the profile and any override flags that were set.
func (a *app) resolveLimits(f runFlags, cmd *cobra.Command) (limits.Limits, error) {
	r, err := a.cfg.Resolver()
	if err != nil {
		return limits.Limits{}, err
	}
	raw := make(map[string]string)
	for flag, key := range map[string]string{"memory": "memory", "timeout": "timeout", "host-calls": "host_calls"} {
		if cmd.Flags().Changed(flag) {
			v, _ := cmd.Flags().GetString(flag)
			raw[key] = v
		}
	}
	o, err := limits.ParseOverrides(raw)
	if err != nil {
		return limits.Limits{}, err
	}
	profile := f.profile
	if profile == "" {
		profile = a.cfg.DefaultProfile
	}
	return r.ResolveName(profile, o)
}

func (a *app) run(ctx context.Context, target string, f runFlags, cmd *cobra.Command) error {
	lim, err := a.resolveLimits(f, cmd)
	if err != nil {
		return err
	}
	e, err := a.openEngine(ctx)
	if err != nil {
		return err
	}

	req := engine.Request{EntryPoint: f.entry, Limits: lim, Name: f.name}
	if strings.HasPrefix(target, string(digest.SHA256)+":") {
		req.Hash = digest.Digest(target)
	} else {
		src, err := os.ReadFile(target)
		if err != nil {
			if os.IsNotExist(err) {
				return errors.NotFound(errors.PhaseRun, "module file", target)
			}
			return errors.IO(errors.PhaseRun, "read module", target, err)
		}
		req.Module = src
	}

	if f.interactive {
		if !a.styled {
			return errors.InvalidInput(errors.PhaseRun, "interactive mode needs a terminal")
		}
		return a.runInteractive(ctx, e, target, req)
	}

	for _, v := range f.args {
		req.Args = append(req.Args, v)
	}
	res, err := e.Execute(ctx, req)
	if err != nil {
		return err
	}
	if a.jsonOut {
		if err := writeJSON(a.stdout, res); err != nil {
			return err
		}
	} else {
		printResult(a.stdout, a.styled, res)
	}
	if code := codeForOutcome(res.Outcome); code != exitOK {
		return &exitError{code: code, msg: fmt.Sprintf("execution ended with %s", res.Outcome)}
	}
	return nil
}

func newCompileCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "compile <module.wasm>",
		Short: "Validate, compile and cache a module without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := os.ReadFile(args[0])
			if err != nil {
				if os.IsNotExist(err) {
					return errors.NotFound(errors.PhaseCompile, "module file", args[0])
				}
				return errors.IO(errors.PhaseCompile, "read module", args[0], err)
			}
			e, err := a.openEngine(cmd.Context())
			if err != nil {
				return err
			}
			key, err := e.Compile(cmd.Context(), src)
			if err != nil {
				return err
			}
			funcs, err := e.Inspect(src)
			if err != nil {
				return err
			}
			if a.jsonOut {
				exports := make(map[string]string, len(funcs))
				for _, fn := range funcs {
					exports[fn.Name] = fn.Signature()
				}
				return writeJSON(a.stdout, map[string]any{"key": key, "exports": exports})
			}
			fmt.Fprintln(a.stdout, key)
			for _, fn := range funcs {
				fmt.Fprintf(a.stdout, "  %s%s\n", paint(a.styled, funcStyle, fn.Name), paint(a.styled, typeStyle, fn.Signature()))
			}
			return nil
		},
	}
}
