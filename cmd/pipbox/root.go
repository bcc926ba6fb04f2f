package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/buildpip/pipsandbox/internal/config"
	"github.com/buildpip/pipsandbox/internal/configschema"
	"github.com/buildpip/pipsandbox/internal/manifest"
	"github.com/buildpip/pipsandbox/internal/sandbox"
)

func loadPip(path string) (*config.PipConfig, error) {
	return config.Load(afero.NewOsFs(), path)
}

// newRunCmd wires the Controller-facing `run` contract to the command
// line: load a pip config, build its manifest, spawn the root process,
// and report the resulting SandboxedProcessResult.
func newRunCmd() *cobra.Command {
	var ptyFlag bool
	var loginFlag bool
	var shellOverride string

	cmd := &cobra.Command{
		Use:   "run <pip-config.jsonc> [-- extra-args...]",
		Short: "Run a pip inside the sandbox and print its result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pip, err := loadPip(args[0])
			if err != nil {
				return err
			}
			if extra := args[1:]; len(extra) > 0 {
				pip.Args = append(append([]string{}, pip.Args...), extra...)
			}
			if shellOverride != "" {
				pip.Shell = shellOverride
			}

			m, err := config.BuildManifest(pip.Manifest)
			if err != nil {
				return fmt.Errorf("build manifest: %w", err)
			}

			if pip.Executable == "" {
				mode, err := config.ParseShellMode(pip.Shell)
				if err != nil {
					return err
				}
				inv, err := sandbox.ResolveShell(mode, loginFlag)
				if err != nil {
					return fmt.Errorf("resolve shell: %w", err)
				}
				if len(pip.Args) != 1 {
					return fmt.Errorf("run: executable is empty, so exactly one positional command string is required for shell mode, got %d", len(pip.Args))
				}
				pip.Executable = inv.Path
				pip.Args = inv.Argv(pip.Args[0])
			}

			env := os.Environ()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if ptyFlag {
				// --pty bypasses the Controller, so its manifest handoff
				// happens here instead of inside Run.
				if manifestPath, cleanup, err := sandbox.WriteManifestFile(m); err == nil {
					defer cleanup()
					env = append(env, fmt.Sprintf("%s=%s", sandbox.ManifestPathEnv, manifestPath))
				} else {
					logrus.WithError(err).Warn("could not serialize manifest for agent handoff")
				}
				return runInteractive(ctx, *pip, env)
			}

			result, runErr := sandbox.NewController(logrus.NewEntry(logrus.StandardLogger())).Run(ctx, *pip, m, env)
			printResult(result)
			if runErr != nil {
				return runErr
			}
			if result.Status != sandbox.Succeeded {
				os.Exit(resultExitCode(result))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&ptyFlag, "pty", false, "Attach a controlling terminal to the root process (interactive debugging)")
	cmd.Flags().BoolVar(&loginFlag, "login", false, "Use a login shell invocation (-lc) in shell mode")
	cmd.Flags().StringVar(&shellOverride, "shell", "", `Override the pip config's shell mode ("default" or "user")`)
	return cmd
}

// runInteractive bypasses the Report Channel/Controller path entirely:
// `--pty` is for a human watching a pip run, not for collecting an
// aggregated SandboxedProcessResult, so it drives exec.Cmd directly and
// relays terminal I/O via startCommandWithPTY.
func runInteractive(ctx context.Context, pip config.PipConfig, env []string) error {
	cmd := exec.CommandContext(ctx, pip.Executable, pip.Args...)
	cmd.Dir = pip.Cwd
	cmd.Env = env

	cleanup, err := startCommandWithPTY(cmd)
	if err != nil {
		return fmt.Errorf("start pty: %w", err)
	}
	defer cleanup()

	return cmd.Wait()
}

func resultExitCode(result sandbox.SandboxedProcessResult) int {
	if result.ExitCode < 0 || result.ExitCode > 255 {
		return 1
	}
	return result.ExitCode
}

func printResult(result sandbox.SandboxedProcessResult) {
	fmt.Printf("status: %s\nexit code: %d\n", result.Status, result.ExitCode)
	fmt.Printf("accesses: %d\nviolations: %d\n", len(result.Accesses), len(result.Violations))
	for _, v := range result.Violations {
		fmt.Printf("  DENIED %s %v %s\n", v.Operation, v.RequestedAccess, v.Path)
	}
	for dir, names := range result.ObservedDirectoryEnumerations {
		fmt.Printf("  enumerated %s: %s\n", dir, strings.Join(names, ", "))
	}
}

// newValidateManifestCmd loads a pip config and builds its Policy Manifest
// and Access Classifier without running anything, surfacing build_manifest
// errors for use in CI or pre-flight checks.
func newValidateManifestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-manifest <pip-config.jsonc>",
		Short: "Build a pip's manifest and classifier without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pip, err := loadPip(args[0])
			if err != nil {
				return err
			}

			m, err := config.BuildManifest(pip.Manifest)
			if err != nil {
				return fmt.Errorf("build manifest: %w", err)
			}

			deniedExecutables := sandbox.ResolveDeniedExecutables(pip.Command)
			_ = config.BuildClassifier(*pip, m, deniedExecutables)

			encoded, err := manifest.Encode(m)
			if err != nil {
				return fmt.Errorf("encode manifest: %w", err)
			}

			fmt.Printf("ok: manifest valid (%d entries, %d translations, %d denied executables, %d wire bytes)\n",
				len(pip.Manifest.Entries), len(pip.Manifest.Translations), len(deniedExecutables), len(encoded))
			return nil
		},
	}
}

// newSchemaCmd exposes the config-schema generator directly from the CLI,
// alongside the standalone tools/generate-config-schema build-time tool.
func newSchemaCmd() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema for pip configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := configschema.Generate()
			if err != nil {
				return fmt.Errorf("generate schema: %w", err)
			}
			if outPath == "" || outPath == "-" {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return err
			}
			return os.WriteFile(outPath, append(data, '\n'), 0o600)
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", "Write the schema to a file instead of stdout")
	return cmd
}
