package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	shellquote "github.com/kballard/go-shellquote"
	"github.com/spf13/cobra"

	"github.com/ajaxzhan/localsandbox/internal/logging"
	"github.com/ajaxzhan/localsandbox/internal/sandbox"
	"github.com/ajaxzhan/localsandbox/pkg/types"
)

var (
	runAgent      string
	runWorkDir    string
	runEnv        []string
	runBackground bool
	runStrict     bool
	runTimeout    time.Duration
	runKeep       bool
	runResume     string
)

var runCmd = &cobra.Command{
	Use:   "run [flags] -- <command> [args...]",
	Short: "Run a command in a new sandbox",
	Long: `Run creates a sandbox, runs one command in it and removes it again.

A single argument is passed to the shell as is; several arguments are quoted
and joined first.`,
	Example: `  localsandbox run --agent codex -- ls -la
  localsandbox run --env FOO=bar 'echo $FOO'`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runAgent, "agent", "", "Agent type: "+agentList())
	runCmd.Flags().StringVarP(&runWorkDir, "workdir", "w", "", "Working directory inside the workspace (default "+sandbox.DefaultWorkDir+")")
	runCmd.Flags().StringArrayVarP(&runEnv, "env", "e", nil, "Environment variable KEY=VALUE (repeatable)")
	runCmd.Flags().BoolVar(&runBackground, "background", false, "Start the command without waiting for it")
	runCmd.Flags().BoolVar(&runStrict, "strict", false, "Reject commands that chain, redirect or substitute")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Abort the command after this long")
	runCmd.Flags().BoolVar(&runKeep, "keep", false, "Leave the workspace running and print the sandbox id")
	runCmd.Flags().StringVar(&runResume, "resume", "", "Reuse the cache volume of an earlier sandbox id")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := logging.L()

	envs, err := parseEnv(runEnv)
	if err != nil {
		return err
	}

	opts := []sandbox.ProviderOption{
		sandbox.WithProviderLogger(log),
		sandbox.WithStrictCommands(runStrict),
	}
	sink, err := eventSink(ctx)
	if err != nil {
		return err
	}
	if sink != nil {
		defer sink.Close()
		opts = append(opts, sandbox.WithListener(sink.Listener()))
	}

	provider, err := sandbox.NewProvider(cfg, opts...)
	if err != nil {
		return err
	}
	defer provider.Close()

	var sb *sandbox.Sandbox
	if runResume != "" {
		sb, err = provider.Resume(ctx, runResume, nil)
	} else {
		sb, err = provider.Create(ctx, sandbox.CreateRequest{
			Envs:      envs,
			AgentType: types.AgentType(runAgent),
			WorkDir:   runWorkDir,
		})
	}
	if err != nil {
		return err
	}
	if !runKeep {
		defer sb.Kill(context.WithoutCancel(ctx))
	}

	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
	res, err := sb.Run(ctx, commandLine(args), types.RunOptions{
		Timeout:    runTimeout,
		Background: runBackground,
		OnStdout:   func(line string) { fmt.Fprintln(out, line) },
		OnStderr:   func(line string) { fmt.Fprintln(errOut, line) },
	})
	if err != nil {
		return err
	}

	if runBackground {
		fmt.Fprint(out, res.Stdout)
	}
	if res.ExitCode != 0 && res.Stdout == "" && res.Stderr != "" {
		fmt.Fprintln(errOut, res.Stderr)
	}
	if runKeep {
		fmt.Fprintf(errOut, "sandbox %s kept\n", sb.ID())
	}
	if res.ExitCode != 0 {
		return &exitError{code: res.ExitCode}
	}
	return nil
}

func commandLine(args []string) string {
	if len(args) == 1 {
		return args[0]
	}
	return shellquote.Join(args...)
}

func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	envs := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --env %q: expected KEY=VALUE", p)
		}
		envs[k] = v
	}
	return envs, nil
}

func agentList() string {
	names := make([]string, len(types.KnownAgentTypes))
	for i, a := range types.KnownAgentTypes {
		names[i] = string(a)
	}
	return strings.Join(names, ", ")
}
