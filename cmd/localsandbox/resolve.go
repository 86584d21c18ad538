package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ajaxzhan/localsandbox/internal/config"
	"github.com/ajaxzhan/localsandbox/internal/engine/docker"
	"github.com/ajaxzhan/localsandbox/internal/image"
	"github.com/ajaxzhan/localsandbox/internal/logging"
	"github.com/ajaxzhan/localsandbox/pkg/types"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <agent>",
	Short: "Pull or build the image for an agent and print its reference",
	Args:  cobra.ExactArgs(1),
	RunE:  runResolve,
}

func init() {
	rootCmd.AddCommand(resolveCmd)
}

func runResolve(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	agent := types.AgentType(args[0])
	if !agent.Valid() {
		return fmt.Errorf("%w: %q (known: %s)", types.ErrUnknownAgent, agent, agentList())
	}

	local, err := config.LoadLocalOrEmpty(cfg.ConfigPath)
	if err != nil {
		return err
	}

	dc := docker.DefaultConfig()
	dc.PingTimeout = cfg.ConnectionTimeout
	dc.Logger = logging.L()
	eng, err := docker.New(ctx, dc)
	if err != nil {
		return err
	}
	defer eng.Close()

	ref, err := image.NewResolver(eng, cfg, image.WithLocalConfig(local), image.WithLogger(logging.L())).Resolve(ctx, agent)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), ref)
	return nil
}
