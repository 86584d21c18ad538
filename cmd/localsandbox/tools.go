package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	shellquote "github.com/kballard/go-shellquote"
	"github.com/spf13/cobra"

	"github.com/ajaxzhan/localsandbox/internal/logging"
	"github.com/ajaxzhan/localsandbox/internal/tools"
)

var (
	toolServers []string
	toolCall    string
	toolArgs    string
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List or call the tools offered by MCP servers",
	Example: `  localsandbox tools --server fs='npx -y @modelcontextprotocol/server-filesystem /tmp'
  localsandbox tools --server web=http://localhost:9000/mcp --call fetch --args '{"url":"https://example.com"}'`,
	Args: cobra.NoArgs,
	RunE: runTools,
}

func init() {
	toolsCmd.Flags().StringArrayVar(&toolServers, "server", nil, "MCP server NAME=COMMAND or NAME=URL (repeatable)")
	toolsCmd.Flags().StringVar(&toolCall, "call", "", "Call this tool instead of listing")
	toolsCmd.Flags().StringVar(&toolArgs, "args", "", "Tool arguments as a JSON object")
	_ = toolsCmd.MarkFlagRequired("server")
	rootCmd.AddCommand(toolsCmd)
}

func runTools(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	servers, err := parseServers(toolServers)
	if err != nil {
		return err
	}

	m := tools.NewManager(tools.WithLogger(logging.L()))
	defer m.Cleanup()
	if err := m.Initialize(ctx, servers); err != nil {
		logging.L().Warn(err.Error())
	}

	out := cmd.OutOrStdout()
	if toolCall != "" {
		var callArgs map[string]any
		if toolArgs != "" {
			if err := json.Unmarshal([]byte(toolArgs), &callArgs); err != nil {
				return fmt.Errorf("invalid --args: %w", err)
			}
		}
		res, err := m.ExecuteTool(ctx, toolCall, callArgs)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, res)
		return nil
	}

	list, err := m.ListTools(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSERVER\tDESCRIPTION")
	for _, t := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\n", t.Name, t.Server, firstLine(t.Description))
	}
	return w.Flush()
}

// parseServers turns NAME=COMMAND or NAME=URL flags into server configs.
func parseServers(specs []string) ([]tools.ServerConfig, error) {
	servers := make([]tools.ServerConfig, 0, len(specs))
	for _, s := range specs {
		name, target, ok := strings.Cut(s, "=")
		if !ok || name == "" || target == "" {
			return nil, fmt.Errorf("invalid --server %q: expected NAME=COMMAND or NAME=URL", s)
		}
		if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
			servers = append(servers, tools.ServerConfig{Name: name, URL: target})
			continue
		}
		argv, err := shellquote.Split(target)
		if err != nil {
			return nil, fmt.Errorf("invalid --server %q: %w", s, err)
		}
		if len(argv) == 0 {
			return nil, fmt.Errorf("invalid --server %q: empty command", s)
		}
		servers = append(servers, tools.ServerConfig{Name: name, Command: argv[0], Args: argv[1:]})
	}
	return servers, nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
