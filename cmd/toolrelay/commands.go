package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"toolrelay/internal/adapter/gateway"
	"toolrelay/internal/domain"
	"toolrelay/internal/infra/config"
)

// teardownTimeout bounds disconnecting servers on exit.
const teardownTimeout = 10 * time.Second

func buildServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket gateway",
		Long: `Connect every configured MCP server, then serve the REST API, the /ws chat
socket and /metrics until SIGINT or SIGTERM. Servers that fail to connect are
logged and skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *configPath)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	a.connectAll(ctx)

	srv := gateway.NewServer(gateway.ServerDeps{
		Registry:     a.registry,
		Orchestrator: a.orchestrator,
		Bus:          a.bus,
		Metrics:      a.metrics,
		Config:       a.cfg.Gateway,
		Logger:       a.logger,
	})
	return srv.Start(ctx)
}

func buildChatCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "chat <prompt>",
		Short: "Run one prompt through the tool-calling loop",
		Long: `Connect every configured MCP server and run a single orchestration.
Assistant text goes to stdout, tool progress to stderr.`,
		Example: `  toolrelay chat "What is 2 + 3?"`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runChat(ctx, *configPath, strings.Join(args, " "), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

func runChat(ctx context.Context, configPath, prompt string, stdout, stderr io.Writer) error {
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	a.connectAll(ctx)

	history := []domain.Message{{Role: domain.RoleUser, Content: prompt, Timestamp: time.Now()}}
	_, err = a.orchestrator.Run(ctx, history, func(ev domain.StreamEvent) error {
		printEvent(stdout, stderr, ev)
		return nil
	})
	return err
}

// printEvent renders one orchestration event for a terminal.
func printEvent(stdout, stderr io.Writer, ev domain.StreamEvent) {
	switch ev.Kind {
	case domain.StreamAssistantText:
		fmt.Fprint(stdout, ev.Text)
	case domain.StreamToolExecuting:
		fmt.Fprintf(stderr, "\n[tool] %s\n", ev.ToolName)
	case domain.StreamToolResult:
		label := "result"
		if ev.IsError {
			label = "error"
		}
		fmt.Fprintf(stderr, "[tool] %s %s: %s\n", ev.ToolName, label, ev.Text)
	case domain.StreamComplete:
		fmt.Fprintln(stdout)
	case domain.StreamError:
		fmt.Fprintf(stderr, "\nerror: %s\n", ev.Text)
	}
}

func buildToolsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the tools of every configured MCP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTools(cmd.Context(), *configPath, cmd.OutOrStdout())
		},
	}
}

func runTools(ctx context.Context, configPath string, out io.Writer) error {
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	if a.connectAll(ctx) == 0 && len(a.cfg.Servers) > 0 {
		return errors.New("no server could be connected")
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, schema := range a.registry.Schemas() {
		fmt.Fprintf(w, "%s\t%s\n", schema.Name, toolSummary(a.registry, schema))
	}
	return w.Flush()
}

// ownerFinder reports which server first exposes a bare tool name.
type ownerFinder interface {
	FindOwningSession(toolName string) (string, bool)
}

// toolSummary is the first description line, noting when an earlier server
// exposes the same bare tool name.
func toolSummary(owners ownerFinder, schema domain.ToolSchema) string {
	summary := firstLine(schema.Description)
	server, tool, err := domain.SplitToolName(schema.Name)
	if err != nil {
		return summary
	}
	if owner, ok := owners.FindOwningSession(tool); ok && owner != server {
		summary = strings.TrimSpace(fmt.Sprintf("[also on %s] %s", owner, summary))
	}
	return summary
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}

func buildEncryptSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt-secret <value>",
		Short: "Encrypt a value for use in the configuration file",
		Long: `Encrypt a secret with the TOOLRELAY_CONFIG_KEY passphrase. Paste the output
into llm.provider.api_key or a server env value; it is decrypted at load time.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			passphrase := os.Getenv("TOOLRELAY_CONFIG_KEY")
			if passphrase == "" {
				return errors.New("TOOLRELAY_CONFIG_KEY is not set")
			}
			enc, err := config.EncryptValue(args[0], passphrase)
			if err != nil {
				return fmt.Errorf("%w: %w", domain.ErrEncryption, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), config.EncryptedPrefix+enc)
			return nil
		},
	}
}
