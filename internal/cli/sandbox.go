package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relayboard/internal/sandbox"
)

// NewSandboxCommand creates the sandbox command.
func NewSandboxCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Serve an in-memory Kanban API for dry runs",
		Long: `Serve the subset of the Kanban API that sync uses, backed by memory.

Point sync at it with --base-url http://<listen>/1. Faults can be injected
with POST /sandbox/faults and applied mutations are streamed on the
/sandbox/feed WebSocket.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSandbox(cmd.Context(), rootOpts, cmd.OutOrStdout(), nil)
		},
	}
	flags := cmd.Flags()
	flags.String("listen", "127.0.0.1:8089", "address to listen on")
	flags.String("api-key", "", "required API key; empty accepts any")
	flags.String("token", "", "required token; empty accepts any")
	flags.Int("sandbox-rate-limit", 100, "calls allowed per token and window; 0 disables")
	flags.Duration("sandbox-rate-window", 10*time.Second, "fixed rate window")
	flags.Int64("max-upload-bytes", 10<<20, "largest accepted attachment")
	return cmd
}

// runSandbox serves until ctx is done. ready, when set, receives the bound
// address once the listener is open.
func runSandbox(ctx context.Context, rootOpts *RootOptions, out io.Writer, ready chan<- string) error {
	v := rootOpts.Config
	logger := rootOpts.logger()
	if ctx == nil {
		ctx = context.Background()
	}

	server := sandbox.NewServerWithConfig(sandbox.NewStore(), sandbox.ServerConfig{
		APIKey:          v.GetString("api-key"),
		Token:           v.GetString("token"),
		RateLimitMax:    v.GetInt("sandbox-rate-limit"),
		RateLimitWindow: v.GetDuration("sandbox-rate-window"),
		MaxUploadBytes:  v.GetInt64("max-upload-bytes"),
		Logger:          logger,
	})

	listener, err := net.Listen("tcp", v.GetString("listen"))
	if err != nil {
		return err
	}
	addr := listener.Addr().String()
	httpServer := &http.Server{Handler: server, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.Serve(listener) }()

	logger.WithField("addr", addr).Info("sandbox listening")
	if _, err := fmt.Fprintf(out, "sandbox listening on http://%s/1\n", addr); err != nil {
		logger.WithError(err).Warn("failed to write listen address")
	}
	if ready != nil {
		ready <- addr
	}

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
