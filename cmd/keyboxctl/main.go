// keyboxctl is the control CLI for keyboxd.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"keyboxd/internal/config"
	"keyboxd/internal/ipc"
	"keyboxd/internal/keybox"
)

// Version is set by the linker.
var Version = "dev"

type options struct {
	socketPath string
	timeout    time.Duration
	jsonOutput bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "keyboxctl:", err)
		os.Exit(exitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "keyboxctl",
		Short:         "Control utility for keyboxd",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.socketPath, "socket", "s", defaultSocketPath(), "keyboxd control socket")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")
	cmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "print machine-readable JSON")

	cmd.AddCommand(
		newStatusCmd(opts),
		newEnableCmd(opts),
		newDisableCmd(opts),
		newImportCmd(opts),
		newReloadCmd(opts),
		newHealthCmd(opts),
		newEventsCmd(opts),
		newPingCmd(opts),
	)

	return cmd
}

func defaultSocketPath() string {
	if v := os.Getenv("KEYBOXD_SOCKET_PATH"); v != "" {
		return v
	}
	return config.GetDefaultPaths().SocketPath
}

// connect dials the daemon. The returned context carries the request
// timeout.
func (o *options) connect(parent context.Context) (*ipc.IPCClient, context.Context, context.CancelFunc, error) {
	if parent == nil {
		parent = context.Background()
	}
	cfg := ipc.DefaultClientConfig(o.socketPath)
	cfg.ClientName = "keyboxctl"
	cfg.ClientVersion = Version
	cfg.RequestTimeout = o.timeout

	client := ipc.NewClient(cfg)
	ctx, cancel := context.WithTimeout(parent, o.timeout)
	if err := client.Connect(ctx); err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return client, ctx, func() {
		cancel()
		client.Close()
	}, nil
}

// Exit codes beyond 1 let scripts tell failures apart.
const (
	exitDaemonNotRunning = 3
	exitPermissionDenied = 4
	exitImportBase       = 10
)

func exitCode(err error) int {
	var ie *keybox.ImportError
	switch {
	case errors.Is(err, ipc.ErrDaemonNotRunning):
		return exitDaemonNotRunning
	case errors.Is(err, ipc.ErrPermissionDenied):
		return exitPermissionDenied
	case errors.As(err, &ie):
		return exitImportBase + int(ie.Kind)
	default:
		return 1
	}
}
