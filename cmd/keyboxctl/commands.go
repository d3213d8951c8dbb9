package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"keyboxd/internal/flags"
	"keyboxd/internal/health"
	"keyboxd/internal/ipc"
	"keyboxd/internal/keybox"
	"keyboxd/internal/override"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newStatusCmd(opts *options) *cobra.Command {
	var showKeybox bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the override state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, ctx, done, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			st, err := client.Status(ctx, showKeybox)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				return printJSON(out, st)
			}
			printStatus(out, st)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&showKeybox, "keybox", "k", false, "include details of the installed keybox file")
	return cmd
}

func printStatus(w io.Writer, st *ipc.StatusResponse) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, f := range st.Fields {
		fmt.Fprintf(tw, "%s:\t%s\n", f.Label, f.Value)
	}
	if st.Keybox != nil {
		if st.Keybox.Exists {
			fmt.Fprintf(tw, "Keybox File:\t%s (%d bytes)\n", st.Keybox.Path, st.Keybox.Size)
			fmt.Fprintf(tw, "Keybox SHA-256:\t%s\n", st.Keybox.SHA256)
			fmt.Fprintf(tw, "Installed:\t%s\n", st.Keybox.ModTime.Format("2006-01-02 15:04:05"))
		} else {
			fmt.Fprintf(tw, "Keybox File:\t%s (not installed)\n", st.Keybox.Path)
		}
	}
	tw.Flush()
}

func newEnableCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:       "enable [overlay|xml]",
		Short:     "Turn the override on, optionally selecting the keybox source",
		Long:      "Turn the override on. Without an argument the previously selected source is kept.",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"overlay", "xml"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var mode *flags.SourceMode
			if len(args) == 1 {
				m, err := flags.ParseSourceMode(args[0])
				if err != nil {
					return err
				}
				mode = &m
			}

			client, ctx, done, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			var tr *ipc.TransitionResponse
			if mode != nil {
				tr, err = client.Enable(ctx, *mode)
			} else {
				tr, err = client.SetSpoofEnabled(ctx, true)
			}
			if err != nil {
				return err
			}
			return reportTransition(cmd.OutOrStdout(), cmd.ErrOrStderr(), opts, tr)
		},
	}
}

func newDisableCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "disable",
		Short: "Turn the override off",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, ctx, done, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			tr, err := client.Disable(ctx)
			if err != nil {
				return err
			}
			return reportTransition(cmd.OutOrStdout(), cmd.ErrOrStderr(), opts, tr)
		},
	}
}

func reportTransition(out, errOut io.Writer, opts *options, tr *ipc.TransitionResponse) error {
	if opts.jsonOutput {
		return printJSON(out, tr)
	}
	if tr.From == tr.To {
		fmt.Fprintf(out, "Already %s\n", tr.To)
	} else {
		fmt.Fprintf(out, "%s -> %s\n", tr.From, tr.To)
	}
	if tr.Fallback {
		fmt.Fprintf(errOut, "warning: no usable XML keybox, the service will use the %s keybox\n", tr.EffectiveMode)
	}
	if tr.ReloadError != "" {
		fmt.Fprintf(errOut, "warning: attestation service reload failed: %s\n", tr.ReloadError)
	}
	return nil
}

// readSource reads the keybox named by arg; "-" is stdin, which must not
// be a terminal.
func readSource(arg string, stdin *os.File, limit int64) (name string, data []byte, err error) {
	var r io.Reader
	if arg == "-" {
		if term.IsTerminal(int(stdin.Fd())) {
			return "", nil, errors.New("refusing to read a keybox from a terminal; pipe a file or pass a path")
		}
		name, r = "stdin.xml", stdin
	} else {
		f, err := os.Open(arg)
		if err != nil {
			return "", nil, err
		}
		defer f.Close()
		name, r = filepath.Base(arg), f
	}

	data, err = io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return "", nil, err
	}
	if int64(len(data)) > limit {
		return "", nil, keybox.NewImportError(keybox.ReadFailed, fmt.Errorf("%w: limit %d bytes", keybox.ErrTooLarge, limit))
	}
	return name, data, nil
}

// importOutput is the --json form of import; Transition is set with --enable.
type importOutput struct {
	Result     *keybox.Result          `json:"result"`
	Transition *ipc.TransitionResponse `json:"transition,omitempty"`
}

func newImportCmd(opts *options) *cobra.Command {
	var enableXML bool

	cmd := &cobra.Command{
		Use:   "import <file|->",
		Short: "Install a keybox XML file and reload the attestation service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, data, err := readSource(args[0], os.Stdin, keybox.DefaultMaxSize*16)
			if err != nil {
				return err
			}

			client, ctx, done, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			out := cmd.OutOrStdout()
			res, err := client.ImportKeybox(ctx, name, data)
			if res != nil && !opts.jsonOutput {
				fmt.Fprintf(out, "Installed %s (%d bytes, sha256 %s)\n", res.Path, res.Size, res.SHA256)
			}
			if err != nil {
				if res != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), "warning: the file is installed; run 'keyboxctl reload' once the service is available")
				}
				return err
			}

			var tr *ipc.TransitionResponse
			if enableXML {
				if tr, err = client.Enable(ctx, flags.ModeXML); err != nil {
					return err
				}
			}
			if opts.jsonOutput {
				return printJSON(out, importOutput{Result: res, Transition: tr})
			}
			if tr != nil {
				return reportTransition(out, cmd.ErrOrStderr(), opts, tr)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&enableXML, "enable", false, "enable the override with the XML source after a successful import")
	return cmd
}

func newReloadCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Ask the attestation service to reload the installed keybox",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, ctx, done, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			resp, err := client.Reload(ctx)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			if resp.KeyboxLoaded {
				fmt.Fprintln(cmd.OutOrStdout(), "Reloaded; keybox loaded")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "Reloaded; the service did not load a keybox")
			}
			return nil
		},
	}
}

func newHealthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Run the daemon's health checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, ctx, done, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			report, err := client.Health(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				if err := printJSON(out, report); err != nil {
					return err
				}
			} else {
				printHealth(out, report)
			}
			if report.Status == health.StatusUnhealthy {
				return errors.New("daemon is unhealthy")
			}
			return nil
		},
	}
}

func printHealth(w io.Writer, report *health.Report) {
	fmt.Fprintf(w, "Status: %s (up %s, ready: %t)\n", report.Status, report.Uptime, report.Ready)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, name := range report.Names() {
		res := report.Components[name]
		line := fmt.Sprintf("  %s\t%s\t%s", name, res.Status, res.Message)
		if res.Error != "" {
			line += " (" + res.Error + ")"
		}
		fmt.Fprintln(tw, line)
	}
	tw.Flush()
}

func newEventsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:       "events [type...]",
		Short:     "Stream daemon events until interrupted",
		ValidArgs: []string{string(override.EventTransition), string(override.EventImport), string(override.EventReload), string(override.EventKeyboxChanged)},
		Args:      cobra.OnlyValidArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			types := make([]override.EventType, 0, len(args))
			for _, a := range args {
				types = append(types, override.EventType(a))
			}

			client, ctx, done, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			if err := client.Subscribe(ctx, types...); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for ev := range client.Events() {
				if opts.jsonOutput {
					if err := json.NewEncoder(out).Encode(ev); err != nil {
						return err
					}
					continue
				}
				fmt.Fprintln(out, formatEvent(ev))
			}
			return ipc.ErrConnectionLost
		},
	}
}

func formatEvent(ev *ipc.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-14s %s", ev.Timestamp.Format("15:04:05"), ev.Type, ev.State)
	switch {
	case ev.Transition != nil:
		fmt.Fprintf(&b, " (from %s)", ev.Transition.From)
	case ev.Import != nil:
		fmt.Fprintf(&b, " installed %s sha256 %s", ev.Import.Path, ev.Import.SHA256)
	case ev.File != nil && ev.File.Exists:
		fmt.Fprintf(&b, " file now sha256 %s", ev.File.SHA256)
	case ev.File != nil:
		b.WriteString(" file removed")
	}
	if ev.Error != "" {
		fmt.Fprintf(&b, " error: %s", ev.Error)
	}
	return b.String()
}

func newPingCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the daemon answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, ctx, done, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			if err := client.Ping(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "keyboxd %s (session %s, %s)\n", client.ServerVersion(), client.SessionID(), client.Permission())
			return nil
		},
	}
}
