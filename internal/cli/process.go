package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/careflow/internal/engine"
	"github.com/roach88/careflow/internal/ir"
)

// ProcessOptions holds flags for the process command.
type ProcessOptions struct {
	*RootOptions
	Channel string
}

// NewProcessCommand creates the process command.
func NewProcessCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProcessOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "process <event.json>",
		Short: "Run one event through the engine",
		Long: `Run a single message or data row through the engine and report what
each candidate action did.

The file holds the row in its topic form; "-" reads stdin. Tasks armed
while processing are lost unless tasks.backend is redis.

Example:
  careflow process --db careflow.db inbound.json
  echo '{"sender":"+15550001","receiver":"+15559999","content":"help"}' | careflow process -`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProcess(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Channel, "channel", string(ir.ChannelMessage), "event channel (message|data)")

	return cmd
}

func runProcess(opts *ProcessOptions, path string, cmd *cobra.Command) error {
	ch := ir.Channel(opts.Channel)
	if ch != ir.ChannelMessage && ch != ir.ChannelData {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid channel %q: must be message or data", opts.Channel))
	}

	payload, err := readInput(path, cmd.InOrStdin())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read event", err)
	}

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	logger := newLogger(opts.RootOptions, cfg, cmd.ErrOrStderr())

	ctx := commandContext(cmd)
	app, err := openApp(ctx, cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start", err)
	}
	defer func() {
		if closeErr := app.Close(); closeErr != nil {
			logger.Error("error closing careflow", "error", closeErr)
		}
	}()

	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	out, err := app.Process(ctx, ch, payload)
	if out == nil && err != nil {
		_ = formatter.Error("E_EVENT", err.Error(), nil)
		return WrapExitError(ExitFailure, "event rejected", err)
	}

	if reportErr := formatter.Report(func(w io.Writer) { writeOutcome(w, out) }, out); reportErr != nil {
		return reportErr
	}
	if err != nil {
		return WrapExitError(ExitFailure, "event processed with errors", err)
	}
	return nil
}

func writeOutcome(w io.Writer, out *engine.Outcome) {
	fmt.Fprintf(w, "resource: %s\n", out.Resource)
	for _, f := range out.Report.Fired {
		fmt.Fprintf(w, "  fired   %s (%s)\n", f.ActionID, f.Type)
	}
	for _, s := range out.Report.Skipped {
		fmt.Fprintf(w, "  skipped %s: %s\n", s.ActionID, s.Reason)
	}
	for _, f := range out.Report.Failed {
		fmt.Fprintf(w, "  failed  %s: %s\n", f.ActionID, f.Error)
	}
	if out.Engagement != nil {
		fmt.Fprintf(w, "engagement task %s at %s\n", out.Engagement.ID, out.Engagement.FireAt.Format("2006-01-02T15:04:05Z07:00"))
	}
}

// readInput reads path, or r when path is "-".
func readInput(path string, r io.Reader) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(r)
	}
	return os.ReadFile(path)
}
