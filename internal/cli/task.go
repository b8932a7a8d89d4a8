package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/careflow/internal/ir"
	"github.com/roach88/careflow/internal/scheduler"
)

// NewTaskCommand creates the task command group.
func NewTaskCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Operate on scheduled tasks",
	}

	cmd.AddCommand(newTaskDeliverCommand(rootOpts))

	return cmd
}

func newTaskDeliverCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "deliver <payload.json>",
		Short: "Deliver one task payload now",
		Long: `Deliver a task payload as if its task had come due: count down the
action's maxrun, re-arm cron actions and publish an internal message per
recipient. A payload without action_id delivers the person's engagement
task. "-" reads stdin. Re-armed tasks are lost unless tasks.backend is
redis.

Example:
  echo '{"parent_id":"group/clinic","action_id":"checkin"}' | careflow task deliver -`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTaskDeliver(rootOpts, args[0], cmd)
		},
	}
}

func runTaskDeliver(opts *RootOptions, path string, cmd *cobra.Command) error {
	data, err := readInput(path, cmd.InOrStdin())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read payload", err)
	}
	var payload ir.TaskPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return WrapExitError(ExitCommandError, "invalid task payload", err)
	}
	if payload.Parent.IsZero() {
		return NewExitError(ExitCommandError, "invalid task payload: parent_id is required")
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	logger := newLogger(opts, cfg, cmd.ErrOrStderr())

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

	d, err := app.Scheduler.Deliver(ctx, payload)
	if err != nil {
		return WrapExitError(ExitFailure, "delivery failed", err)
	}

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	return formatter.Report(func(w io.Writer) { writeDelivery(w, d) }, d)
}

func writeDelivery(w io.Writer, d scheduler.Delivery) {
	name := d.ActionID
	if name == "" {
		name = "engagement"
	}
	switch {
	case d.Missing:
		fmt.Fprintf(w, "%s: action no longer exists\n", name)
		return
	case d.Deleted:
		fmt.Fprintf(w, "%s: delivered, maxrun exhausted\n", name)
	default:
		fmt.Fprintf(w, "%s: delivered\n", name)
	}

	recipients := make([]string, 0, len(d.Recipients))
	for _, r := range d.Recipients {
		recipients = append(recipients, r.String())
	}
	if len(recipients) > 0 {
		fmt.Fprintf(w, "  recipients: %s\n", strings.Join(recipients, ", "))
	}
	if d.Rearmed != nil {
		fmt.Fprintf(w, "  next run: %s\n", d.Rearmed.FireAt.Format("2006-01-02T15:04:05Z07:00"))
	}
}
