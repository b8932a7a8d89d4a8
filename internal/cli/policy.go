package cli

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/careflow/internal/compiler"
	"github.com/roach88/careflow/internal/engine"
	"github.com/roach88/careflow/internal/handlers"
	"github.com/roach88/careflow/internal/ir"
	"github.com/roach88/careflow/internal/store"
)

// PolicyOptions holds flags for the policy commands.
type PolicyOptions struct {
	*RootOptions
	Group string // group the loaded policies are attached to
}

// PolicyReport is the outcome of validating or loading a directory.
type PolicyReport struct {
	Valid    bool                    `json:"valid"`
	Files    int                     `json:"files"`
	Policies []string                `json:"policies"`
	Errors   []string                `json:"errors,omitempty"`
	Cycles   []compiler.CycleWarning `json:"cycles,omitempty"`
	Stored   bool                    `json:"stored,omitempty"`
	Group    string                  `json:"group,omitempty"`
}

// NewPolicyCommand creates the policy command group.
func NewPolicyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Validate and load CUE policies",
	}

	cmd.AddCommand(newPolicyValidateCommand(rootOpts))
	cmd.AddCommand(newPolicyLoadCommand(rootOpts))

	return cmd
}

func newPolicyValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PolicyOptions{RootOptions: rootOpts}

	return &cobra.Command{
		Use:   "validate <policy-dir>",
		Short: "Compile and validate policies without storing them",
		Long: `Compile every policy in a CUE directory and validate it: action ids,
types against the registered handlers, activation rules, schedules and
timezones. RunAction chains that schedule themselves are reported as
cycle warnings.

Exit codes:
  0 - All policies valid
  1 - Validation errors
  2 - Directory missing or not loadable`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, _, err := checkPolicies(opts, args[0], cmd)
			if err != nil {
				return err
			}
			return outputPolicyReport(opts, cmd, report)
		},
	}
}

func newPolicyLoadCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PolicyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "load <policy-dir>",
		Short: "Validate policies and store them",
		Long: `Validate every policy in a CUE directory and, if all are valid, store
them, replacing earlier versions with the same id. With --group, the
policy ids are added to that group's "policies" list so its members'
events evaluate them.

Example:
  careflow policy load --db careflow.db ./policies
  careflow policy load --group group/clinic ./policies`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPolicyLoad(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Group, "group", "", `group to attach the policies to ("group/<id>")`)

	return cmd
}

// checkPolicies loads and validates dir. A nil report comes with an
// ExitError for directories that could not be loaded at all.
func checkPolicies(opts *PolicyOptions, dir string, cmd *cobra.Command) (*PolicyReport, []ir.Policy, error) {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	result, errs := compiler.LoadDir(dir, compiler.LoadModeCollectAll)
	if result == nil {
		code, msg := compiler.ErrCodeGeneric, "no policies loaded"
		if len(errs) > 0 {
			msg = errs[0].Error()
			if le, ok := errs[0].(*compiler.LoadError); ok {
				code, msg = le.Code, le.Message
			}
		}
		_ = formatter.Error(code, msg, nil)
		return nil, nil, NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, msg))
	}
	formatter.VerboseLog("Compiled %d CUE file(s) in %s", result.FileCount, dir)

	report := &PolicyReport{
		Files:    result.FileCount,
		Policies: make([]string, 0, len(result.Policies)),
	}
	for _, err := range errs {
		report.Errors = append(report.Errors, err.Error())
	}

	types := handlerTypes()
	for _, p := range result.Policies {
		formatter.VerboseLog("Validating policy: %s", p.ID)
		report.Policies = append(report.Policies, p.ID)
		for _, v := range compiler.Validate(p, types...) {
			v.Field = p.ID + "." + v.Field
			report.Errors = append(report.Errors, v.Error())
		}
	}

	report.Cycles = compiler.AnalyzeCycles(result.Policies)
	report.Valid = len(report.Errors) == 0
	return report, result.Policies, nil
}

// handlerTypes lists the action types careflow can dispatch.
func handlerTypes() []string {
	reg := engine.NewRegistry()
	handlers.Register(reg, handlers.Deps{})
	return reg.Types()
}

func runPolicyLoad(opts *PolicyOptions, dir string, cmd *cobra.Command) error {
	var group ir.ResourceID
	if opts.Group != "" {
		id, err := ir.ParseResourceID(opts.Group)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --group", err)
		}
		group = id
	}

	report, policies, err := checkPolicies(opts, dir, cmd)
	if err != nil {
		return err
	}
	if !report.Valid {
		return outputPolicyReport(opts, cmd, report)
	}

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	logger := newLogger(opts.RootOptions, cfg, cmd.ErrOrStderr())

	st, err := store.Open(cfg.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	ctx := commandContext(cmd)
	for _, p := range policies {
		if err := st.PutPolicy(ctx, p); err != nil {
			return WrapExitError(ExitFailure, "failed to store policy "+p.ID, err)
		}
		logger.Info("policy stored", "policy", p.ID, "actions", len(p.Actions))
	}
	report.Stored = true

	if !group.IsZero() {
		if err := attachPolicies(ctx, st, group, report.Policies); err != nil {
			return WrapExitError(ExitFailure, "failed to attach policies", err)
		}
		report.Group = group.String()
		logger.Info("policies attached", "group", report.Group, "policies", report.Policies)
	}

	return outputPolicyReport(opts, cmd, report)
}

// attachPolicies appends ids missing from the group's "policies" list,
// creating the group document when it does not exist.
func attachPolicies(ctx context.Context, st *store.Store, group ir.ResourceID, ids []string) error {
	doc, ok, err := st.GetResource(ctx, group)
	if err != nil {
		return err
	}
	if !ok {
		return st.PutResource(ctx, group, ir.Document{"policies": ids})
	}

	list := doc.Strings("policies")
	for _, id := range ids {
		if !slices.Contains(list, id) {
			list = append(list, id)
		}
	}
	return st.UpdateResource(ctx, group, map[string]any{"policies": list})
}

func outputPolicyReport(opts *PolicyOptions, cmd *cobra.Command, report *PolicyReport) error {
	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}

	if report.Valid {
		return formatter.Report(func(w io.Writer) { writePolicyReport(w, report) }, report)
	}

	msg := fmt.Sprintf("validation failed with %d error(s)", len(report.Errors))
	if opts.Format == "json" {
		if err := formatter.encode(CLIResponse{
			Status: "error",
			Data:   report,
			Error:  &CLIError{Code: "E_INVALID", Message: msg},
		}); err != nil {
			return err
		}
	} else {
		writePolicyReport(formatter.Writer, report)
	}
	return NewExitError(ExitFailure, msg)
}

func writePolicyReport(w io.Writer, report *PolicyReport) {
	if !report.Valid {
		fmt.Fprintln(w, "✗ Validation failed")
		fmt.Fprintln(w)
		for _, e := range report.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
		return
	}

	verb := "valid"
	if report.Stored {
		verb = "stored"
	}
	fmt.Fprintf(w, "✓ %d policies %s (%d files)\n", len(report.Policies), verb, report.Files)
	for _, id := range report.Policies {
		fmt.Fprintf(w, "  %s\n", id)
	}
	if report.Group != "" {
		fmt.Fprintf(w, "attached to %s\n", report.Group)
	}
	for _, c := range report.Cycles {
		fmt.Fprintf(w, "warning: %s\n", c.Message)
	}
}
