package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/trialctl/pkg/lifecycle"
)

var listSteps bool

var createCmd = &cobra.Command{
	Use:   "create TRIAL_NAME CLIENT_CODE",
	Short: "Provision a trial environment",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			outcome, err := a.manager.CreateEnvironment(ctx, args[1], args[0])
			printOutcome(os.Stdout, outcome, "Trial Created Successfully")

			return outcomeErr(outcome, err)
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete TRIAL_ID",
	Short: "Tear down a trial environment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseTrialID(args[0])
		if err != nil {
			return err
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			outcome, err := a.manager.DeleteEnvironment(ctx, id)
			printOutcome(os.Stdout, outcome, "Trial Removed Successfully")

			return outcomeErr(outcome, err)
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved trials",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			listing, err := a.manager.ListEnvironments(ctx)
			if err != nil {
				return err
			}

			if !listSteps {
				fmt.Print(listing.String())

				return nil
			}

			return printJournal(ctx, os.Stdout, a.manager, listing)
		})
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run the host preflight checks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			report, err := a.checker.Run(ctx)
			if report != nil {
				fmt.Print(report.String())
			}

			return err
		})
	},
}

func init() {
	listCmd.Flags().BoolVar(&listSteps, "steps", false, "print the step journal of every trial")

	rootCmd.AddCommand(createCmd, deleteCmd, listCmd, checkCmd)
}

// withApp wires the application, runs fn under a signal-aware context and
// releases the registry afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}

	defer func() {
		if err := a.Close(); err != nil {
			log.WithError(err).Warn("Failed to close registry")
		}
	}()

	return fn(ctx, a)
}

func parseTrialID(s string) (uint, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid trial id %q", s)
	}

	return uint(id), nil
}

// printOutcome writes a human readable summary of a workflow outcome.
func printOutcome(w io.Writer, outcome *lifecycle.Outcome, success string) {
	if outcome == nil {
		return
	}

	if outcome.Resumed {
		fmt.Fprintf(w, "Resumed interrupted run, skipped: %s\n", strings.Join(outcome.Skipped, ", "))
	}

	if len(outcome.Absent) > 0 {
		fmt.Fprintf(w, "Already gone: %s\n", strings.Join(outcome.Absent, ", "))
	}

	if outcome.Success {
		fmt.Fprintln(w, success)

		return
	}

	if outcome.Message != "" {
		fmt.Fprintln(w, outcome.Message)
	}
}

// outcomeErr turns an unsuccessful outcome into a command error.
func outcomeErr(outcome *lifecycle.Outcome, err error) error {
	if err != nil || outcome == nil || outcome.Success {
		return err
	}

	return fmt.Errorf("%s: %s", outcome.Result, outcome.Message)
}

// printJournal renders every trial's step journal as a table.
func printJournal(
	ctx context.Context,
	w io.Writer,
	manager lifecycle.Manager,
	listing *lifecycle.Listing,
) error {
	if len(listing.Trials) == 0 {
		fmt.Fprint(w, listing.String())

		return nil
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "Name", "Code", "Stage", "Note", "At"})

	for _, t := range listing.Trials {
		detail, err := manager.GetEnvironment(ctx, t.ID)
		if err != nil {
			return err
		}

		for _, step := range detail.Steps {
			table.Append([]string{
				strconv.FormatUint(uint64(t.ID), 10),
				t.Name,
				t.ClientCode,
				string(step.Stage),
				step.Note,
				step.CreatedAt.Format(time.DateTime),
			})
		}
	}

	table.Render()

	return nil
}
