package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iurnickita/ticketpay/internal/sweeper"
)

var sweepOnce bool

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Re-verify pending orders that never got a webhook",
	RunE:  runSweep,
}

func init() {
	sweepCmd.Flags().BoolVar(&sweepOnce, "once", false, "run a single pass and exit")
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	sw := sweeper.New(a.cfg.Sweeper, a.store, a.service, a.zaplog)
	if !sweepOnce {
		return sw.Run(ctx)
	}

	report, err := sw.SweepPending(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "checked %d: paid %d, failed %d, pending %d, errors %d, stale %d (%d in total)\n",
		report.Checked, report.Paid, report.Failed, report.Pending, report.Errors, report.Stale, report.StaleTotal)
	return nil
}
