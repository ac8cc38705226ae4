package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/iurnickita/ticketpay/internal/handler"
	"github.com/iurnickita/ticketpay/internal/sweeper"
)

var serveWithSweeper bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveWithSweeper, "with-sweeper", false, "also re-verify stale pending orders in the background")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return handler.Serve(ctx, a.cfg.Handler, a.auth, a.service, a.zaplog)
	})
	if serveWithSweeper {
		g.Go(func() error {
			return sweeper.New(a.cfg.Sweeper, a.store, a.service, a.zaplog).Run(ctx)
		})
	}
	return g.Wait()
}
