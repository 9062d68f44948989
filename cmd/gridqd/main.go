// Command gridqd runs the gridqueue server of a site.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type cli struct {
	root *cobra.Command

	configPath string
	log        *logrus.Logger
}

func newCLI() *cli {
	c := &cli{log: logrus.New()}
	c.root = &cobra.Command{
		Use:           "gridqd",
		Short:         "gridqd buffers, queues and hands out tasks of datasets on a site",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	c.root.PersistentFlags().StringVar(
		&c.configPath, "config", os.Getenv("GRIDQ_CONFIG"), "path to config file (env: GRIDQ_CONFIG)",
	)

	c.root.AddCommand(c.serveCmd(), c.initDBCmd(), c.reconcileCmd())
	return c
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	c := newCLI()
	if err := c.root.ExecuteContext(ctx); err != nil {
		c.log.WithError(err).Fatal("gridqd stopped")
	}
}
