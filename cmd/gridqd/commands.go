package main

import (
	"github.com/opst/gridqueue/cmd/gridqd/recurring"
	"github.com/opst/gridqueue/pkg/db/tables"
	"github.com/opst/gridqueue/pkg/loop"
	"github.com/opst/gridqueue/pkg/rpc"
	"github.com/spf13/cobra"
)

func (c *cli) initDBCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-db",
		Short: "create tables of gridqueue in the configured database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			conf, err := c.loadConfig()
			if err != nil {
				return err
			}
			d, err := c.openDatabase(ctx, conf, nil)
			if err != nil {
				return err
			}
			defer d.Close()

			if err := tables.Apply(ctx, d); err != nil {
				return err
			}
			c.log.WithField("driver", conf.Database().Driver()).Info("tables are ready")
			return nil
		},
	}
}

func (c *cli) reconcileCmd() *cobra.Command {
	var policy string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "settle datasets whose tasks are all done",
		Long: `settle datasets whose tasks are all done.

By default it runs until no dataset is left to settle.
With --policy forever:INTERVAL, it keeps running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			p, err := recurring.ParsePolicy(policy)
			if err != nil {
				return err
			}
			conf, err := c.loadConfig()
			if err != nil {
				return err
			}
			d, err := c.openDatabase(ctx, conf, nil)
			if err != nil {
				return err
			}
			defer d.Close()

			svc := rpc.New(d, rpc.WithLogger(c.log.WithField("component", "rpc")))
			log := c.log.WithField("loop", "reconcile")
			_, err = loop.Start(
				ctx, struct{}{},
				recurring.Monitored(log, reconcile(svc, log).Applied(recurring.UntilError(p))),
			)
			return err
		},
	}
	cmd.Flags().StringVar(&policy, "policy", "backlog", `"backlog" or "forever[:INTERVAL]"`)
	return cmd
}
