package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/opst/gridqueue/cmd/gridqd/recurring"
	"github.com/opst/gridqueue/pkg/configs/backend"
	"github.com/opst/gridqueue/pkg/loop"
	"github.com/opst/gridqueue/pkg/rpc"
	"github.com/opst/gridqueue/pkg/utils/echoutil"
	"github.com/opst/gridqueue/pkg/utils/filewatch"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const retryInterval = 10 * time.Second

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "serve JSON-RPC and run the scheduling loops",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			for {
				err := c.serveOnce(ctx)
				var modified *filewatch.Modified
				if !errors.As(err, &modified) {
					return err
				}
				c.log.WithField("path", modified.Path).Info("config is updated. restarting")
			}
		},
	}
}

// serveOnce runs the server until ctx is done or the config file is updated.
//
// On update, it returns *filewatch.Modified.
func (c *cli) serveOnce(ctx context.Context) error {
	conf, err := c.loadConfig()
	if err != nil {
		return err
	}

	wctx, stop, err := filewatch.UntilModifyContext(ctx, c.configPath)
	if err != nil {
		return fmt.Errorf("can not watch %s: %w", c.configPath, err)
	}
	defer stop()

	m := newMirror(conf, c.log)
	d, err := c.openDatabase(wctx, conf, m)
	if err != nil {
		return err
	}
	defer d.Close()

	q := conf.Queue()
	svc := rpc.New(
		d,
		rpc.WithLogger(c.log.WithField("component", "rpc")),
		rpc.WithMaxResets(q.MaxResets()),
		rpc.WithLocalGridspecs(q.Gridspecs()...),
		rpc.WithPriorityFactors(q.Priority()),
	)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	echoutil.SetLevel(e, conf.LogLevel())
	e.Use(echoutil.LogHandlerFunc(c.log.WithField("component", "http")))
	e.POST("/jsonrpc", svc.Handler())
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	eg, gctx := errgroup.WithContext(wctx)
	if m != nil {
		eg.Go(func() error {
			if err := m.Run(gctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	for name, task := range loops(svc, conf, c.log) {
		log := c.log.WithField("loop", name)
		interval := task.interval
		eg.Go(func() error {
			_, err := loop.Start(
				gctx, struct{}{},
				recurring.Monitored(log, task.run.Applied(
					recurring.Tolerant(recurring.Forever(interval), retryInterval, log),
				)),
			)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	eg.Go(func() error {
		c.log.WithField("port", conf.Port()).Info("start serving")
		if err := e.Start(fmt.Sprintf(":%d", conf.Port())); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(sctx)
	})

	if err := eg.Wait(); err != nil {
		return err
	}
	if cause := context.Cause(wctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return nil
}

type scheduled struct {
	interval time.Duration
	run      recurring.Task[struct{}]
}

// loops are the recurring duties of a site server.
func loops(svc *rpc.Service, conf *backend.BackendConfig, log logrus.FieldLogger) map[string]scheduled {
	q := conf.Queue()
	iv := conf.Intervals()
	return map[string]scheduled{
		"buffer": {
			interval: iv.Buffer(),
			run: func(ctx context.Context, v struct{}) (struct{}, bool, error) {
				r, err := svc.QueueBufferJobsTasks(ctx, q.Gridspecs(), q.Buffer())
				return v, r.Tasks != 0, err
			},
		},
		"queue": {
			interval: iv.Queue(),
			run: func(ctx context.Context, v struct{}) (struct{}, bool, error) {
				prios, err := svc.DatasetPriorities(ctx)
				if err != nil {
					return v, false, err
				}
				gridspecs := q.Gridspecs()
				if len(gridspecs) == 0 {
					// every gridspec, as buffering does
					gridspecs = []string{""}
				}
				queued := 0
				for _, g := range gridspecs {
					found, err := svc.QueueGetQueueingTasks(ctx, prios, g, q.Quota(), q.Resources())
					if err != nil {
						return v, queued != 0, err
					}
					queued += len(found)
				}
				return v, queued != 0, nil
			},
		},
		"reconcile": {
			interval: iv.Reconcile(),
			run:      reconcile(svc, log.WithField("loop", "reconcile")),
		},
	}
}

// reconcile is a round settling datasets whose tasks are all done.
func reconcile(svc *rpc.Service, log logrus.FieldLogger) recurring.Task[struct{}] {
	return func(ctx context.Context, v struct{}) (struct{}, bool, error) {
		settled, err := svc.CronDatasetCompletion(ctx)
		if err != nil {
			return v, false, err
		}
		n := 0
		for status, ids := range settled {
			n += len(ids)
			if len(ids) != 0 {
				log.WithField("datasets", ids).Infof("datasets are %s", status)
			}
		}
		return v, n != 0, nil
	}
}
