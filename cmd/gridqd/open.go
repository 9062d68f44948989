package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/opst/gridqueue/pkg/configs/backend"
	"github.com/opst/gridqueue/pkg/conn/store"
	"github.com/opst/gridqueue/pkg/conn/store/postgres"
	"github.com/opst/gridqueue/pkg/conn/store/sqlite"
	"github.com/opst/gridqueue/pkg/mirror"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// loadConfig reads the config file, and sets the log level from it.
func (c *cli) loadConfig() (*backend.BackendConfig, error) {
	if c.configPath == "" {
		return nil, fmt.Errorf("--config (or GRIDQ_CONFIG) is required")
	}
	conf, err := backend.LoadBackendConfig(c.configPath)
	if err != nil {
		return nil, fmt.Errorf("can not read configuration %s: %w", c.configPath, err)
	}
	level, err := logrus.ParseLevel(conf.LogLevel())
	if err != nil {
		return nil, err
	}
	c.log.SetLevel(level)
	return conf, nil
}

// openStore connects to the database named in conf.
func openStore(ctx context.Context, conf *backend.DatabaseConfig) (store.Store, error) {
	switch conf.Driver() {
	case "sqlite":
		return sqlite.Open(ctx, conf.DSN())
	case "postgres":
		return postgres.Open(ctx, conf.DSN(), postgres.Serializable())
	default:
		return nil, fmt.Errorf("unknown database driver: %s", conf.Driver())
	}
}

// newMirror builds the mirror to the master, or nil when there is no master.
func newMirror(conf *backend.BackendConfig, log logrus.FieldLogger) *mirror.Mirror {
	m := conf.Master()
	if m == nil {
		return nil
	}

	var sink mirror.Sink
	if r := m.Redis(); r != nil {
		sink = mirror.RedisSink{
			Client: redis.NewClient(&redis.Options{Addr: r.Addr(), Password: r.Password(), DB: r.DB()}),
			Key:    r.Key(),
			SiteID: conf.SiteID(),
		}
	} else {
		sink = mirror.HTTPSink{
			Master: m.URL(),
			SiteID: conf.SiteID(),
			Client: &http.Client{Timeout: 30 * time.Second},
		}
	}
	return mirror.New(sink, mirror.WithCapacity(m.Capacity()), mirror.WithLogger(log.WithField("component", "mirror")))
}

// openDatabase opens the database of conf. It mirrors to m when m is not nil.
func (c *cli) openDatabase(ctx context.Context, conf *backend.BackendConfig, m *mirror.Mirror) (*store.Database, error) {
	st, err := openStore(ctx, conf.Database())
	if err != nil {
		return nil, err
	}
	options := []store.Option{
		store.WithSite(conf.SiteID()),
		store.WithRetry(conf.Database().Attempts(), conf.Database().Backoff()),
		store.WithLogger(c.log.WithField("component", "store")),
	}
	if m != nil {
		options = append(options, store.WithMirror(m))
	}
	return store.New(st, options...), nil
}
