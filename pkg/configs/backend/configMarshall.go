package backend

import (
	"fmt"
	"net/url"
	"time"

	"github.com/opst/gridqueue/pkg/queue/priority"
	"github.com/opst/gridqueue/pkg/resources"
	"github.com/sirupsen/logrus"
)

type Marshalled[S any] interface {
	trySeal(string) S
}

// seal marshalled object.
//
// this function CAN CAUSE PANIC if misconfiguration is found.
//
// All types named `pkg/configs/backend.XxxMarshall` are `Marshalled[*Xxx]` .
func TrySeal[S any](conf Marshalled[S]) S {
	return conf.trySeal("(root)")
}

// Configuration of a gridqd server.
//
// This type is marshalling value and mutable.
// Consider to use immutable version, `BackendConfig`.
type BackendConfigMarshall struct {
	SiteID    uint64                   `yaml:"site_id"`
	Port      int32                    `yaml:"port"`
	LogLevel  string                   `yaml:"log_level,omitempty"`
	Database  *DatabaseConfigMarshall  `yaml:"database"`
	Master    *MasterConfigMarshall    `yaml:"master,omitempty"`
	Queue     *QueueConfigMarshall     `yaml:"queue,omitempty"`
	Intervals *IntervalsConfigMarshall `yaml:"intervals,omitempty"`
}

var _ Marshalled[*BackendConfig] = &BackendConfigMarshall{}

func (b *BackendConfigMarshall) trySeal(path string) *BackendConfig {
	level := b.LogLevel
	if level == "" {
		level = "info"
	}
	if _, err := logrus.ParseLevel(level); err != nil {
		panic(fmt.Errorf("%s.log_level: %w", path, err))
	}

	var master *MasterConfig
	if b.Master != nil {
		master = b.Master.trySeal(path + ".master")
	}
	queue := b.Queue
	if queue == nil {
		queue = &QueueConfigMarshall{}
	}
	intervals := b.Intervals
	if intervals == nil {
		intervals = &IntervalsConfigMarshall{}
	}

	return &BackendConfig{
		siteID:    b.SiteID,
		port:      required(b.Port, path+".port"),
		logLevel:  level,
		database:  nonnil(b.Database, path+".database").trySeal(path + ".database"),
		master:    master,
		queue:     queue.trySeal(path + ".queue"),
		intervals: intervals.trySeal(path + ".intervals"),
	}
}

type DatabaseConfigMarshall struct {
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`
	Attempts int    `yaml:"attempts,omitempty"`
	Backoff  string `yaml:"backoff,omitempty"`
}

func (d *DatabaseConfigMarshall) trySeal(path string) *DatabaseConfig {
	driver := required(d.Driver, path+".driver")
	if driver != "sqlite" && driver != "postgres" {
		panic(fmt.Sprintf("%s.driver should be sqlite or postgres, but %s", path, driver))
	}
	attempts := d.Attempts
	if attempts == 0 {
		attempts = 10
	}
	if attempts < 1 {
		panic(fmt.Sprintf("%s.attempts should be positive, but %d", path, attempts))
	}
	return &DatabaseConfig{
		driver:   driver,
		dsn:      required(d.DSN, path+".dsn"),
		attempts: attempts,
		backoff:  duration(d.Backoff, 75*time.Millisecond, path+".backoff"),
	}
}

// Where mirrored writes go. Either url or redis is required.
type MasterConfigMarshall struct {
	URL      string               `yaml:"url,omitempty"`
	Redis    *RedisConfigMarshall `yaml:"redis,omitempty"`
	Capacity int                  `yaml:"capacity,omitempty"`
}

func (m *MasterConfigMarshall) trySeal(path string) *MasterConfig {
	capacity := m.Capacity
	if capacity <= 0 {
		capacity = 1000
	}
	conf := &MasterConfig{capacity: capacity}

	switch {
	case m.URL != "" && m.Redis != nil:
		panic(path + ": only one of url and redis can be set")
	case m.URL != "":
		u, err := url.Parse(m.URL)
		if err != nil {
			panic(fmt.Errorf("%s.url can not be parsed: %w", path, err))
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			panic(fmt.Sprintf("%s.url should be http(s), but %s", path, m.URL))
		}
		conf.url = u
	case m.Redis != nil:
		conf.redis = m.Redis.trySeal(path + ".redis")
	default:
		panic(path + ".url or " + path + ".redis is required")
	}
	return conf
}

type RedisConfigMarshall struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Key      string `yaml:"key,omitempty"`
}

func (r *RedisConfigMarshall) trySeal(path string) *RedisConfig {
	return &RedisConfig{
		addr:     required(r.Addr, path+".addr"),
		password: r.Password,
		db:       r.DB,
		key:      r.Key,
	}
}

type QueueConfigMarshall struct {
	MaxResets int                 `yaml:"max_resets,omitempty"`
	Buffer    int                 `yaml:"buffer,omitempty"`
	Quota     int                 `yaml:"quota,omitempty"`
	Gridspecs []string            `yaml:"gridspecs,omitempty"`
	Resources resources.Resources `yaml:"resources,omitempty"`
	Priority  *priority.Factors   `yaml:"priority,omitempty"`
}

func (q *QueueConfigMarshall) trySeal(path string) *QueueConfig {
	factors := priority.DefaultFactors()
	if q.Priority != nil {
		factors = *q.Priority
	}
	return &QueueConfig{
		maxResets: positive(q.MaxResets, 10, path+".max_resets"),
		buffer:    positive(q.Buffer, 100, path+".buffer"),
		quota:     positive(q.Quota, 50, path+".quota"),
		gridspecs: append([]string{}, q.Gridspecs...),
		resources: q.Resources,
		priority:  factors,
	}
}

type IntervalsConfigMarshall struct {
	Buffer    string `yaml:"buffer,omitempty"`
	Queue     string `yaml:"queue,omitempty"`
	Reconcile string `yaml:"reconcile,omitempty"`
}

func (i *IntervalsConfigMarshall) trySeal(path string) *IntervalsConfig {
	return &IntervalsConfig{
		buffer:    duration(i.Buffer, time.Minute, path+".buffer"),
		queue:     duration(i.Queue, 30*time.Second, path+".queue"),
		reconcile: duration(i.Reconcile, 5*time.Minute, path+".reconcile"),
	}
}

func nonnil[T any](v *T, path string) *T {
	if v == nil {
		panic(path + " is required")
	}
	return v
}

func required[T comparable](v T, path string) T {
	if v == *new(T) {
		panic(path + " is required")
	}
	return v
}

func positive(v int, def int, path string) int {
	if v == 0 {
		return def
	}
	if v < 0 {
		panic(fmt.Sprintf("%s should be positive, but %d", path, v))
	}
	return v
}

func duration(v string, def time.Duration, path string) time.Duration {
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		panic(fmt.Errorf("%s can not be parsed: %w", path, err))
	}
	if d <= 0 {
		panic(fmt.Sprintf("%s should be positive, but %s", path, v))
	}
	return d
}
