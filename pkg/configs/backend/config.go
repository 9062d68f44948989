package backend

import (
	"net/url"
	"time"

	"github.com/opst/gridqueue/pkg/queue/priority"
	"github.com/opst/gridqueue/pkg/resources"
)

// Configuration of a gridqd server.
//
// To get a `BackendConfig` instance, use `TrySeal(*BackendConfigMarshall)` or `Unmarshal`.
type BackendConfig struct {
	siteID    uint64
	port      int32
	logLevel  string
	database  *DatabaseConfig
	master    *MasterConfig
	queue     *QueueConfig
	intervals *IntervalsConfig
}

// Site id, tagged to global ids issued by this server.
func (c *BackendConfig) SiteID() uint64 { return c.siteID }

// Port of the JSON-RPC endpoint.
func (c *BackendConfig) Port() int32 { return c.port }

// LogLevel is one of logrus levels. default = "info"
func (c *BackendConfig) LogLevel() string { return c.logLevel }

func (c *BackendConfig) Database() *DatabaseConfig { return c.database }

// Master is nil when the server does not mirror writes.
func (c *BackendConfig) Master() *MasterConfig { return c.master }

func (c *BackendConfig) Queue() *QueueConfig { return c.queue }

func (c *BackendConfig) Intervals() *IntervalsConfig { return c.intervals }

type DatabaseConfig struct {
	driver   string
	dsn      string
	attempts int
	backoff  time.Duration
}

// Driver is "sqlite" or "postgres".
func (c *DatabaseConfig) Driver() string { return c.driver }

// Connection string (or a file path, for sqlite).
func (c *DatabaseConfig) DSN() string { return c.dsn }

// Attempts bounds tries of a transaction. default = 10
func (c *DatabaseConfig) Attempts() int { return c.attempts }

// Backoff is the initial wait between attempts. default = 75ms
func (c *DatabaseConfig) Backoff() time.Duration { return c.backoff }

type MasterConfig struct {
	url      *url.URL
	redis    *RedisConfig
	capacity int
}

// URL of the master. nil when the mirror goes to redis.
func (c *MasterConfig) URL() *url.URL { return c.url }

// Redis is nil when the mirror goes to the master url.
func (c *MasterConfig) Redis() *RedisConfig { return c.redis }

// Capacity of the pending queue of mirrored batches. default = 1000
func (c *MasterConfig) Capacity() int { return c.capacity }

type RedisConfig struct {
	addr     string
	password string
	db       int
	key      string
}

func (c *RedisConfig) Addr() string     { return c.addr }
func (c *RedisConfig) Password() string { return c.password }
func (c *RedisConfig) DB() int          { return c.db }

// Key of the list entries are pushed onto.
func (c *RedisConfig) Key() string { return c.key }

type QueueConfig struct {
	maxResets int
	buffer    int
	quota     int
	gridspecs []string
	resources resources.Resources
	priority  priority.Factors
}

// MaxResets is the number of failures before a task fails. default = 10
func (c *QueueConfig) MaxResets() int { return c.maxResets }

// Buffer is the number of tasks buffered in a round. default = 100
func (c *QueueConfig) Buffer() int { return c.buffer }

// Quota is the number of tasks queued per gridspec in a round. default = 50
func (c *QueueConfig) Quota() int { return c.quota }

// Gridspecs this site serves.
func (c *QueueConfig) Gridspecs() []string {
	return append([]string{}, c.gridspecs...)
}

// Resources offered by a pilot of this site. nil means "not limited".
func (c *QueueConfig) Resources() resources.Resources { return c.resources }

func (c *QueueConfig) Priority() priority.Factors { return c.priority }

type IntervalsConfig struct {
	buffer    time.Duration
	queue     time.Duration
	reconcile time.Duration
}

// Buffer is the interval of buffering rounds. default = 1m
func (c *IntervalsConfig) Buffer() time.Duration { return c.buffer }

// Queue is the interval of queueing rounds. default = 30s
func (c *IntervalsConfig) Queue() time.Duration { return c.queue }

// Reconcile is the interval of dataset status reconciliation. default = 5m
func (c *IntervalsConfig) Reconcile() time.Duration { return c.reconcile }
