package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User     string
	Pass     string
	Host     string
	Port     string
	Name     string
	MaxConns int
}

type AMQP struct {
	Host           string
	Port           string
	User           string
	Pass           string
	VHost          string
	Queue          string        // target queue for index tasks
	ConfirmTimeout time.Duration // wait for the broker ack after publish
	DialTimeout    time.Duration
}

type Pool struct {
	MaxIdle       int
	MaxTotal      int
	BorrowTimeout time.Duration
}

type Tasks struct {
	RetryThreshold int           // attempts before backoff applies
	TryCountLimit  int           // tasks at or above this are no longer dequeued
	BatchSize      int           // tasks fetched per poll and status
	PollInterval   time.Duration // dequeue loop interval
	StaleAfter     time.Duration // IN PROCESS tasks older than this are swept
	SweepInterval  time.Duration
	Concurrency    int // concurrent submits per batch
}

type NSQ struct {
	NsqdTCPAddr      string // e.g. nsqd:4150
	NsqdHTTPAddr     string // e.g. nsqd:4151, for backlog stats
	LookupHTTPAddr   string // e.g. http://nsqlookupd:4161
	EventsTopic      string // content change events
	GeneratorChannel string
	DLQTopic         string // rejected content events
	PublishDLQ       bool
	MaxInFlight      int
}

type Redis struct {
	Addr     string
	Password string
	DB       int
}

type Config struct {
	AppName         string
	LogLevel        string
	TracingEndpoint string // empty: OTEL_EXPORTER_OTLP_ENDPOINT, "off": disabled
	StoreBackend    string // postgres | redis | memory
	WorkerHTTPPort  string
	GeneratorHTTP   string
	DB              DB
	AMQP            AMQP
	Pool            Pool
	Tasks           Tasks
	NSQ             NSQ
	Redis           Redis
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func port(p string) string {
	if strings.HasPrefix(p, ":") {
		return p
	}
	return ":" + p
}

func FromEnv() Config {
	return Config{
		AppName:         getenv("APP_NAME", "indexhook"),
		LogLevel:        getenv("LOG_LEVEL", "info"),
		TracingEndpoint: getenv("TRACING_ENDPOINT", ""),
		StoreBackend:    strings.ToLower(getenv("STORE_BACKEND", "postgres")),
		WorkerHTTPPort:  port(getenv("WORKER_HTTP_PORT", "8083")),
		GeneratorHTTP:   port(getenv("GENERATOR_HTTP_PORT", "8082")),
		DB: DB{
			User:     getenv("DB_USER", "postgres"),
			Pass:     getenv("DB_PASS", "postgres"),
			Host:     getenv("DB_HOST", "postgres"),
			Port:     getenv("DB_PORT", "5432"),
			Name:     getenv("DB_NAME", "indexhook"),
			MaxConns: getenvInt("DB_MAX_CONNS", 10),
		},
		AMQP: AMQP{
			Host:           getenv("AMQP_HOST", "rabbitmq"),
			Port:           getenv("AMQP_PORT", "5672"),
			User:           getenv("AMQP_USER", "guest"),
			Pass:           getenv("AMQP_PASS", "guest"),
			VHost:          getenv("AMQP_VHOST", "/"),
			Queue:          getenv("AMQP_QUEUE", "indexing.newTaskQueue"),
			ConfirmTimeout: getenvDuration("AMQP_CONFIRM_TIMEOUT", 10*time.Second),
			DialTimeout:    getenvDuration("AMQP_DIAL_TIMEOUT", 5*time.Second),
		},
		Pool: Pool{
			MaxIdle:       getenvInt("POOL_MAX_IDLE", 4),
			MaxTotal:      getenvInt("POOL_MAX_TOTAL", 8),
			BorrowTimeout: getenvDuration("POOL_BORROW_TIMEOUT", 5*time.Second),
		},
		Tasks: Tasks{
			RetryThreshold: getenvInt("TASK_RETRY_THRESHOLD", 2),
			TryCountLimit:  getenvInt("TASK_TRY_COUNT_LIMIT", 12),
			BatchSize:      getenvInt("TASK_BATCH_SIZE", 100),
			PollInterval:   getenvDuration("TASK_POLL_INTERVAL", 5*time.Second),
			StaleAfter:     getenvDuration("TASK_STALE_AFTER", 30*time.Minute),
			SweepInterval:  getenvDuration("TASK_SWEEP_INTERVAL", time.Minute),
			Concurrency:    getenvInt("TASK_CONCURRENCY", 4),
		},
		NSQ: NSQ{
			NsqdTCPAddr:      getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			NsqdHTTPAddr:     getenv("NSQD_HTTP_ADDR", "nsqd:4151"),
			LookupHTTPAddr:   getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			EventsTopic:      getenv("NSQ_EVENTS_TOPIC", "content_events"),
			GeneratorChannel: getenv("NSQ_GENERATOR_CHANNEL", "index_generator"),
			DLQTopic:         getenv("NSQ_DLQ_TOPIC", "content_events_dlq"),
			PublishDLQ:       getenvBool("PUBLISH_DLQ_TOPIC", false),
			MaxInFlight:      getenvInt("NSQ_MAX_IN_FLIGHT", 200),
		},
		Redis: Redis{
			Addr:     getenv("REDIS_ADDR", "redis:6379"),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},
	}
}

// Validate reports settings that would make the services misbehave
func (c Config) Validate() error {
	var errs []error
	switch c.StoreBackend {
	case "postgres", "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.StoreBackend))
	}
	if c.Pool.MaxTotal < 1 {
		errs = append(errs, errors.New("pool max total must be at least 1"))
	}
	if c.Pool.MaxIdle < 1 || c.Pool.MaxIdle > c.Pool.MaxTotal {
		errs = append(errs, fmt.Errorf("pool max idle %d must be between 1 and max total %d", c.Pool.MaxIdle, c.Pool.MaxTotal))
	}
	if c.Tasks.RetryThreshold < 0 {
		errs = append(errs, errors.New("retry threshold must not be negative"))
	}
	if c.Tasks.TryCountLimit <= c.Tasks.RetryThreshold {
		errs = append(errs, fmt.Errorf("try count limit %d must exceed retry threshold %d", c.Tasks.TryCountLimit, c.Tasks.RetryThreshold))
	}
	if c.Tasks.BatchSize < 1 || c.Tasks.Concurrency < 1 {
		errs = append(errs, errors.New("batch size and concurrency must be positive"))
	}
	if c.AMQP.Queue == "" {
		errs = append(errs, errors.New("amqp queue name is required"))
	}
	return errors.Join(errs...)
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}

// AMQPURL builds the broker URL. The default vhost "/" is sent escaped.
func (c Config) AMQPURL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.AMQP.User, c.AMQP.Pass),
		Host:   net.JoinHostPort(c.AMQP.Host, c.AMQP.Port),
		Path:   "/",
	}
	vhost := strings.TrimPrefix(c.AMQP.VHost, "/")
	if vhost == "" {
		return u.String() + "%2F"
	}
	return u.String() + url.PathEscape(vhost)
}
