package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/austindbirch/curation_outbox/internal/outbox"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type Outbox struct {
	Backend        string // sqlite, postgres or redis
	SQLitePath     string // local outbox file
	RedisAddr      string // e.g. redis:6379
	RedisKeyPrefix string // prefix for the queue and events keys

	// RedisAOFTimeout bounds the WAITAOF after each write; 0 trusts appendfsync.
	// Needs Redis 7.2+ with appendonly yes.
	RedisAOFTimeout time.Duration
}

type Sync struct {
	Enabled        bool          // run the background sync worker
	BaseURL        string        // curation service root, e.g. https://api.mwmbl.org
	SendInterval   time.Duration // pause between successful sends
	PollInterval   time.Duration // periodic wake-up while idle
	RequestTimeout time.Duration // per-request HTTP timeout
}

type Auth struct {
	Token     string // static bearer token
	TokenFile string // file re-read on every attempt; wins over Token
}

type Notify struct {
	NsqdTCPAddr string // e.g. nsqd:4150; empty disables NSQ
	NSQTopic    string // topic for status changes
	NATSURL     string // e.g. nats://nats:4222; empty disables NATS
	NATSSubject string // subject for status changes
}

type Monitor struct {
	Port       string // status-monitor metrics listen port
	NSQChannel string // channel consumed on the status topic
}

type Receiver struct {
	FailFirstN      int           // Number of requests to fail initially
	ResponseDelayMS int           // Simulated response delay in milliseconds
	JWTSecret       string        // HMAC secret for auth tokens; empty accepts any token
	Port            string        // Server listen port
	ReadTimeout     time.Duration // HTTP read timeout
	WriteTimeout    time.Duration // HTTP write timeout
	IdleTimeout     time.Duration // HTTP idle timeout
}

type Config struct {
	AppName     string
	HTTPPort    string   // :8090
	MetricsPort string   // :8091
	CORSOrigins []string // browser origins allowed to call the API
	DB          DB
	Outbox      Outbox
	Sync        Sync
	Auth        Auth
	Notify      Notify
	Monitor     Monitor
	Receiver    Receiver
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

// getenvList splits a comma separated value, dropping empty items
func getenvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func FromEnv() Config {
	return Config{
		AppName:     getenv("APP_NAME", "curation-outbox"),
		HTTPPort:    getenv("HTTP_PORT", ":8090"),
		MetricsPort: getenv("METRICS_PORT", ":8091"),
		CORSOrigins: getenvList("CORS_ALLOWED_ORIGINS", []string{"https://mwmbl.org"}),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "curation"),
		},
		Outbox: Outbox{
			Backend:         getenv("OUTBOX_BACKEND", outbox.BackendSQLite),
			SQLitePath:      getenv("OUTBOX_SQLITE_PATH", "curation-outbox.db"),
			RedisAddr:       getenv("REDIS_ADDR", "redis:6379"),
			RedisKeyPrefix:  getenv("REDIS_KEY_PREFIX", "curation:outbox"),
			RedisAOFTimeout: getenvDuration("REDIS_WAITAOF_TIMEOUT", 1*time.Second),
		},
		Sync: Sync{
			Enabled:        getenvBool("SYNC_ENABLED", true),
			BaseURL:        getenv("CURATION_BASE_URL", "https://api.mwmbl.org"),
			SendInterval:   getenvDuration("SYNC_SEND_INTERVAL", 1*time.Second),
			PollInterval:   getenvDuration("SYNC_POLL_INTERVAL", 30*time.Second),
			RequestTimeout: getenvDuration("SYNC_REQUEST_TIMEOUT", 15*time.Second),
		},
		Auth: Auth{
			Token:     getenv("AUTH_TOKEN", ""),
			TokenFile: getenv("AUTH_TOKEN_FILE", ""),
		},
		Notify: Notify{
			NsqdTCPAddr: getenv("NOTIFY_NSQD_TCP_ADDR", ""),
			NSQTopic:    getenv("NOTIFY_NSQ_TOPIC", "curation_status"),
			NATSURL:     getenv("NOTIFY_NATS_URL", ""),
			NATSSubject: getenv("NOTIFY_NATS_SUBJECT", "curation.status"),
		},
		Monitor: Monitor{
			Port:       getenv("MONITOR_PORT", ":8093"),
			NSQChannel: getenv("MONITOR_NSQ_CHANNEL", "status-monitor"),
		},
		Receiver: Receiver{
			FailFirstN:      getenvInt("RECEIVER_FAIL_FIRST_N", 0),
			ResponseDelayMS: getenvInt("RECEIVER_RESPONSE_DELAY_MS", 0),
			JWTSecret:       getenv("RECEIVER_JWT_SECRET", ""),
			Port:            getenv("RECEIVER_PORT", ":8092"),
			ReadTimeout:     getenvDuration("RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getenvDuration("RECEIVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:     getenvDuration("RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}

// StoreOptions selects the outbox backend described by c
func (c Config) StoreOptions() outbox.Options {
	return outbox.Options{
		Backend:         c.Outbox.Backend,
		SQLitePath:      c.Outbox.SQLitePath,
		PostgresDSN:     c.DSN(),
		RedisAddr:       c.Outbox.RedisAddr,
		RedisPrefix:     c.Outbox.RedisKeyPrefix,
		RedisAOFTimeout: c.Outbox.RedisAOFTimeout,
	}
}
