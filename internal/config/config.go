package config

import (
	"log"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/TemirB/wb-delivery-sync/internal/pkg/retry"
)

type Tables struct {
	Schema   string
	Order    string
	Item     string
	Delivery string
}

type Postgres struct {
	Host     string
	Port     string
	DB       string
	User     string
	Password string
	SSLMode  string
}

// Enabled reports whether a Postgres store is configured. Without it the
// service keeps orders and deliveries in memory.
func (p Postgres) Enabled() bool { return p.Host != "" }

type Kafka struct {
	Brokers        []string
	EventsTopic    string
	AlertsTopic    string
	OrdersTopic    string
	ReconcileTopic string
	Group          string

	// a failed reconciliation waits ReconcileDelay before it is queued again,
	// at most ReconcileAttempts times
	ReconcileDelay    time.Duration
	ReconcileAttempts int
}

func (k Kafka) Enabled() bool { return len(k.Brokers) > 0 }

type Redis struct {
	URL string
}

type Marketplace struct {
	BaseURL   string
	Token     string
	Timeout   time.Duration
	PageSize  int
	MaxPages  int
	RateLimit int
}

type Breaker struct {
	Threshold        uint32
	SuccessThreshold uint32
	OpenTimeout      time.Duration
	MaxHalfOpen      uint32
}

// Retry holds one policy per call class: idempotent reads, status writes and
// confirmation code requests.
type Retry struct {
	Read  retry.Policy
	Write retry.Policy
	Code  retry.Policy
}

type Sync struct {
	Interval time.Duration
	Workers  int
}

type Config struct {
	HTTPAddr string
	LogLevel string
	CacheCap int

	Pg          Postgres
	Tables      Tables
	Kafka       Kafka
	Redis       Redis
	Marketplace Marketplace
	Breaker     Breaker
	Retry       Retry
	Sync        Sync
}

// Load fatals on error for simplicity in main().
func Load() Config {
	cfg, err := load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}
	return cfg
}

func load() (Config, error) {
	_ = godotenv.Load("env/.env")

	cfg := Config{
		HTTPAddr: envDefault("HTTP_ADDR", ":8081"),
		LogLevel: envDefault("LOG_LEVEL", "info"),
		CacheCap: envInt("CACHE_CAP", 10000),

		Pg: Postgres{
			Host:     strings.TrimSpace(os.Getenv("PG_HOST")),
			Port:     strings.TrimSpace(envDefault("PG_PORT", "5432")),
			DB:       strings.TrimSpace(os.Getenv("PG_DB")),
			User:     strings.TrimSpace(os.Getenv("PG_USER")),
			Password: strings.TrimSpace(os.Getenv("PG_PASSWORD")),
			SSLMode:  strings.TrimSpace(envDefault("PG_SSLMODE", "disable")),
		},

		Tables: Tables{
			Schema:   envDefault("DB_SCHEMA", "marketplace"),
			Order:    envDefault("TBL_ORDER", "orders"),
			Item:     envDefault("TBL_ITEM", "order_items"),
			Delivery: envDefault("TBL_DELIVERY", "deliveries"),
		},

		Kafka: Kafka{
			Brokers:        splitCSV(strings.TrimSpace(os.Getenv("KAFKA_BROKERS"))),
			EventsTopic:    envDefault("KAFKA_TOPIC_EVENTS", "delivery-events"),
			AlertsTopic:    envDefault("KAFKA_TOPIC_ALERTS", "courier-alerts"),
			OrdersTopic:    envDefault("KAFKA_TOPIC_ORDERS", "marketplace-orders"),
			ReconcileTopic: envDefault("KAFKA_TOPIC_RECONCILE", "status-reconcile"),
			Group:          envDefault("KAFKA_GROUP", "delivery-sync"),

			ReconcileDelay:    envDurationMS("RECONCILE_DELAY", 30*time.Second),
			ReconcileAttempts: envInt("RECONCILE_ATTEMPTS", 10),
		},

		Redis: Redis{
			URL: strings.TrimSpace(os.Getenv("REDIS_URL")),
		},

		Marketplace: Marketplace{
			BaseURL:   strings.TrimRight(strings.TrimSpace(os.Getenv("MARKETPLACE_URL")), "/"),
			Token:     strings.TrimSpace(os.Getenv("MARKETPLACE_TOKEN")),
			Timeout:   envDurationMS("MARKETPLACE_TIMEOUT", 10*time.Second),
			PageSize:  envInt("MARKETPLACE_PAGE_SIZE", 50),
			MaxPages:  envInt("MARKETPLACE_MAX_PAGES", 20),
			RateLimit: envInt("MARKETPLACE_RATE_LIMIT", 0),
		},

		Breaker: Breaker{
			Threshold:        envUint32("BREAKER_THRESHOLD", 5),
			SuccessThreshold: envUint32("BREAKER_SUCCESS_THRESHOLD", 2),
			OpenTimeout:      envDurationMS("BREAKER_OPENTIMEOUT", 30*time.Second),
			MaxHalfOpen:      envUint32("BREAKER_MAXHALFOPEN", 0),
		},

		Retry: Retry{
			Read:  envPolicy("RETRY_READ", retry.Policy{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: 60 * time.Second, Multiplier: 2, Jitter: true}),
			Write: envPolicy("RETRY_WRITE", retry.Policy{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2, Jitter: true}),
			Code:  envPolicy("RETRY_CODE", retry.Policy{MaxAttempts: 2, InitialDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2, Jitter: true}),
		},

		Sync: Sync{
			Interval: envDurationMS("SYNC_INTERVAL", 60*time.Second),
			Workers:  envInt("SYNC_WORKERS", 4),
		},
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// validate reports missing required keys and pulls insane values back into range.
func (c *Config) validate() error {
	var missing []string
	req := map[string]string{
		"MARKETPLACE_URL": c.Marketplace.BaseURL,
	}
	if c.Pg.Enabled() {
		req["PG_DB"] = c.Pg.DB
		req["PG_USER"] = c.Pg.User
		req["PG_PASSWORD"] = c.Pg.Password
	}
	for k, v := range req {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return &missingEnvError{Keys: missing}
	}

	if c.CacheCap <= 0 {
		log.Printf("CACHE_CAP is %d, adjusting to 1", c.CacheCap)
		c.CacheCap = 1
	}
	if c.Marketplace.PageSize <= 0 {
		log.Printf("MARKETPLACE_PAGE_SIZE is %d, adjusting to 50", c.Marketplace.PageSize)
		c.Marketplace.PageSize = 50
	}
	if c.Marketplace.MaxPages <= 0 {
		log.Printf("MARKETPLACE_MAX_PAGES is %d, adjusting to 1", c.Marketplace.MaxPages)
		c.Marketplace.MaxPages = 1
	}
	if c.Marketplace.Timeout <= 0 {
		log.Printf("MARKETPLACE_TIMEOUT is %v, adjusting to 10s", c.Marketplace.Timeout)
		c.Marketplace.Timeout = 10 * time.Second
	}
	if c.Breaker.Threshold == 0 {
		log.Printf("BREAKER_THRESHOLD is 0, adjusting to 1")
		c.Breaker.Threshold = 1
	}
	if c.Breaker.SuccessThreshold == 0 {
		log.Printf("BREAKER_SUCCESS_THRESHOLD is 0, adjusting to 1")
		c.Breaker.SuccessThreshold = 1
	}
	if c.Breaker.MaxHalfOpen > 0 && c.Breaker.MaxHalfOpen < c.Breaker.SuccessThreshold {
		log.Printf("BREAKER_MAXHALFOPEN (%d) < BREAKER_SUCCESS_THRESHOLD (%d), adjusting",
			c.Breaker.MaxHalfOpen, c.Breaker.SuccessThreshold)
		c.Breaker.MaxHalfOpen = c.Breaker.SuccessThreshold
	}
	if c.Sync.Interval <= 0 {
		log.Printf("SYNC_INTERVAL is %v, adjusting to 60s", c.Sync.Interval)
		c.Sync.Interval = 60 * time.Second
	}
	if c.Sync.Workers < 1 {
		log.Printf("SYNC_WORKERS is %d, adjusting to 1", c.Sync.Workers)
		c.Sync.Workers = 1
	}
	if c.Kafka.ReconcileAttempts < 1 {
		log.Printf("RECONCILE_ATTEMPTS is %d, adjusting to 1", c.Kafka.ReconcileAttempts)
		c.Kafka.ReconcileAttempts = 1
	}
	return nil
}

type missingEnvError struct{ Keys []string }

func (e *missingEnvError) Error() string {
	return "missing required envs: " + strings.Join(e.Keys, ", ")
}

// DSN builds a proper Postgres URL, safely escaping user/pass and query.
func (c Config) DSN() string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.Pg.User, c.Pg.Password),
		Host:   net.JoinHostPort(c.Pg.Host, c.Pg.Port),
		Path:   "/" + c.Pg.DB,
	}
	q := url.Values{}
	if c.Pg.SSLMode != "" {
		q.Set("sslmode", c.Pg.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// envPolicy reads <PREFIX>_ATTEMPTS, _BASE, _MAX, _MULTIPLIER and _JITTER.
// An invalid combination falls back to def as a whole.
func envPolicy(prefix string, def retry.Policy) retry.Policy {
	p := retry.Policy{
		MaxAttempts:  envInt(prefix+"_ATTEMPTS", def.MaxAttempts),
		InitialDelay: envDurationMS(prefix+"_BASE", def.InitialDelay),
		MaxDelay:     envDurationMS(prefix+"_MAX", def.MaxDelay),
		Multiplier:   envFloat64(prefix+"_MULTIPLIER", def.Multiplier),
		Jitter:       envBool(prefix+"_JITTER", def.Jitter),
	}
	if err := p.Validate(); err != nil {
		log.Printf("invalid %s_* retry policy, using defaults: %v", prefix, err)
		return def
	}
	return p
}

func envDefault(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("invalid %s=%q, using default %d: %v", k, v, def, err)
		return def
	}
	return n
}

func envUint32(k string, def uint32) uint32 {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	u, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		log.Printf("invalid %s=%q, using default %d: %v", k, v, def, err)
		return def
	}
	return uint32(u)
}

func envFloat64(k string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using default %.3f: %v", k, v, def, err)
		return def
	}
	return f
}

func envBool(k string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("invalid %s=%q, using default %t: %v", k, v, def, err)
		return def
	}
	return b
}

// envDurationMS supports either plain integer milliseconds ("1500") or
// Go duration strings ("1.5s", "250ms", "2m").
func envDurationMS(k string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	if strings.IndexFunc(v, func(r rune) bool { return r < '0' || r > '9' }) != -1 {
		d, err := time.ParseDuration(v)
		if err != nil {
			log.Printf("invalid %s=%q, using default %v: %v", k, v, def, err)
			return def
		}
		return d
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("invalid %s=%q, using default %v: %v", k, v, def, err)
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	raw := strings.Split(s, ",")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
