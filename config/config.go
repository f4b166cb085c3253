package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all engine configuration loaded from environment variables.
type Config struct {
	// Venue credentials
	VenueBaseURL    string
	VenueFeedURL    string
	VenueAPIKey     string
	VenueClientCode string
	VenuePassword   string
	VenueTOTPSecret string

	// Instruments (comma-separated symbols)
	Instruments string

	// Loop cadence
	MonitorInterval   time.Duration
	RebuildInterval   time.Duration
	RetestInterval    time.Duration
	RouterInterval    time.Duration
	ReconcileInterval time.Duration
	SnapshotInterval  time.Duration

	// Session clock
	SessionTZ       string
	SessionOpenMin  int // minutes from midnight
	SessionCloseMin int
	FlattenLead     time.Duration
	Blackouts       string // comma-separated "HH:MM-HH:MM" bands
	Holidays        string // comma-separated "2006-01-02" dates

	// Screening
	FailOpen       bool
	DisabledLevels string // comma-separated level names
	MaxPositions   int
	MaxRiskPerUnit int64 // minor units of risk per qty unit

	// Retest
	RetestToleranceBps int64
	RetestTTL          time.Duration

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	AuditDBPath   string
	MetricsAddr   string
	LogLevel      string
	WebhookURL    string // optional alert webhook

	// Telegram alerts (optional, both required to enable)
	TelegramToken  string
	TelegramChatID string
}

// Load reads configuration from environment variables with sensible defaults.
// Missing credentials are fatal; everything else has a default.
func Load() *Config {
	return &Config{
		VenueBaseURL:    getEnv("VENUE_BASE_URL", "https://api.example-venue.com"),
		VenueFeedURL:    getEnv("VENUE_FEED_URL", "wss://feed.example-venue.com/stream"),
		VenueAPIKey:     mustEnv("VENUE_API_KEY"),
		VenueClientCode: mustEnv("VENUE_CLIENT_CODE"),
		VenuePassword:   mustEnv("VENUE_PASSWORD"),
		VenueTOTPSecret: mustEnv("VENUE_TOTP_SECRET"),

		Instruments: mustEnv("INSTRUMENTS"),

		MonitorInterval:   getDuration("MONITOR_INTERVAL", 500*time.Millisecond),
		RebuildInterval:   getDuration("REBUILD_INTERVAL", time.Second),
		RetestInterval:    getDuration("RETEST_INTERVAL", time.Second),
		RouterInterval:    getDuration("ROUTER_INTERVAL", 5*time.Second),
		ReconcileInterval: getDuration("RECONCILE_INTERVAL", time.Minute),
		SnapshotInterval:  getDuration("SNAPSHOT_INTERVAL", 5*time.Second),

		SessionTZ:       getEnv("SESSION_TZ", "Asia/Kolkata"),
		SessionOpenMin:  getInt("SESSION_OPEN_MIN", 9*60+15),
		SessionCloseMin: getInt("SESSION_CLOSE_MIN", 15*60+30),
		FlattenLead:     getDuration("FLATTEN_LEAD", 10*time.Minute),
		Blackouts:       getEnv("SESSION_BLACKOUTS", ""),
		Holidays:        getEnv("SESSION_HOLIDAYS", ""),

		FailOpen:       getBool("SCREEN_FAIL_OPEN", true),
		DisabledLevels: getEnv("SCREEN_DISABLED_LEVELS", ""),
		MaxPositions:   getInt("MAX_POSITIONS", 5),
		MaxRiskPerUnit: getInt64("MAX_RISK_PER_UNIT", 50000),

		RetestToleranceBps: getInt64("RETEST_TOLERANCE_BPS", 40),
		RetestTTL:          getDuration("RETEST_TTL", 30*time.Minute),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		AuditDBPath:   getEnv("AUDIT_DB_PATH", "data/audit.db"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		WebhookURL:    getEnv("ALERT_WEBHOOK_URL", ""),

		TelegramToken:  getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID: getEnv("TELEGRAM_CHAT_ID", ""),
	}
}

// ParseInstruments splits and trims the instrument list.
func (c *Config) ParseInstruments() []string {
	parts := strings.Split(c.Instruments, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ParseDisabledLevels returns the screening level names to skip.
func (c *Config) ParseDisabledLevels() []string {
	parts := strings.Split(c.DisabledLevels, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ParseBlackouts parses "HH:MM-HH:MM" bands into minute pairs. Invalid
// entries are logged and skipped.
func (c *Config) ParseBlackouts() [][2]int {
	var out [][2]int
	for _, band := range strings.Split(c.Blackouts, ",") {
		band = strings.TrimSpace(band)
		if band == "" {
			continue
		}
		bounds := strings.SplitN(band, "-", 2)
		if len(bounds) != 2 {
			log.Printf("[config] skipping invalid blackout band: %q", band)
			continue
		}
		start, ok1 := parseMinute(bounds[0])
		end, ok2 := parseMinute(bounds[1])
		if !ok1 || !ok2 || end <= start {
			log.Printf("[config] skipping invalid blackout band: %q", band)
			continue
		}
		out = append(out, [2]int{start, end})
	}
	return out
}

// ParseHolidays parses the exchange holiday list into "2006-01-02"
// strings. Invalid entries are logged and skipped.
func (c *Config) ParseHolidays() []string {
	var out []string
	for _, day := range strings.Split(c.Holidays, ",") {
		day = strings.TrimSpace(day)
		if day == "" {
			continue
		}
		if _, err := time.Parse("2006-01-02", day); err != nil {
			log.Printf("[config] skipping invalid holiday: %q", day)
			continue
		}
		out = append(out, day)
	}
	return out
}

func parseMinute(s string) (int, bool) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %v", key, v, fallback)
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %s", key, v, fallback)
		return fallback
	}
	return d
}
