package app

import (
	"time"

	"parley/cmd/internal/realtime"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// Storage backends. MongoURL wins over DatabaseURL; neither selects the in-memory stores.
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string
	MongoURL    string
	MongoDB     string

	// Presence mirror; empty RedisAddr disables it.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PresenceTTL   time.Duration

	// If true, /readyz returns 503 unless a database is configured and reachable.
	ReadinessRequireDB bool

	StoreTimeout time.Duration
	// Timezone names the IANA zone used for history labels.
	Timezone string

	// Auth is enforced on /api/* when JWTSecret is set.
	JWTSecret     string
	TokenTTL      time.Duration
	DigestKey     string
	PartnerKeys   string
	WSRequireAuth bool

	// WS carries the PARLEY_WS_* transport settings.
	WS realtime.GatewayConfig

	UploadDir      string
	UploadMaxBytes int

	SeedUsers         string
	SyncCountsOnStart bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	ws := realtime.DefaultGatewayConfig()

	return Config{
		HTTPAddr:  EnvString("PARLEY_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("PARLEY_LOG_LEVEL", "info"),
		LogFormat: EnvString("PARLEY_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("PARLEY_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("PARLEY_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("PARLEY_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("PARLEY_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("PARLEY_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("PARLEY_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("PARLEY_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("PARLEY_DB_MIN_CONNS", 0),
		DBSchema:    EnvString("PARLEY_DB_SCHEMA", "parley"),
		MongoURL:    EnvString("PARLEY_MONGO_URL", ""),
		MongoDB:     EnvString("PARLEY_MONGO_DB", "parley"),

		RedisAddr:     EnvString("PARLEY_REDIS_ADDR", ""),
		RedisPassword: EnvString("PARLEY_REDIS_PASSWORD", ""),
		RedisDB:       EnvInt("PARLEY_REDIS_DB", 0),
		PresenceTTL:   EnvDuration("PARLEY_PRESENCE_TTL", 24*time.Hour),

		ReadinessRequireDB: EnvBool("PARLEY_READINESS_REQUIRE_DB", false),

		StoreTimeout: EnvDuration("PARLEY_STORE_TIMEOUT", 5*time.Second),
		Timezone:     EnvString("PARLEY_TIMEZONE", "UTC"),

		JWTSecret:     EnvString("PARLEY_JWT_SECRET", ""),
		TokenTTL:      EnvDuration("PARLEY_TOKEN_TTL", 24*time.Hour),
		DigestKey:     EnvString("PARLEY_TOKEN_DIGEST_KEY", ""),
		PartnerKeys:   EnvString("PARLEY_PARTNER_KEYS", ""),
		WSRequireAuth: EnvBool("PARLEY_WS_REQUIRE_AUTH", false),

		WS: realtime.GatewayConfig{
			DevInsecure:       EnvBool("PARLEY_WS_DEV_INSECURE", false),
			OriginRequired:    EnvBool("PARLEY_WS_ORIGIN_REQUIRED", ws.OriginRequired),
			AllowedOrigins:    EnvCSV("PARLEY_WS_ALLOWED_ORIGINS", ws.AllowedOrigins),
			WriteTimeout:      EnvDuration("PARLEY_WS_WRITE_TIMEOUT", ws.WriteTimeout),
			ReadIdleTimeout:   EnvDuration("PARLEY_WS_READ_IDLE_TIMEOUT", ws.ReadIdleTimeout),
			SendQueueSize:     EnvInt("PARLEY_WS_SEND_QUEUE", ws.SendQueueSize),
			HeartbeatInterval: EnvDuration("PARLEY_WS_HEARTBEAT_INTERVAL", ws.HeartbeatInterval),
			HeartbeatTimeout:  EnvDuration("PARLEY_WS_HEARTBEAT_TIMEOUT", ws.HeartbeatTimeout),
			RateEvents:        EnvInt("PARLEY_WS_RATE_EVENTS", ws.RateEvents),
			RateWindow:        EnvDuration("PARLEY_WS_RATE_WINDOW", ws.RateWindow),
		},

		UploadDir:      EnvString("PARLEY_UPLOAD_DIR", "uploads"),
		UploadMaxBytes: EnvInt("PARLEY_UPLOAD_MAX_BYTES", 10<<20),

		SeedUsers:         EnvString("PARLEY_SEED_USERS", ""),
		SyncCountsOnStart: EnvBool("PARLEY_SYNC_COUNTS_ON_START", false),

		CORSAllowedOrigins:   EnvCSV("PARLEY_CORS_ALLOWED_ORIGINS", nil),
		CORSAllowCredentials: EnvBool("PARLEY_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("PARLEY_CORS_MAX_AGE_SECONDS", 600),
	}
}
