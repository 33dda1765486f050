package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// RedisAddr enables the best-effort presence mirror when set.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("PITCHROOM_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel: EnvString("PITCHROOM_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("PITCHROOM_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("PITCHROOM_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("PITCHROOM_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("PITCHROOM_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("PITCHROOM_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("PITCHROOM_DATABASE_URL", ""),
		DBSchema:    EnvString("PITCHROOM_DB_SCHEMA", "pitchroom"),
		DBMaxConns:  EnvInt32("PITCHROOM_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("PITCHROOM_DB_MIN_CONNS", 0),

		RedisAddr:     EnvString("PITCHROOM_REDIS_ADDR", ""),
		RedisPassword: EnvString("PITCHROOM_REDIS_PASSWORD", ""),
		RedisDB:       EnvInt("PITCHROOM_REDIS_DB", 0),

		ReadinessRequireDB: EnvBool("PITCHROOM_READINESS_REQUIRE_DB", false),
	}
}
