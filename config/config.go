package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "DISPATCH"

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	DB         DBConfig         `mapstructure:"db"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Store      StoreConfig      `mapstructure:"store"`
	Hub        HubConfig        `mapstructure:"hub"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Presence   PresenceConfig   `mapstructure:"presence"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Fare       FareConfig       `mapstructure:"fare"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Log        LogConfig        `mapstructure:"log"`
	Migrations MigrationsConfig `mapstructure:"migrations"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type DBConfig struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	// ConnectRetries is how many times Connect pings before giving up.
	ConnectRetries int           `mapstructure:"connect_retries"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// StoreConfig picks where trips and driver presence live.
type StoreConfig struct {
	Trips    string `mapstructure:"trips"`
	Presence string `mapstructure:"presence"`
}

type HubConfig struct {
	QueueSize       int           `mapstructure:"queue_size"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	PongWait        time.Duration `mapstructure:"pong_wait"`
	WriteWait       time.Duration `mapstructure:"write_wait"`
	MaxMessageBytes int64         `mapstructure:"max_message_bytes"`
	FrameRate       float64       `mapstructure:"frame_rate"`
	FrameBurst      int           `mapstructure:"frame_burst"`
}

type AgentConfig struct {
	URL            string        `mapstructure:"url"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	QueueCap       int           `mapstructure:"queue_cap"`
}

type PresenceConfig struct {
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	UpdateInterval time.Duration `mapstructure:"update_interval"`
	// KeepAlive is how often a driver without new fixes re-reports.
	KeepAlive time.Duration `mapstructure:"keepalive"`
}

type DispatchConfig struct {
	// RadiusKm of zero broadcasts to every online driver of the vehicle type.
	RadiusKm     float64       `mapstructure:"match_radius_km"`
	MaxDrivers   int           `mapstructure:"max_drivers"`
	MatchTimeout time.Duration `mapstructure:"match_timeout"`
}

type NotifyConfig struct {
	DismissAfter time.Duration `mapstructure:"dismiss_after"`
}

type RateConfig struct {
	Base   float64 `mapstructure:"base"`
	PerKm  float64 `mapstructure:"per_km"`
	PerMin float64 `mapstructure:"per_min"`
}

type FareConfig struct {
	// Rates are keyed by lower-case vehicle type.
	Rates       map[string]RateConfig `mapstructure:"rates"`
	RoadFactor  float64               `mapstructure:"road_factor"`
	AvgSpeedKmh float64               `mapstructure:"avg_speed_kmh"`
	MinimumZmw  float64               `mapstructure:"minimum_zmw"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	Issuer    string        `mapstructure:"issuer"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type MigrationsConfig struct {
	Path string `mapstructure:"path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.password", "postgres")
	v.SetDefault("db.dbname", "dispatch")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.connect_retries", 10)
	v.SetDefault("db.retry_delay", 3*time.Second)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("store.trips", BackendMemory)
	v.SetDefault("store.presence", BackendMemory)

	v.SetDefault("hub.queue_size", 64)
	v.SetDefault("hub.ping_interval", 30*time.Second)
	v.SetDefault("hub.pong_wait", 60*time.Second)
	v.SetDefault("hub.write_wait", 10*time.Second)
	v.SetDefault("hub.max_message_bytes", 16<<10)
	v.SetDefault("hub.frame_rate", 10.0)
	v.SetDefault("hub.frame_burst", 20)

	v.SetDefault("agent.url", "ws://localhost:8080/ws")
	v.SetDefault("agent.reconnect_delay", 2*time.Second)
	v.SetDefault("agent.dial_timeout", 10*time.Second)
	v.SetDefault("agent.queue_cap", 256)

	v.SetDefault("presence.stale_after", 2*time.Minute)
	v.SetDefault("presence.update_interval", 5*time.Second)
	v.SetDefault("presence.keepalive", 30*time.Second)

	v.SetDefault("dispatch.match_radius_km", 0.0)
	v.SetDefault("dispatch.max_drivers", 0)
	v.SetDefault("dispatch.match_timeout", 2*time.Minute)

	v.SetDefault("notify.dismiss_after", 10*time.Second)

	v.SetDefault("fare.rates", map[string]any{
		"bike":  map[string]any{"base": 10.0, "per_km": 5.0, "per_min": 0.5},
		"car":   map[string]any{"base": 20.0, "per_km": 8.0, "per_min": 1.0},
		"van":   map[string]any{"base": 40.0, "per_km": 12.0, "per_min": 1.5},
		"truck": map[string]any{"base": 80.0, "per_km": 20.0, "per_min": 2.0},
	})
	v.SetDefault("fare.road_factor", 1.3)
	v.SetDefault("fare.avg_speed_kmh", 30.0)
	v.SetDefault("fare.minimum_zmw", 15.0)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "transport-dispatch")
	v.SetDefault("auth.token_ttl", 24*time.Hour)

	v.SetDefault("log.level", "info")

	v.SetDefault("migrations.path", "file://database/migrations")
}

// Load reads path, or ./config.yaml when path is empty, on top of the
// defaults. DISPATCH_ environment variables override both, e.g.
// DISPATCH_DB_HOST for db.host. A missing ./config.yaml is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return errors.New("config: auth.jwt_secret is required")
	}
	switch c.Store.Trips {
	case BackendMemory, BackendPostgres:
	default:
		return fmt.Errorf("config: unknown trips store %q", c.Store.Trips)
	}
	switch c.Store.Presence {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("config: unknown presence store %q", c.Store.Presence)
	}
	if c.Hub.QueueSize <= 0 {
		return fmt.Errorf("config: hub.queue_size must be positive, got %d", c.Hub.QueueSize)
	}
	if c.Presence.KeepAlive >= c.Presence.StaleAfter {
		return fmt.Errorf("config: presence.keepalive (%s) must be shorter than presence.stale_after (%s)", c.Presence.KeepAlive, c.Presence.StaleAfter)
	}
	if c.Agent.QueueCap <= 0 {
		return fmt.Errorf("config: agent.queue_cap must be positive, got %d", c.Agent.QueueCap)
	}
	return nil
}
