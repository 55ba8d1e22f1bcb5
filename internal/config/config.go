package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/acme/telecalling/internal/domain"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App       AppConfig           `mapstructure:"app"`
	HTTP      HTTPConfig          `mapstructure:"http"`
	Postgres  PostgresConfig      `mapstructure:"postgres"`
	Scylla    ScyllaConfig        `mapstructure:"scylla"`
	Kafka     KafkaConfig         `mapstructure:"kafka"`
	Redis     RedisConfig         `mapstructure:"redis"`
	Telemetry TelemetryConfig     `mapstructure:"telemetry"`
	Call      CallConfig          `mapstructure:"call"`
	Vendor    VendorConfig        `mapstructure:"vendor"`
	Media     MediaConfig         `mapstructure:"media"`
	WebRTC    domain.WebRTCConfig `mapstructure:"webrtc"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

type ScyllaConfig struct {
	Hosts       []string      `mapstructure:"hosts"`
	Port        int           `mapstructure:"port"`
	Keyspace    string        `mapstructure:"keyspace"`
	Consistency string        `mapstructure:"consistency"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type KafkaConfig struct {
	Brokers         []string      `mapstructure:"brokers"`
	ClientID        string        `mapstructure:"client_id"`
	DialTopic       string        `mapstructure:"dial_topic"`
	StatusTopic     string        `mapstructure:"status_topic"`
	ConsumerGroupID string        `mapstructure:"consumer_group_id"`
	CommitInterval  time.Duration `mapstructure:"commit_interval"`
	StatusBuffer    int           `mapstructure:"status_buffer"`
	DialMaxAge      time.Duration `mapstructure:"dial_max_age"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
	LineLockTTL  time.Duration `mapstructure:"line_lock_ttl"`
}

type TelemetryConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	ServiceName     string        `mapstructure:"service_name"`
	SampleRatio     float64       `mapstructure:"sample_ratio"`
	MetricsEnabled  bool          `mapstructure:"metrics_enabled"`
	TracingEnabled  bool          `mapstructure:"tracing_enabled"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// CallConfig tunes the session controller.
type CallConfig struct {
	AgentID          string        `mapstructure:"agent_id"`
	RingDelay        time.Duration `mapstructure:"ring_delay"`
	AnswerDelay      time.Duration `mapstructure:"answer_delay"`
	DurationInterval time.Duration `mapstructure:"duration_interval"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	AutoInitialize   bool          `mapstructure:"auto_initialize"`
}

// VendorConfig points the SIP user agent at the vendor trunk.
type VendorConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Registrar       string        `mapstructure:"registrar"`
	Domain          string        `mapstructure:"domain"`
	Transport       string        `mapstructure:"transport"`
	UserAgent       string        `mapstructure:"user_agent"`
	LocalHost       string        `mapstructure:"local_host"`
	LocalPort       int           `mapstructure:"local_port"`
	RTPPort         int           `mapstructure:"rtp_port"`
	RegisterTimeout time.Duration `mapstructure:"register_timeout"`
	RegisterExpiry  time.Duration `mapstructure:"register_expiry"`
}

// MediaConfig holds the microphone capture constraints.
type MediaConfig struct {
	Driver           string `mapstructure:"driver"`
	SampleRate       int    `mapstructure:"sample_rate"`
	ChannelCount     int    `mapstructure:"channel_count"`
	EchoCancellation bool   `mapstructure:"echo_cancellation"`
	NoiseSuppression bool   `mapstructure:"noise_suppression"`
	AutoGainControl  bool   `mapstructure:"auto_gain_control"`
}

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("TELECALL")
	v.SetEnvKeyReplacer(NewEnvReplacer())
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}
	cfg.Call = cfg.Call.WithDefaults()

	return cfg, nil
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "telecalling")
	v.SetDefault("app.env", "development")
	v.SetDefault("http.port", 8088)
	v.SetDefault("kafka.dial_topic", "telecall.dial")
	v.SetDefault("kafka.status_topic", "telecall.status")
	v.SetDefault("kafka.consumer_group_id", "telecalld")
	v.SetDefault("kafka.status_buffer", 256)
	v.SetDefault("kafka.dial_max_age", 2*time.Minute)
	v.SetDefault("redis.line_lock_ttl", 2*time.Hour)
	v.SetDefault("vendor.transport", "udp")
	v.SetDefault("vendor.user_agent", "telecalld")
	v.SetDefault("vendor.register_timeout", 5*time.Second)
	v.SetDefault("vendor.register_expiry", time.Hour)
	v.SetDefault("vendor.local_port", 5060)
	v.SetDefault("vendor.rtp_port", 40000)
	v.SetDefault("media.driver", "device")
	v.SetDefault("media.sample_rate", 48000)
	v.SetDefault("media.channel_count", 1)
	v.SetDefault("media.echo_cancellation", true)
	v.SetDefault("media.noise_suppression", true)
	v.SetDefault("media.auto_gain_control", true)
}

// WithDefaults replaces unset timings with the documented defaults.
func (c CallConfig) WithDefaults() CallConfig {
	if c.RingDelay <= 0 {
		c.RingDelay = time.Second
	}
	if c.AnswerDelay <= 0 {
		c.AnswerDelay = 3 * time.Second
	}
	if c.AnswerDelay < c.RingDelay {
		c.AnswerDelay = c.RingDelay
	}
	if c.DurationInterval <= 0 {
		c.DurationInterval = time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 60 * time.Second
	}
	return c
}
