package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type PostgresConfig struct {
	DSN             string
	MaxOpen         int
	MaxIdle         int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	ClientName   string
	PoolSize     int
	MinIdleConns int
}

type StorageConfig struct {
	Endpoint     string
	PublicURL    string
	AccessKey    string
	SecretKey    string
	BucketAssets string
	UseSSL       bool
	Region       string
}

type SecurityConfig struct {
	JWTAccessSecret string
}

// ProofConfig controls the system signing key and how attestations are
// written into image files.
type ProofConfig struct {
	SystemKeyPEM     string
	SystemKeyPath    string
	SystemKeyID      string
	EmbedMode        string
	TrailerScanBytes int
}

type AnalyzerConfig struct {
	BaseURL     string
	Timeout     time.Duration
	PingTimeout time.Duration
	ModelName   string
}

type QueueConfig struct {
	Stream          string
	Group           string
	Consumer        string
	KeyPrefix       string
	MaxAttempts     int
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
	Concurrency     int
	RatePerSecond   int
	ClaimInterval   time.Duration
	RetainCompleted time.Duration
	RetainFailed    time.Duration
}

type StatusConfig struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}

type SchedulerConfig struct {
	RequeueSpec string
	StaleAfter  time.Duration
	StatsSpec   string
}

type LoggingConfig struct {
	Level string
}

type AppConfig struct {
	Environment      string
	HTTP             HTTPConfig
	Postgres         PostgresConfig
	Redis            RedisConfig
	Storage          StorageConfig
	Security         SecurityConfig
	Proof            ProofConfig
	Analyzer         AnalyzerConfig
	Queue            QueueConfig
	Status           StatusConfig
	Scheduler        SchedulerConfig
	Logging          LoggingConfig
	AllowCORSOrigins []string
}

var envKeyReplacer = strings.NewReplacer(".", "_")

// Load reads <name>.yaml from the usual search paths and overlays
// PROOFOFART_* environment variables.
func Load(name string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("../config")

	v.SetEnvPrefix("PROOFOFART")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *AppConfig) Validate() error {
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.maxattempts must be at least 1")
	}
	if c.Queue.Concurrency < 1 {
		return fmt.Errorf("queue.concurrency must be at least 1")
	}
	switch c.Proof.EmbedMode {
	case "auto", "container", "trailer":
	default:
		return fmt.Errorf("proof.embedmode %q is not one of auto, container, trailer", c.Proof.EmbedMode)
	}
	if c.Status.PollInterval <= 0 || c.Status.HeartbeatInterval <= 0 {
		return fmt.Errorf("status intervals must be positive")
	}
	if c.Queue.ClaimInterval > 0 && c.Queue.ClaimInterval <= c.Analyzer.Timeout {
		return fmt.Errorf("queue.claiminterval (%s) must exceed analyzer.timeout (%s)", c.Queue.ClaimInterval, c.Analyzer.Timeout)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("allowcorsorigins", []string{"*"})

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.readtimeout", "10s")
	v.SetDefault("http.writetimeout", "0s") // SSE responses are long lived
	v.SetDefault("http.idletimeout", "60s")

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.maxopen", 30)
	v.SetDefault("postgres.maxidle", 10)
	v.SetDefault("postgres.connmaxlifetime", "30m")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.clientname", "")
	v.SetDefault("redis.poolsize", 0)
	v.SetDefault("redis.minidleconns", 0)

	v.SetDefault("storage.endpoint", "127.0.0.1:9000")
	v.SetDefault("storage.publicurl", "")
	v.SetDefault("storage.accesskey", "")
	v.SetDefault("storage.secretkey", "")
	v.SetDefault("storage.bucketassets", "proofofart-assets")
	v.SetDefault("storage.usessl", false)
	v.SetDefault("storage.region", "us-east-1")

	v.SetDefault("security.jwtaccesssecret", "")

	v.SetDefault("proof.systemkeypem", "")
	v.SetDefault("proof.systemkeypath", "")
	v.SetDefault("proof.systemkeyid", "system-default")
	v.SetDefault("proof.embedmode", "auto")
	v.SetDefault("proof.trailerscanbytes", 10000)

	v.SetDefault("analyzer.baseurl", "http://127.0.0.1:8000")
	v.SetDefault("analyzer.timeout", "120s")
	v.SetDefault("analyzer.pingtimeout", "5s")
	v.SetDefault("analyzer.modelname", "multihead_model")

	v.SetDefault("queue.stream", "detect:stream")
	v.SetDefault("queue.group", "detect-workers")
	v.SetDefault("queue.consumer", "worker-1")
	v.SetDefault("queue.keyprefix", "detect")
	v.SetDefault("queue.maxattempts", 3)
	v.SetDefault("queue.backoffinitial", "5s")
	v.SetDefault("queue.backoffmax", "5m")
	v.SetDefault("queue.concurrency", 1)
	v.SetDefault("queue.ratepersecond", 5)
	v.SetDefault("queue.claiminterval", "10m")
	v.SetDefault("queue.retaincompleted", "24h")
	v.SetDefault("queue.retainfailed", "168h")

	v.SetDefault("status.pollinterval", "2s")
	v.SetDefault("status.heartbeatinterval", "30s")

	v.SetDefault("scheduler.requeuespec", "0 */5 * * * *")
	v.SetDefault("scheduler.staleafter", "15m")
	v.SetDefault("scheduler.statsspec", "0 * * * * *")

	v.SetDefault("logging.level", "")
}
