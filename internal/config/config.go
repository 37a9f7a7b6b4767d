package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type DBConfig struct {
	DBDSN                string        `envconfig:"DB_DSN" required:"true"`
	DBMaxConns           int32         `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	DBMinConns           int32         `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBMaxConnLifetime    time.Duration `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"30m"`
	DBMaxConnIdleTime    time.Duration `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"5m"`
	DBHealthCheckPeriod  time.Duration `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD" default:"30s"`
	DBStartupPingTimeout time.Duration `envconfig:"DB_STARTUP_PING_TIMEOUT" default:"3s"`
}

// EngineConfig tunes the broadcast run and its provider integrations. Shared by the API and scheduler.
type EngineConfig struct {
	BatchSize     int           `envconfig:"BATCH_SIZE" default:"25"`
	BatchCooldown time.Duration `envconfig:"BATCH_COOLDOWN" default:"2s"`
	SendTimeout   time.Duration `envconfig:"SEND_TIMEOUT" default:"10s"`

	DefaultPhoneRegion string `envconfig:"DEFAULT_PHONE_REGION" default:"US"`

	TwilioBaseURL string  `envconfig:"TWILIO_BASE_URL" default:"https://api.twilio.com"`
	SMSRPS        float64 `envconfig:"SMS_RPS" default:"10"`
	SMSBurst      int     `envconfig:"SMS_BURST" default:"25"`

	EmailBaseURL string  `envconfig:"EMAIL_BASE_URL" default:"https://api.resend.com"`
	EmailRPS     float64 `envconfig:"EMAIL_RPS" default:"10"`
	EmailBurst   int     `envconfig:"EMAIL_BURST" default:"25"`

	BreakerFailures uint32        `envconfig:"BREAKER_CONSECUTIVE_FAILURES" default:"10"`
	BreakerOpenFor  time.Duration `envconfig:"BREAKER_OPEN_FOR" default:"20s"`

	TrackerMaxAttempts int `envconfig:"TRACKER_MAX_ATTEMPTS" default:"3"`
	TrackerConcurrency int `envconfig:"TRACKER_CONCURRENCY" default:"50"`

	// log | sqs | amqp
	AuditSink          string `envconfig:"AUDIT_SINK" default:"log"`
	AWSRegion          string `envconfig:"AWS_REGION" default:"us-east-1"`
	AuditSQSQueueURL   string `envconfig:"AUDIT_SQS_QUEUE_URL"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
	AuditAMQPURL       string `envconfig:"AUDIT_AMQP_URL"`
	AuditAMQPQueue     string `envconfig:"AUDIT_AMQP_QUEUE" default:"broadcast.audit"`
}

type APIConfig struct {
	DBConfig
	EngineConfig

	Port      string `envconfig:"PORT" default:"8080"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	// RunTimeout bounds a synchronous send started over HTTP.
	RunTimeout time.Duration `envconfig:"RUN_TIMEOUT" default:"30m"`
}

type SchedulerConfig struct {
	DBConfig
	EngineConfig

	Port         string        `envconfig:"PORT" default:"8081"`
	LogFormat    string        `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel     string        `envconfig:"LOG_LEVEL" default:"info"`
	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"30s"`
	PollLimit    int           `envconfig:"POLL_LIMIT" default:"20"`
}

type MockProviderConfig struct {
	Port      string  `envconfig:"PORT" default:"8090"`
	LogFormat string  `envconfig:"LOG_FORMAT" default:"text"`
	FailRate  float64 `envconfig:"MOCK_FAIL_RATE" default:"0"`
	// Destinations listed here are always rejected, e.g. "+15005550001,bounce@example.com".
	RejectTo []string      `envconfig:"MOCK_REJECT_TO"`
	Latency  time.Duration `envconfig:"MOCK_LATENCY" default:"50ms"`
}

// loadDotEnv reads a local .env if one exists; real environment variables win.
func loadDotEnv() {
	_ = godotenv.Load()
}

func LoadAPI() APIConfig {
	loadDotEnv()
	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadScheduler() SchedulerConfig {
	loadDotEnv()
	var cfg SchedulerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadMockProvider() MockProviderConfig {
	loadDotEnv()
	var cfg MockProviderConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
