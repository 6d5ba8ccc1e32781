package config

import "github.com/kelseyhightower/envconfig"

type APIConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// DB pool sizing; empty durations keep the pgx defaults.
	DBPoolMaxConns          int32  `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	DBPoolMinConns          int32  `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime   string `envconfig:"DB_POOL_MAX_CONN_LIFETIME"`
	DBPoolMaxConnIdleTime   string `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME"`
	DBPoolHealthCheckPeriod string `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD"`

	// AWS / SQS (batch job enqueue)
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	SQSQueueURL        string `envconfig:"SQS_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`

	// Batch dispatch (POST /v1/queues/{id}/start runs a step in-process)
	BatchSize       int `envconfig:"BATCH_SIZE" default:"10"`
	InterCallMs     int `envconfig:"INTER_CALL_DELAY_MS" default:"1000"`
	DialTimeoutMs   int `envconfig:"DIAL_TIMEOUT_MS" default:"15000"`
	BreakerFailures int `envconfig:"BREAKER_CONSECUTIVE_FAILURES" default:"5"`

	// Twilio
	TwilioAccountSID string `envconfig:"TWILIO_ACCOUNT_SID" required:"true"`
	TwilioAuthToken  string `envconfig:"TWILIO_AUTH_TOKEN" required:"true"`
	TwilioFromNumber string `envconfig:"TWILIO_FROM_NUMBER" required:"true"`
	TwilioBaseURL    string `envconfig:"TWILIO_BASE_URL" default:"https://api.twilio.com"`

	PublicBaseURL    string `envconfig:"PUBLIC_BASE_URL" required:"true"`
	MachineDetection bool   `envconfig:"MACHINE_DETECTION" default:"true"`
}

type WorkerConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	DBPoolMaxConns          int32  `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	DBPoolMinConns          int32  `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime   string `envconfig:"DB_POOL_MAX_CONN_LIFETIME"`
	DBPoolMaxConnIdleTime   string `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME"`
	DBPoolHealthCheckPeriod string `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD"`

	// AWS / SQS
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	SQSQueueURL        string `envconfig:"SQS_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSWaitTime        int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs         int32  `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout      int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"120"`

	// Batch dispatch
	BatchSize       int `envconfig:"BATCH_SIZE" default:"10"`
	InterCallMs     int `envconfig:"INTER_CALL_DELAY_MS" default:"1000"`
	DialTimeoutMs   int `envconfig:"DIAL_TIMEOUT_MS" default:"15000"`
	BatchReplayMs   int `envconfig:"BATCH_REPLAY_DELAY_MS" default:"2000"`
	BreakerFailures int `envconfig:"BREAKER_CONSECUTIVE_FAILURES" default:"5"`

	// Twilio
	TwilioAccountSID string `envconfig:"TWILIO_ACCOUNT_SID" required:"true"`
	TwilioAuthToken  string `envconfig:"TWILIO_AUTH_TOKEN" required:"true"`
	TwilioFromNumber string `envconfig:"TWILIO_FROM_NUMBER" required:"true"`
	TwilioBaseURL    string `envconfig:"TWILIO_BASE_URL" default:"https://api.twilio.com"`

	// Callback URLs handed to Twilio on each call. PublicBaseURL is the
	// externally reachable root of the webhook service; the per-event paths
	// are appended to it.
	PublicBaseURL    string `envconfig:"PUBLIC_BASE_URL" required:"true"`
	MachineDetection bool   `envconfig:"MACHINE_DETECTION" default:"true"`
}

type WebhookConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	DBPoolMaxConns          int32  `envconfig:"DB_POOL_MAX_CONNS" default:"20"`
	DBPoolMinConns          int32  `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime   string `envconfig:"DB_POOL_MAX_CONN_LIFETIME"`
	DBPoolMaxConnIdleTime   string `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME"`
	DBPoolHealthCheckPeriod string `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD"`

	// Webhook signature verification. PublicBaseURL must match the EXACT
	// URL root configured on the Twilio side; signatures are computed over
	// the full public URL, not the locally observed one.
	TwilioAuthToken    string `envconfig:"TWILIO_AUTH_TOKEN" required:"true"`
	PublicBaseURL      string `envconfig:"PUBLIC_BASE_URL" required:"true"`
	SkipSignatureCheck bool   `envconfig:"WEBHOOK_SKIP_SIGNATURE_CHECK" default:"false"`
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadWorker() WorkerConfig {
	var cfg WorkerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadWebhook() WebhookConfig {
	var cfg WebhookConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
