package config

import "github.com/kelseyhightower/envconfig"

type APIConfig struct {
	DBDSN      string `envconfig:"DB_DSN" required:"true"`
	DBMaxConns int32  `envconfig:"DB_POOL_MAX_CONNS" default:"0"`
	Port       string `envconfig:"PORT" default:"8080"`
	LogFormat  string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`

	// AWS / SQS
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	SQSQueueURL        string `envconfig:"SQS_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`

	// Campaign scheduler
	CampaignDefaultDelayMS int `envconfig:"CAMPAIGN_DEFAULT_DELAY_MS" default:"2000"`
}

type DispatcherConfig struct {
	DBDSN      string `envconfig:"DB_DSN" required:"true"`
	DBMaxConns int32  `envconfig:"DB_POOL_MAX_CONNS" default:"0"`
	Port       string `envconfig:"PORT" default:"8080"`
	LogFormat  string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`

	// AWS / SQS
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	SQSQueueURL        string `envconfig:"SQS_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSWaitTime        int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs         int32  `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout      int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`

	WorkerConcurrency int `envconfig:"WORKER_CONCURRENCY" default:"20"`
	MaxSendAttempts   int `envconfig:"MAX_SEND_ATTEMPTS" default:"5"`

	// Gateway
	GatewayBaseURL     string  `envconfig:"GATEWAY_BASE_URL" required:"true"`
	GatewayRPSPerPod   float64 `envconfig:"GATEWAY_RPS_PER_POD" default:"10"`
	GatewayBurst       int     `envconfig:"GATEWAY_BURST" default:"20"`
	GatewaySendTimeout string  `envconfig:"GATEWAY_SEND_TIMEOUT" default:"8s"`

	// Session state machine
	SessionReconnectCeiling int    `envconfig:"SESSION_RECONNECT_CEILING" default:"8"`
	SessionBackoffBase      string `envconfig:"SESSION_BACKOFF_BASE" default:"500ms"`
	SessionBackoffMax       string `envconfig:"SESSION_BACKOFF_MAX" default:"1m"`
	SessionHeartbeat        string `envconfig:"SESSION_HEARTBEAT" default:"30s"`
	SessionIdleGrace        string `envconfig:"SESSION_IDLE_GRACE" default:"10m"`
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadDispatcher() DispatcherConfig {
	var cfg DispatcherConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
