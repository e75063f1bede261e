package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	Port   int    `envconfig:"PORT" default:"8080"`
	// SecretKey используется для шифрования бот-токенов (hex, 32 байта).
	SecretKey string `envconfig:"SECRET_KEY"`

	Telegram struct {
		Token   string `envconfig:"TG_BOT_TOKEN"`
		APIID   int    `envconfig:"TG_API_ID"`
		APIHash string `envconfig:"TG_API_HASH"`
	} `envconfig:""`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`
	RabbitURL string `envconfig:"RABBITMQ_URL"`

	Queues struct {
		// Backend: rabbitmq для продакшена, redis для dev-окружения.
		Backend   string `envconfig:"QUEUE_BACKEND" default:"rabbitmq"`
		AgentJobs string `envconfig:"AGENT_JOBS_QUEUE_KEY" default:"agent_jobs"`
	} `envconfig:""`

	OpenAI struct {
		APIKey  string        `envconfig:"OPENAI_API_KEY"`
		BaseURL string        `envconfig:"OPENAI_BASE_URL"`
		Model   string        `envconfig:"OPENAI_MODEL" default:"o4-mini"`
		Timeout time.Duration `envconfig:"OPENAI_TIMEOUT" default:"60s"`
	} `envconfig:""`

	Replicate struct {
		APIKey  string        `envconfig:"REPLICATE_API_KEY"`
		Model   string        `envconfig:"REPLICATE_IMAGE_MODEL" default:"recraft-ai/recraft-v3"`
		Timeout time.Duration `envconfig:"REPLICATE_TIMEOUT" default:"120s"`
	} `envconfig:""`

	S3 struct {
		Endpoint  string `envconfig:"S3_ENDPOINT"`
		AccessKey string `envconfig:"S3_ACCESS_KEY"`
		SecretKey string `envconfig:"S3_SECRET_KEY"`
		Bucket    string `envconfig:"S3_BUCKET" default:"viralink-media"`
		UseSSL    bool   `envconfig:"S3_USE_SSL" default:"true"`
	} `envconfig:""`

	Jobs struct {
		StaleAfter time.Duration `envconfig:"JOB_STALE_AFTER" default:"30m"`
	} `envconfig:""`

	Credits struct {
		PostGeneration  int64 `envconfig:"CREDITS_POST_GENERATION" default:"1"`
		ImageGeneration int64 `envconfig:"CREDITS_IMAGE_GENERATION" default:"2"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
