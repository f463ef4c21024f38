package config

import (
	"os"
	"strconv"
)

var (
	// HTTP server
	Port      = getEnvInt("PORT", 8000)
	JWTSecret = getEnvWithDefault("JWT_SECRET_KEY", "dev-secret-change-me")

	// SQLite databases
	PodcastDBPath = getEnvWithDefault("PODCAST_DB_PATH", "podcasts.db")
	UserDBPath    = getEnvWithDefault("USER_DB_PATH", "users.db")

	// S3/R2 object store
	S3Region      = getEnvWithDefault("AWS_REGION", "auto")
	S3Bucket      = os.Getenv("S3_BUCKET")
	S3AccessKey   = os.Getenv("AWS_ACCESS_KEY_ID")
	S3SecretKey   = os.Getenv("AWS_SECRET_ACCESS_KEY")
	S3EndpointURL = os.Getenv("AWS_ENDPOINT_URL") // For R2: https://account-id.r2.cloudflarestorage.com

	// CDN signed URLs (type-A auth)
	CDNBaseURL = os.Getenv("CDN_BASE_URL")
	CDNAuthKey = os.Getenv("CDN_AUTH_KEY")

	// App Store server notifications / purchase verification
	AppBundleID       = getEnvWithDefault("APP_BUNDLE_ID", "com.lingopod.app")
	AppAppleID        = getEnvInt64("APP_APPLE_ID", 0)
	AppStoreEnv       = getEnvWithDefault("APP_STORE_ENV", "Production") // "Production" or "Sandbox"
	AppleRootCAPEM    = os.Getenv("APPLE_ROOT_CA_PEM")
	AppleRootCADir    = os.Getenv("APPLE_ROOT_CA_DIR")
	StrictAppleVerify = getEnvWithDefault("STRICT_APPLE_VERIFY", "true") == "true"
	MaxDevicesPerUser = getEnvInt("MAX_DEVICES_PER_USER", 2)

	// Translation provider
	TranslateProvider    = getEnvWithDefault("TRANSLATE_PROVIDER", "dashscope") // "dashscope" or "openai"
	DashScopeAPIKey      = os.Getenv("DASHSCOPE_API_KEY")
	DashScopeEndpoint    = getEnvWithDefault("DASHSCOPE_ENDPOINT", "https://dashscope.aliyuncs.com/api/v1/services/aigc/text-generation/generation")
	DashScopeModel       = getEnvWithDefault("DASHSCOPE_MODEL", "qwen-turbo")
	OpenAIAPIKey         = os.Getenv("OPENAI_API_KEY")
	OpenAIEndpoint       = getEnvWithDefault("OPENAI_ENDPOINT", "https://api.openai.com/v1/chat/completions")
	OpenAIModel          = getEnvWithDefault("OPENAI_MODEL", "gpt-4o-mini")
	TranslateConcurrency = getEnvInt("TRANSLATE_CONCURRENCY", 5)

	// Speech recognition
	ASRServerURL = getEnvWithDefault("ASR_SERVER_URL", "http://localhost:9000")
	ASRModel     = getEnvWithDefault("ASR_MODEL", "large-v3")

	// Ingestion
	IngestConcurrency = getEnvInt("INGEST_CONCURRENT", 3)
	IngestWorkDir     = getEnvWithDefault("INGEST_WORK_DIR", "work")
	IngestStateDir    = getEnvWithDefault("INGEST_STATE_DIR", "state")
	CatalogueURL      = getEnvWithDefault("CATALOGUE_URL", "http://localhost:8000")
	ServiceToken      = os.Getenv("SERVICE_TOKEN") // shared secret for internal upload endpoints

	// Redis fetch-job queue
	RedisHost = getEnvWithDefault("REDIS_HOST", "localhost")
	RedisPort = getEnvInt("REDIS_PORT", 6379)
)

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}
