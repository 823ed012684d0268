package config

import (
	"fmt"
	"time"
)

// LoggingConfig represents the logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// HTTPConfig represents the metrics, health and push listener
type HTTPConfig struct {
	ListenAddress string
}

// LLMConfig represents the configuration for the LLM provider
type LLMConfig struct {
	Provider string
}

// BedrockConfig represents the configuration for Amazon Bedrock
type BedrockConfig struct {
	Region      string
	ModelID     string
	MaxTokens   int
	Temperature float32
	TopP        float32
}

// GeminiConfig represents the configuration for Google Gemini
type GeminiConfig struct {
	APIKey      string
	ModelName   string
	MaxTokens   int
	Temperature float32
	TopP        float32
}

// OpenAIConfig represents the configuration for OpenAI
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	ModelName   string
	MaxTokens   int
	Temperature float32
	TopP        float32
}

// ClassifierConfig represents the classification adapter limits
type ClassifierConfig struct {
	MaxInputChars int
}

// ProviderConfig selects the mail provider
type ProviderConfig struct {
	Type string
}

// GmailConfig represents the Gmail API provider configuration
type GmailConfig struct {
	User            string
	CredentialsFile string
	TokenFile       string
	Topic           string
	LabelIDs        []string
	ListLimit       int64
}

// IMAPConfig represents the IMAP provider configuration
type IMAPConfig struct {
	Address   string
	Username  string
	Password  string
	Mailbox   string
	TLS       bool
	ListLimit int
	Timeout   time.Duration
}

// SMTPConfig represents the local SMTP inbox configuration
type SMTPConfig struct {
	ListenAddress   string
	Domain          string
	Address         string
	MaxMessageBytes int64
	MaxMessages     int
}

// QueueConfig represents the notification queue configuration
type QueueConfig struct {
	Type              string
	Workers           int
	Capacity          int
	VisibilityTimeout time.Duration
	RedeliveryDelay   time.Duration
}

// PubSubConfig represents the Google Pub/Sub configuration
type PubSubConfig struct {
	ProjectID       string
	Subscription    string
	Topic           string
	CredentialsFile string
	MaxOutstanding  int
}

// PushConfig represents the Pub/Sub push endpoint configuration
type PushConfig struct {
	Path  string
	Token string
}

// RedisConfig represents the Redis connection used by the stream queue and ledger
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Stream   string
	Group    string
}

// LedgerConfig represents the dedup ledger configuration
type LedgerConfig struct {
	Type              string
	LivenessThreshold time.Duration
	MaxAttempts       int
	Retention         time.Duration
	CleanupFrequency  time.Duration
	SQLitePath        string
	MySQLDSN          string
	PostgresDSN       string
	RedisPrefix       string
}

// StoreConfig represents the result store configuration
type StoreConfig struct {
	Type           string
	Prefix         string
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// GCSConfig represents the Google Cloud Storage configuration
type GCSConfig struct {
	Bucket          string
	CredentialsFile string
}

// S3Config represents the S3 configuration
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string
}

// MongoDBConfig represents the MongoDB configuration
type MongoDBConfig struct {
	URI        string
	Database   string
	Collection string
}

// FileConfig represents the local directory store configuration
type FileConfig struct {
	Dir string
}

// ResolverConfig represents the link resolver configuration
type ResolverConfig struct {
	Backend        string
	RenderEndpoint string
	RenderToken    string
	MaxHops        int
	Deadline       time.Duration
	UserAgent      string
	RateLimit      float64
	Burst          int
	MaxBodyBytes   int64
}

// ExtractorConfig represents the content extractor configuration
type ExtractorConfig struct {
	MaxDepth         int
	MaxParts         int
	DenylistDomains  []string
	DenylistKeywords []string
}

// ConsumerConfig represents the notification consumer configuration
type ConsumerConfig struct {
	Deadline      time.Duration
	BacklogPolicy string
	Instance      string
}

// SchedulerConfig represents the cron schedules
type SchedulerConfig struct {
	WatchRenewSpec string
	PollSpec       string
}

// GetLogging returns the logging configuration
func (c *Config) GetLogging() LoggingConfig {
	return LoggingConfig{
		Level:  c.GetString("logging.level"),
		Format: c.GetString("logging.format"),
	}
}

// GetHTTP returns the HTTP listener configuration
func (c *Config) GetHTTP() HTTPConfig {
	return HTTPConfig{
		ListenAddress: c.GetString("http.listen_address"),
	}
}

// GetLLM returns the LLM configuration
func (c *Config) GetLLM() LLMConfig {
	return LLMConfig{
		Provider: c.GetString("llm.provider"),
	}
}

// GetBedrock returns the Bedrock configuration
func (c *Config) GetBedrock() BedrockConfig {
	return BedrockConfig{
		Region:      c.GetString("bedrock.region"),
		ModelID:     c.GetString("bedrock.model_id"),
		MaxTokens:   c.GetInt("bedrock.max_tokens"),
		Temperature: float32(c.GetFloat64("bedrock.temperature")),
		TopP:        float32(c.GetFloat64("bedrock.top_p")),
	}
}

// GetGemini returns the Gemini configuration
func (c *Config) GetGemini() GeminiConfig {
	return GeminiConfig{
		APIKey:      c.GetString("gemini.api_key"),
		ModelName:   c.GetString("gemini.model_name"),
		MaxTokens:   c.GetInt("gemini.max_tokens"),
		Temperature: float32(c.GetFloat64("gemini.temperature")),
		TopP:        float32(c.GetFloat64("gemini.top_p")),
	}
}

// GetOpenAI returns the OpenAI configuration
func (c *Config) GetOpenAI() OpenAIConfig {
	return OpenAIConfig{
		APIKey:      c.GetString("openai.api_key"),
		BaseURL:     c.GetString("openai.base_url"),
		ModelName:   c.GetString("openai.model_name"),
		MaxTokens:   c.GetInt("openai.max_tokens"),
		Temperature: float32(c.GetFloat64("openai.temperature")),
		TopP:        float32(c.GetFloat64("openai.top_p")),
	}
}

// GetClassifier returns the classification adapter configuration
func (c *Config) GetClassifier() ClassifierConfig {
	return ClassifierConfig{
		MaxInputChars: c.GetInt("classifier.max_input_chars"),
	}
}

// GetProvider returns the mail provider selection
func (c *Config) GetProvider() ProviderConfig {
	return ProviderConfig{
		Type: c.GetString("provider.type"),
	}
}

// GetGmail returns the Gmail configuration
func (c *Config) GetGmail() GmailConfig {
	return GmailConfig{
		User:            c.GetString("gmail.user"),
		CredentialsFile: c.GetString("gmail.credentials_file"),
		TokenFile:       c.GetString("gmail.token_file"),
		Topic:           c.GetString("gmail.topic"),
		LabelIDs:        c.GetStringSlice("gmail.label_ids"),
		ListLimit:       c.GetInt64("gmail.list_limit"),
	}
}

// GetIMAP returns the IMAP configuration
func (c *Config) GetIMAP() IMAPConfig {
	return IMAPConfig{
		Address:   c.GetString("imap.address"),
		Username:  c.GetString("imap.username"),
		Password:  c.GetString("imap.password"),
		Mailbox:   c.GetString("imap.mailbox"),
		TLS:       c.GetBool("imap.tls"),
		ListLimit: c.GetInt("imap.list_limit"),
		Timeout:   c.v.GetDuration("imap.timeout"),
	}
}

// GetSMTP returns the SMTP inbox configuration
func (c *Config) GetSMTP() SMTPConfig {
	return SMTPConfig{
		ListenAddress:   c.GetString("smtp.listen_address"),
		Domain:          c.GetString("smtp.domain"),
		Address:         c.GetString("smtp.address"),
		MaxMessageBytes: c.GetInt64("smtp.max_message_bytes"),
		MaxMessages:     c.GetInt("smtp.max_messages"),
	}
}

// GetQueue returns the notification queue configuration
func (c *Config) GetQueue() (QueueConfig, error) {
	visibility, err := c.GetDuration("queue.visibility_timeout")
	if err != nil {
		return QueueConfig{}, err
	}
	redelivery, err := c.GetDuration("queue.redelivery_delay")
	if err != nil {
		return QueueConfig{}, err
	}
	return QueueConfig{
		Type:              c.GetString("queue.type"),
		Workers:           c.GetInt("queue.workers"),
		Capacity:          c.GetInt("queue.capacity"),
		VisibilityTimeout: visibility,
		RedeliveryDelay:   redelivery,
	}, nil
}

// GetPubSub returns the Pub/Sub configuration
func (c *Config) GetPubSub() PubSubConfig {
	return PubSubConfig{
		ProjectID:       c.GetString("pubsub.project_id"),
		Subscription:    c.GetString("pubsub.subscription"),
		Topic:           c.GetString("pubsub.topic"),
		CredentialsFile: c.GetString("pubsub.credentials_file"),
		MaxOutstanding:  c.GetInt("pubsub.max_outstanding"),
	}
}

// GetPush returns the push endpoint configuration
func (c *Config) GetPush() PushConfig {
	return PushConfig{
		Path:  c.GetString("push.path"),
		Token: c.GetString("push.token"),
	}
}

// GetRedis returns the Redis configuration
func (c *Config) GetRedis() RedisConfig {
	return RedisConfig{
		Address:  c.GetString("redis.address"),
		Password: c.GetString("redis.password"),
		DB:       c.GetInt("redis.db"),
		Stream:   c.GetString("redis.stream"),
		Group:    c.GetString("redis.group"),
	}
}

// GetLedger returns the dedup ledger configuration
func (c *Config) GetLedger() (LedgerConfig, error) {
	liveness, err := c.GetDuration("ledger.liveness_threshold")
	if err != nil {
		return LedgerConfig{}, err
	}
	retention, err := c.GetDuration("ledger.retention")
	if err != nil {
		return LedgerConfig{}, err
	}
	cleanup, err := c.GetDuration("ledger.cleanup_frequency")
	if err != nil {
		return LedgerConfig{}, err
	}
	return LedgerConfig{
		Type:              c.GetString("ledger.type"),
		LivenessThreshold: liveness,
		MaxAttempts:       c.GetInt("ledger.max_attempts"),
		Retention:         retention,
		CleanupFrequency:  cleanup,
		SQLitePath:        c.GetString("ledger.sqlite_path"),
		MySQLDSN:          c.GetString("ledger.mysql_dsn"),
		PostgresDSN:       c.GetString("ledger.postgres_dsn"),
		RedisPrefix:       c.GetString("ledger.redis_prefix"),
	}, nil
}

// GetStore returns the result store configuration
func (c *Config) GetStore() (StoreConfig, error) {
	initial, err := c.GetDuration("store.initial_backoff")
	if err != nil {
		return StoreConfig{}, err
	}
	maxBackoff, err := c.GetDuration("store.max_backoff")
	if err != nil {
		return StoreConfig{}, err
	}
	return StoreConfig{
		Type:           c.GetString("store.type"),
		Prefix:         c.GetString("store.prefix"),
		MaxAttempts:    c.GetInt("store.max_attempts"),
		InitialBackoff: initial,
		MaxBackoff:     maxBackoff,
	}, nil
}

// GetGCS returns the Google Cloud Storage configuration
func (c *Config) GetGCS() GCSConfig {
	return GCSConfig{
		Bucket:          c.GetString("gcs.bucket"),
		CredentialsFile: c.GetString("gcs.credentials_file"),
	}
}

// GetS3 returns the S3 configuration
func (c *Config) GetS3() S3Config {
	return S3Config{
		Bucket:   c.GetString("s3.bucket"),
		Region:   c.GetString("s3.region"),
		Endpoint: c.GetString("s3.endpoint"),
	}
}

// GetMongoDB returns the MongoDB configuration
func (c *Config) GetMongoDB() MongoDBConfig {
	return MongoDBConfig{
		URI:        c.GetString("mongodb.uri"),
		Database:   c.GetString("mongodb.database"),
		Collection: c.GetString("mongodb.collection"),
	}
}

// GetFile returns the local directory store configuration
func (c *Config) GetFile() FileConfig {
	return FileConfig{
		Dir: c.GetString("file.dir"),
	}
}

// GetResolver returns the link resolver configuration
func (c *Config) GetResolver() (ResolverConfig, error) {
	deadline, err := c.GetDuration("resolver.deadline")
	if err != nil {
		return ResolverConfig{}, err
	}
	return ResolverConfig{
		Backend:        c.GetString("resolver.backend"),
		RenderEndpoint: c.GetString("resolver.render_endpoint"),
		RenderToken:    c.GetString("resolver.render_token"),
		MaxHops:        c.GetInt("resolver.max_hops"),
		Deadline:       deadline,
		UserAgent:      c.GetString("resolver.user_agent"),
		RateLimit:      c.GetFloat64("resolver.rate_limit"),
		Burst:          c.GetInt("resolver.burst"),
		MaxBodyBytes:   c.GetInt64("resolver.max_body_bytes"),
	}, nil
}

// GetExtractor returns the content extractor configuration
func (c *Config) GetExtractor() ExtractorConfig {
	return ExtractorConfig{
		MaxDepth:         c.GetInt("extractor.max_depth"),
		MaxParts:         c.GetInt("extractor.max_parts"),
		DenylistDomains:  c.GetStringSlice("extractor.denylist_domains"),
		DenylistKeywords: c.GetStringSlice("extractor.denylist_keywords"),
	}
}

// GetConsumer returns the notification consumer configuration
func (c *Config) GetConsumer() (ConsumerConfig, error) {
	deadline, err := c.GetDuration("consumer.deadline")
	if err != nil {
		return ConsumerConfig{}, err
	}
	policy := c.GetString("consumer.backlog_policy")
	switch policy {
	case "latest", "all":
	default:
		return ConsumerConfig{}, fmt.Errorf("unsupported consumer.backlog_policy: %s", policy)
	}
	return ConsumerConfig{
		Deadline:      deadline,
		BacklogPolicy: policy,
		Instance:      c.GetString("consumer.instance"),
	}, nil
}

// GetScheduler returns the cron schedules
func (c *Config) GetScheduler() SchedulerConfig {
	return SchedulerConfig{
		WatchRenewSpec: c.GetString("scheduler.watch_renew_spec"),
		PollSpec:       c.GetString("scheduler.poll_spec"),
	}
}
