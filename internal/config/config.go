package config

import (
	"log"
	"os"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type AuthConfig struct {
	Enabled         bool   `yaml:"enabled"`
	InitialAdminKey string `yaml:"initialAdminKey"`
}

type RateLimitConfig struct {
	DefaultPerMinute int `yaml:"defaultPerMinute"`
}

// QueueConfig controls the Redis Streams work queue. The visibility
// timeout is the lease a consumer holds on a delivered message; it must
// exceed the worst-case latency of the generation agent, because an
// unacked message only becomes eligible for redelivery once it has been
// idle that long.
type QueueConfig struct {
	Stream                 string `yaml:"stream"`
	ConsumerGroup          string `yaml:"consumerGroup"`
	VisibilityTimeoutMs    int    `yaml:"visibilityTimeoutMs"`
	ReceiveBlockMs         int    `yaml:"receiveBlockMs"`
	RetryReleaseIntervalMs int    `yaml:"retryReleaseIntervalMs"`
}

// WorkerConfig controls the orchestration worker pool.
type WorkerConfig struct {
	Consumers          int `yaml:"consumers"`
	MaxAttempts        int `yaml:"maxAttempts"`
	RetryBackoffBaseMs int `yaml:"retryBackoffBaseMs"`
}

// RetentionConfig controls how long job records are kept and how often
// expired rows are physically swept from the database.
type RetentionConfig struct {
	Enabled                bool `yaml:"enabled"`
	WindowHours            int  `yaml:"windowHours"`
	CleanupIntervalMinutes int  `yaml:"cleanupIntervalMinutes"`
}

// StorageConfig points at the S3-compatible bucket that holds uploaded
// pet images and generated avatars.
type StorageConfig struct {
	Endpoint              string `yaml:"endpoint"`
	Region                string `yaml:"region"`
	Bucket                string `yaml:"bucket"`
	AccessKeyID           string `yaml:"accessKeyId"`
	SecretAccessKey       string `yaml:"secretAccessKey"`
	UploadPrefix          string `yaml:"uploadPrefix"`
	UploadExpirySeconds   int    `yaml:"uploadExpirySeconds"`
	MaxUploadBytes        int64  `yaml:"maxUploadBytes"`
	DownloadExpirySeconds int    `yaml:"downloadExpirySeconds"`
}

// AgentConfig points at the generative/analysis service that turns a
// pet image into an avatar plus identity package.
type AgentConfig struct {
	BaseURL   string `yaml:"baseURL"`
	APIKey    string `yaml:"apiKey"`
	TimeoutMs int    `yaml:"timeoutMs"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Queue     QueueConfig     `yaml:"queue"`
	Worker    WorkerConfig    `yaml:"worker"`
	Retention RetentionConfig `yaml:"retention"`
	Storage   StorageConfig   `yaml:"storage"`
	Agent     AgentConfig     `yaml:"agent"`
}

func Load(path string) *Config {
	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("failed to open config file: %v", err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		log.Fatalf("failed to decode config: %v", err)
	}

	return &cfg
}
