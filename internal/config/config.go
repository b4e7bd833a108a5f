// Package config 负责加载和管理应用程序的配置。
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	JWT           JWTConfig           `mapstructure:"jwt"`
	Log           LogConfig           `mapstructure:"log"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Tika          TikaConfig          `mapstructure:"tika"`
	OCR           OCRConfig           `mapstructure:"ocr"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	VectorStore   VectorStoreConfig   `mapstructure:"vector_store"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
	Embedding     EmbeddingConfig     `mapstructure:"embedding"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Chunking      ChunkingConfig      `mapstructure:"chunking"`
	Pipeline      PipelineConfig      `mapstructure:"pipeline"`
	Chat          ChatConfig          `mapstructure:"chat"`
	Retrieval     RetrievalConfig     `mapstructure:"retrieval"`
	Prompts       PromptsConfig       `mapstructure:"prompts"`
	Summary       SummaryConfig       `mapstructure:"summary"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port          string `mapstructure:"port"`
	Mode          string `mapstructure:"mode"`
	MaxUploadMB   int64  `mapstructure:"max_upload_mb"`
	MetricsEnable bool   `mapstructure:"metrics_enable"`
}

// DatabaseConfig 存储所有数据库连接的配置。
// Driver 为 "memory" 时使用进程内存储，便于本地调试。
type DatabaseConfig struct {
	Driver string      `mapstructure:"driver"`
	MySQL  MySQLConfig `mapstructure:"mysql"`
	Redis  RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。Addr 为空表示不启用 Redis 缓存。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JWTConfig 存储 JWT 相关的配置。token 由外部认证服务签发，这里只做校验。
type JWTConfig struct {
	Secret                 string `mapstructure:"secret"`
	AccessTokenExpireHours int    `mapstructure:"access_token_expire_hours"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置。Brokers 为空时任务在进程内执行。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// TikaConfig 存储 Tika 服务器相关的配置。
type TikaConfig struct {
	ServerURL string        `mapstructure:"server_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// OCRConfig 存储 OCR 引擎的配置。
// Provider: "remote" 调用外部异步批处理服务；"local" 使用 Tika + PDF 本地提取。
type OCRConfig struct {
	Provider string        `mapstructure:"provider"`
	BaseURL  string        `mapstructure:"base_url"`
	APIKey   string        `mapstructure:"api_key"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置。
type ElasticsearchConfig struct {
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	IndexName string `mapstructure:"index_name"`
}

// VectorStoreConfig 选择向量存储实现："elasticsearch" 或 "memory"。
type VectorStoreConfig struct {
	Provider string `mapstructure:"provider"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	UseSSL          bool          `mapstructure:"use_ssl"`
	BucketName      string        `mapstructure:"bucket_name"`
	SignedURLTTL    time.Duration `mapstructure:"signed_url_ttl"`
}

// EmbeddingConfig 存储 Embedding 模型相关的配置。
type EmbeddingConfig struct {
	APIKey            string        `mapstructure:"api_key"`
	BaseURL           string        `mapstructure:"base_url"`
	Model             string        `mapstructure:"model"`
	Dimensions        int           `mapstructure:"dimensions"`
	BatchSize         int           `mapstructure:"batch_size"`
	MaxInputChars     int           `mapstructure:"max_input_chars"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	QueryCacheSize    int           `mapstructure:"query_cache_size"`
	QueryCacheTTL     time.Duration `mapstructure:"query_cache_ttl"`
}

// LLMConfig 存储大语言模型相关的配置。
type LLMConfig struct {
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Model      string              `mapstructure:"model"`
	Timeout    time.Duration       `mapstructure:"timeout"`
	Generation LLMGenerationConfig `mapstructure:"generation"`
}

// LLMGenerationConfig 配置生成相关参数（可选）。
type LLMGenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// ChunkingConfig 配置文本切块策略。
type ChunkingConfig struct {
	Method       string `mapstructure:"method"`
	ChunkSize    int    `mapstructure:"chunk_size"`
	ChunkOverlap int    `mapstructure:"chunk_overlap"`
	MinChunkSize int    `mapstructure:"min_chunk_size"`
}

// PipelineConfig 配置后台处理：提交队列和重试策略。
type PipelineConfig struct {
	Workers     int           `mapstructure:"workers"`
	QueueSize   int           `mapstructure:"queue_size"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
}

// ChatConfig 配置对话历史。
type ChatConfig struct {
	HistoryLimit int           `mapstructure:"history_limit"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
}

// RetrievalConfig 配置检索与上下文组装。
type RetrievalConfig struct {
	TopK            int `mapstructure:"top_k"`
	FolderTopN      int `mapstructure:"folder_top_n"`
	ContextMaxChars int `mapstructure:"context_max_chars"`
	SnippetMaxChars int `mapstructure:"snippet_max_chars"`
}

// PromptsConfig 配置系统提示词和可选模板。
type PromptsConfig struct {
	System       string           `mapstructure:"system"`
	NoResultText string           `mapstructure:"no_result_text"`
	Templates    []PromptTemplate `mapstructure:"templates"`
}

// PromptTemplate 是一个可按 label 选择的提示词模板，Secret 表示特权模板。
type PromptTemplate struct {
	Label  string `mapstructure:"label"`
	System string `mapstructure:"system"`
	Secret bool   `mapstructure:"secret"`
}

// SummaryConfig 配置文档摘要："llm"、"extractive" 或 "none"。
type SummaryConfig struct {
	Provider      string `mapstructure:"provider"`
	MaxInputChars int    `mapstructure:"max_input_chars"`
	MaxSentences  int    `mapstructure:"max_sentences"`
	Prompt        string `mapstructure:"prompt"`
}

// Template 按 label 查找提示词模板。
func (p PromptsConfig) Template(label string) (PromptTemplate, bool) {
	for _, t := range p.Templates {
		if t.Label == label {
			return t, true
		}
	}
	return PromptTemplate{}, false
}

// Load 读取 .env（若存在）和 YAML 配置文件，并允许 DOCQA_ 前缀的环境变量覆盖。
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("读取 .env 失败: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("DOCQA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// Init 初始化配置加载，失败直接 panic，结果写入 Conf。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = *cfg
}

// ApplyDefaults 为未配置的项填充默认值。
func (c *Config) ApplyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8081"
	}
	if c.Server.MaxUploadMB <= 0 {
		c.Server.MaxUploadMB = 50
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "docqa-post-process"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "docqa-consumer"
	}
	if c.Tika.Timeout <= 0 {
		c.Tika.Timeout = 60 * time.Second
	}
	if c.OCR.Provider == "" {
		c.OCR.Provider = "local"
	}
	if c.OCR.Timeout <= 0 {
		c.OCR.Timeout = 30 * time.Second
	}
	if c.Elasticsearch.IndexName == "" {
		c.Elasticsearch.IndexName = "document_chunks"
	}
	if c.VectorStore.Provider == "" {
		c.VectorStore.Provider = "elasticsearch"
	}
	if c.MinIO.SignedURLTTL <= 0 {
		c.MinIO.SignedURLTTL = time.Hour
	}
	if c.Embedding.Dimensions <= 0 {
		c.Embedding.Dimensions = 1024
	}
	if c.Embedding.BatchSize <= 0 {
		c.Embedding.BatchSize = 16
	}
	if c.Embedding.MaxInputChars <= 0 {
		c.Embedding.MaxInputChars = 8000
	}
	if c.Embedding.Timeout <= 0 {
		c.Embedding.Timeout = 30 * time.Second
	}
	if c.Embedding.RequestsPerSecond <= 0 {
		c.Embedding.RequestsPerSecond = 5
	}
	if c.Embedding.QueryCacheSize <= 0 {
		c.Embedding.QueryCacheSize = 512
	}
	if c.Embedding.QueryCacheTTL <= 0 {
		c.Embedding.QueryCacheTTL = 30 * time.Minute
	}
	if c.LLM.Timeout <= 0 {
		c.LLM.Timeout = 60 * time.Second
	}
	if c.Chunking.Method == "" {
		c.Chunking.Method = "recursive"
	}
	if c.Chunking.ChunkSize <= 0 {
		c.Chunking.ChunkSize = 1000
	}
	if c.Chunking.ChunkOverlap < 0 || c.Chunking.ChunkOverlap >= c.Chunking.ChunkSize {
		c.Chunking.ChunkOverlap = 100
	}
	if c.Chunking.MinChunkSize <= 0 {
		c.Chunking.MinChunkSize = 200
	}
	if c.Pipeline.Workers <= 0 {
		c.Pipeline.Workers = 4
	}
	if c.Pipeline.QueueSize <= 0 {
		c.Pipeline.QueueSize = 64
	}
	if c.Pipeline.MaxAttempts <= 0 {
		c.Pipeline.MaxAttempts = 3
	}
	if c.Pipeline.BaseDelay <= 0 {
		c.Pipeline.BaseDelay = 2 * time.Second
	}
	if c.Chat.HistoryLimit <= 0 {
		c.Chat.HistoryLimit = 20
	}
	if c.Chat.CacheTTL <= 0 {
		c.Chat.CacheTTL = 7 * 24 * time.Hour
	}
	if c.Retrieval.TopK <= 0 {
		c.Retrieval.TopK = 5
	}
	if c.Retrieval.FolderTopN <= 0 {
		c.Retrieval.FolderTopN = 12
	}
	if c.Retrieval.ContextMaxChars <= 0 {
		c.Retrieval.ContextMaxChars = 12000
	}
	if c.Retrieval.SnippetMaxChars <= 0 {
		c.Retrieval.SnippetMaxChars = 1000
	}
	if c.Prompts.NoResultText == "" {
		c.Prompts.NoResultText = "（本轮无检索结果）"
	}
	if c.Summary.Provider == "" {
		c.Summary.Provider = "llm"
	}
	if c.Summary.MaxInputChars <= 0 {
		c.Summary.MaxInputChars = 12000
	}
	if c.Summary.MaxSentences <= 0 {
		c.Summary.MaxSentences = 5
	}
}
