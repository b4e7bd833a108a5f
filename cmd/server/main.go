// Package main 是应用程序的入口点。
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"docqa-go/internal/chunking"
	"docqa-go/internal/config"
	"docqa-go/internal/handler"
	"docqa-go/internal/pipeline"
	"docqa-go/internal/repository"
	"docqa-go/internal/service"
	"docqa-go/internal/vectorstore"
	"docqa-go/pkg/database"
	"docqa-go/pkg/embedding"
	"docqa-go/pkg/es"
	"docqa-go/pkg/kafka"
	"docqa-go/pkg/llm"
	"docqa-go/pkg/log"
	"docqa-go/pkg/ocr"
	"docqa-go/pkg/storage"
	"docqa-go/pkg/tasks"
	"docqa-go/pkg/tika"
	"docqa-go/pkg/token"
	"docqa-go/pkg/workerpool"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "配置文件路径")
	flag.Parse()

	// 1. 初始化配置
	config.Init(*configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync()
	log.Info("日志记录器初始化成功")

	// 3. 初始化存储层
	repos := buildRepositories(cfg)
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	store := buildObjectStore(cfg)
	vectors := buildVectorStore(cfg)

	// 4. 初始化外部客户端
	embedder := embedding.NewGenerator(embedding.NewClient(cfg.Embedding), embedding.OptionsFromConfig(cfg.Embedding))
	llmClient := llm.NewClient(cfg.LLM)
	engine, localEngine := buildEngine(cfg, store)

	chunker, err := chunking.New(chunking.Method(cfg.Chunking.Method), chunking.Options{
		ChunkSize:    cfg.Chunking.ChunkSize,
		ChunkOverlap: cfg.Chunking.ChunkOverlap,
		MinChunkSize: cfg.Chunking.MinChunkSize,
	})
	if err != nil {
		log.Fatal("切块配置无效", err)
	}

	// 5. 处理管道：上传后的提交走 worker 池，OCR 之后的处理只由 Runner 执行
	pool := workerpool.New(cfg.Pipeline.Workers, cfg.Pipeline.QueueSize)
	processor := pipeline.NewProcessor(repos, engine, chunker, embedder, vectors, pipeline.NewSummarizer(cfg.Summary, llmClient))
	runner := pipeline.NewRunner(processor, repos, cfg.Pipeline.MaxAttempts, cfg.Pipeline.BaseDelay)

	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	defer stopConsumer()
	var queue tasks.Queue
	var producer *kafka.Producer
	consumerDone := make(chan struct{})
	if cfg.Kafka.Brokers != "" {
		producer = kafka.NewProducer(cfg.Kafka)
		queue = producer
		consumer := kafka.NewConsumer(cfg.Kafka, database.RDB, cfg.Pipeline.MaxAttempts)
		go func() {
			defer close(consumerDone)
			consumer.Run(consumerCtx, runner)
		}()
	} else {
		log.Info("[Main] 未配置 Kafka，后处理任务在进程内 worker 池执行")
		queue = pipeline.NewInlineQueue(pool, runner)
		close(consumerDone)
	}
	orch := pipeline.NewOrchestrator(repos, engine, pool, queue)

	// 6. 初始化 Service
	sessions := service.NewSessionManager(repos.Turns,
		repository.NewSessionCache(database.RDB, cfg.Chat.HistoryLimit, cfg.Chat.CacheTTL), cfg.Chat.HistoryLimit)
	documentService := service.NewDocumentService(repos, store, orch, cfg.MinIO.SignedURLTTL)
	chatService := service.NewChatService(repos, embedder, vectors, llmClient, sessions, service.ChatOptionsFromConfig(cfg))
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours)

	// 7. 路由
	gin.SetMode(cfg.Server.Mode)
	r := handler.NewRouter(handler.RouterDeps{
		Documents:      handler.NewDocumentHandler(documentService, cfg.Server.MaxUploadMB),
		Chat:           handler.NewChatHandler(chatService, sessions, jwtManager),
		JWTManager:     jwtManager,
		MetricsEnabled: cfg.Server.MetricsEnable,
	})

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}
	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}
	stopConsumer()
	<-consumerDone
	if err := pool.Shutdown(ctx); err != nil {
		log.Errorf("worker 池未能在超时内结束: %v", err)
	}
	if producer != nil {
		if err := producer.Close(); err != nil {
			log.Errorf("关闭 Kafka 生产者失败: %v", err)
		}
	}
	if localEngine != nil {
		localEngine.Wait()
	}
	log.Info("服务已优雅关闭")
}

func buildRepositories(cfg config.Config) repository.Repositories {
	if cfg.Database.Driver == "memory" {
		log.Warnf("[Main] 使用内存存储，重启后数据丢失")
		return repository.NewMemoryRepositories()
	}
	database.InitMySQL(cfg.Database.MySQL.DSN)
	if err := database.AutoMigrate(database.DB); err != nil {
		log.Fatal("数据库迁移失败", err)
	}
	return repository.NewGormRepositories(database.DB)
}

func buildObjectStore(cfg config.Config) storage.ObjectStore {
	if cfg.MinIO.Endpoint == "" {
		log.Warnf("[Main] 未配置 MinIO，使用内存对象存储")
		return storage.NewMemoryStore()
	}
	storage.InitMinIO(cfg.MinIO)
	return storage.NewMinioStore(storage.MinioClient, cfg.MinIO.BucketName)
}

func buildVectorStore(cfg config.Config) vectorstore.Store {
	if cfg.VectorStore.Provider == "memory" {
		return vectorstore.NewMemory()
	}
	if err := es.InitES(cfg.Elasticsearch, cfg.Embedding.Dimensions); err != nil {
		log.Fatal("Elasticsearch 初始化失败", err)
	}
	return es.NewVectorStore(es.ESClient, cfg.Elasticsearch.IndexName)
}

// buildEngine 返回 OCR 引擎；本地引擎额外返回，用于停机时等待未完成的提取。
func buildEngine(cfg config.Config, store storage.ObjectStore) (ocr.Engine, *ocr.LocalEngine) {
	if cfg.OCR.Provider == "remote" {
		return ocr.NewRemoteEngine(cfg.OCR, store), nil
	}
	var extractor ocr.TextExtractor
	if cfg.Tika.ServerURL != "" {
		extractor = tika.NewClient(cfg.Tika)
	}
	local := ocr.NewLocalEngine(store, extractor)
	return local, local
}
