// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"

	"docqa-go/internal/config"
	"docqa-go/pkg/log"
	"docqa-go/pkg/tasks"
)

// Producer 把后处理任务写入 Kafka，实现 tasks.Queue。
type Producer struct {
	writer *kafka.Writer
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:     kafka.TCP(brokers(cfg)...),
		Topic:    cfg.Topic,
		Balancer: &kafka.Hash{},
	}
	log.Info("Kafka 生产者初始化成功")
	return &Producer{writer: w}
}

// Enqueue 发送一个后处理任务，以文档 ID 为 key，保证同一文档的任务进入同一分区。
func (p *Producer) Enqueue(ctx context.Context, task tasks.PostProcessTask) error {
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.DocumentID),
		Value: taskBytes,
	})
}

// Close 关闭生产者。
func (p *Producer) Close() error {
	return p.writer.Close()
}

func brokers(cfg config.KafkaConfig) []string {
	var out []string
	for _, b := range strings.Split(cfg.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// Consumer 从 Kafka 读取后处理任务并交给 Handler。
// Reader 会继续拉取后续 offset，不提交并不会让当前消息在本次会话内重投，
// 所以 Handler 失败时原地重试，最多 maxAttempts 次后提交 offset。
// 配置 Redis 时失败次数跨进程累计，重启后重新拉取的消息不会无限重试。
type Consumer struct {
	reader      *kafka.Reader
	rdb         *redis.Client
	maxAttempts int64
	retryDelay  time.Duration
}

// NewConsumer 创建消费者。rdb 为 nil 时只在进程内计数。
func NewConsumer(cfg config.KafkaConfig, rdb *redis.Client, maxAttempts int) *Consumer {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers(cfg),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	return &Consumer{reader: r, rdb: rdb, maxAttempts: int64(maxAttempts), retryDelay: time.Second}
}

// Run 阻塞消费直到 ctx 结束。
func (c *Consumer) Run(ctx context.Context, handler tasks.Handler) {
	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", c.reader.Config().Topic)
	defer func() {
		if err := c.reader.Close(); err != nil {
			log.Errorf("关闭 Kafka 消费者失败: %v", err)
		}
	}()

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				log.Info("Kafka 消费者已停止")
				return
			}
			log.Error("从 Kafka 读取消息失败", err)
			return
		}

		log.Infof("收到 Kafka 消息: offset %d", m.Offset)

		var task tasks.PostProcessTask
		if err := json.Unmarshal(m.Value, &task); err != nil {
			log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
			// 消息格式错误，直接提交，避免阻塞队列
			c.commit(ctx, m)
			continue
		}

		if err := c.process(ctx, handler, task); err != nil {
			if ctx.Err() != nil {
				// 退出时不提交，重启后重新消费
				log.Info("Kafka 消费者已停止")
				return
			}
			log.Errorf("后处理任务多次失败(>=%d)，提交 offset 终止重试: doc=%s", c.maxAttempts, task.DocumentID)
		} else {
			log.Infof("后处理任务处理成功: doc=%s, job=%s", task.DocumentID, task.JobID)
		}
		c.commit(ctx, m)
	}
}

// process 执行 Handler，失败时在原地重试直到成功、次数用尽或 ctx 结束。
func (c *Consumer) process(ctx context.Context, handler tasks.Handler, task tasks.PostProcessTask) error {
	for attempt := int64(1); ; attempt++ {
		err := handler.Handle(ctx, task)
		if err == nil {
			if c.rdb != nil {
				_ = c.rdb.Del(ctx, attemptsKey(task)).Err()
			}
			return nil
		}
		log.Errorf("处理后处理任务失败: doc=%s, job=%s, attempt=%d, error: %v", task.DocumentID, task.JobID, attempt, err)
		if attempt >= c.maxAttempts || !c.shouldRetry(ctx, task) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(c.retryDelay):
		}
	}
}

func attemptsKey(task tasks.PostProcessTask) string {
	return fmt.Sprintf("kafka:attempts:%s", task.JobID)
}

// shouldRetry 在 Redis 中记录一次失败，判断跨进程累计次数是否还允许重试。
// 未配置 Redis 或 Redis 异常时只受进程内次数限制。
func (c *Consumer) shouldRetry(ctx context.Context, task tasks.PostProcessTask) bool {
	if c.rdb == nil {
		return true
	}
	key := attemptsKey(task)
	attempts, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return true
	}
	_ = c.rdb.Expire(ctx, key, 24*time.Hour).Err()
	return attempts < c.maxAttempts
}

func (c *Consumer) commit(ctx context.Context, m kafka.Message) {
	if err := c.reader.CommitMessages(ctx, m); err != nil {
		log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
	}
}
