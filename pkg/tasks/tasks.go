// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

import "context"

// PostProcessTask 表示 OCR 完成后的后处理任务：切块、生成向量、入库、摘要。
// 识别结果本身不放进消息，处理方按 OutputPrefix 重新读取。
type PostProcessTask struct {
	DocumentID   string `json:"document_id"`
	JobID        string `json:"job_id"`
	OutputPrefix string `json:"output_prefix"`
}

// Queue 投递后处理任务。Kafka 生产者和进程内队列都实现该接口。
type Queue interface {
	Enqueue(ctx context.Context, task PostProcessTask) error
}

// Handler 处理一个后处理任务。
type Handler interface {
	Handle(ctx context.Context, task PostProcessTask) error
}

// HandlerFunc 把普通函数适配为 Handler。
type HandlerFunc func(ctx context.Context, task PostProcessTask) error

func (f HandlerFunc) Handle(ctx context.Context, task PostProcessTask) error {
	return f(ctx, task)
}
