// Package ocr 定义外部 OCR/版面解析引擎的契约，并提供远程异步批处理与本地提取两种实现。
//
// 两种实现都把识别结果以 JSON 分片写入对象存储的输出前缀下：
//
//	{"pages":[{"page":1,"text":"...","heading":""}]}
//
// FetchResults 按分片名、页码顺序读回。
package ocr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"docqa-go/pkg/storage"
)

// Page 是识别出的一页文本。
type Page struct {
	Page    int    `json:"page"`
	Text    string `json:"text"`
	Heading string `json:"heading,omitempty"`
}

// SubmitRequest 描述一次批处理提交。
type SubmitRequest struct {
	// InputPath 是原始文件在对象存储中的路径。
	InputPath string
	FileName  string
	MimeType  string
	// OutputPrefix 是识别结果分片的写入前缀。
	OutputPrefix string
}

// OperationStatus 是异步操作的当前状态。Done 为 true 且 Error 非空表示失败。
type OperationStatus struct {
	Done  bool
	Error string
}

// ErrUnknownOperation 表示引擎已不认识该句柄，例如本地引擎重启后或远程服务返回 404。
// 操作不会再完成，调用方应把任务记为失败。
var ErrUnknownOperation = errors.New("unknown ocr operation")

// Engine 是 OCR 引擎的统一接口。
type Engine interface {
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	Status(ctx context.Context, handle string) (OperationStatus, error)
	FetchResults(ctx context.Context, outputPrefix string) ([]Page, error)
}

type shard struct {
	Pages []Page `json:"pages"`
}

// EncodeShard 序列化一个结果分片。
func EncodeShard(pages []Page) ([]byte, error) {
	return json.Marshal(shard{Pages: pages})
}

// readShards 读取前缀下所有 .json 分片，按分片名和页码排序后返回。
func readShards(ctx context.Context, store storage.ObjectStore, prefix string) ([]Page, error) {
	keys, err := store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list ocr output: %w", err)
	}
	var pages []Page
	for _, key := range keys {
		if !strings.HasSuffix(key, ".json") {
			continue
		}
		data, err := store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("read ocr shard %s: %w", key, err)
		}
		var s shard
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("decode ocr shard %s: %w", key, err)
		}
		sort.SliceStable(s.Pages, func(i, j int) bool { return s.Pages[i].Page < s.Pages[j].Page })
		pages = append(pages, s.Pages...)
	}
	return pages, nil
}
