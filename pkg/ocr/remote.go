package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"docqa-go/internal/config"
	"docqa-go/pkg/log"
	"docqa-go/pkg/storage"
)

// RemoteEngine 调用外部异步批处理 OCR 服务：
// POST {base}/v1/batches 提交，GET {base}/v1/{name} 查询，结果由服务写入对象存储。
type RemoteEngine struct {
	baseURL string
	apiKey  string
	client  *http.Client
	store   storage.ObjectStore
}

// NewRemoteEngine 创建 RemoteEngine。
func NewRemoteEngine(cfg config.OCRConfig, store storage.ObjectStore) *RemoteEngine {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RemoteEngine{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
		store:   store,
	}
}

type submitBody struct {
	InputURI  string `json:"input_uri"`
	MimeType  string `json:"mime_type"`
	OutputURI string `json:"output_uri"`
}

type operation struct {
	Name  string `json:"name"`
	Done  bool   `json:"done"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (e *RemoteEngine) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	body, err := json.Marshal(submitBody{
		InputURI:  e.store.URI(req.InputPath),
		MimeType:  req.MimeType,
		OutputURI: e.store.URI(req.OutputPrefix),
	})
	if err != nil {
		return "", fmt.Errorf("marshal ocr submit: %w", err)
	}
	var op operation
	if err := e.call(ctx, http.MethodPost, "/v1/batches", body, &op); err != nil {
		return "", err
	}
	if op.Name == "" {
		return "", fmt.Errorf("ocr service returned empty operation name")
	}
	log.Infof("[OCR] 已提交批处理, input: %s, operation: %s", req.InputPath, op.Name)
	return op.Name, nil
}

func (e *RemoteEngine) Status(ctx context.Context, handle string) (OperationStatus, error) {
	var op operation
	if err := e.call(ctx, http.MethodGet, "/v1/"+strings.TrimLeft(handle, "/"), nil, &op); err != nil {
		return OperationStatus{}, err
	}
	st := OperationStatus{Done: op.Done}
	if op.Error != nil {
		st.Done = true
		st.Error = op.Error.Message
		if st.Error == "" {
			st.Error = "ocr operation failed"
		}
	}
	return st, nil
}

func (e *RemoteEngine) FetchResults(ctx context.Context, outputPrefix string) ([]Page, error) {
	return readShards(ctx, e.store, outputPrefix)
}

func (e *RemoteEngine) call(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create ocr request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("call ocr service: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		if resp.StatusCode == http.StatusNotFound && method == http.MethodGet {
			return fmt.Errorf("%w: %s", ErrUnknownOperation, string(msg))
		}
		return fmt.Errorf("ocr service returned %s: %s", resp.Status, string(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode ocr response: %w", err)
	}
	return nil
}
