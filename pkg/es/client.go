// Package es 提供了与 Elasticsearch 交互的客户端功能，用作单元向量的存储与近邻检索。
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"docqa-go/internal/config"
	"docqa-go/internal/model"
	"docqa-go/pkg/log"
)

var ESClient *elasticsearch.Client

// InitES 初始化 Elasticsearch 客户端，并确保向量索引存在。
func InitES(esCfg config.ElasticsearchConfig, dims int) error {
	cfg := elasticsearch.Config{
		Addresses: strings.Split(esCfg.Addresses, ","),
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	client, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return err
	}
	ESClient = client
	return NewVectorStore(client, esCfg.IndexName).EnsureIndex(context.Background(), dims)
}

// VectorStore 把每个内容单元的向量存为一个 ES 文档，文档 _id 即单元 ID（重复写入即覆盖）。
type VectorStore struct {
	client *elasticsearch.Client
	index  string
}

// NewVectorStore 创建 VectorStore。
func NewVectorStore(client *elasticsearch.Client, index string) *VectorStore {
	return &VectorStore{client: client, index: index}
}

// indexMapping 返回索引结构，向量使用 cosine 相似度。
func indexMapping(dims int) string {
	return fmt.Sprintf(`{
		"mappings": {
			"properties": {
				"unit_id": { "type": "long" },
				"document_id": { "type": "keyword" },
				"chunk_index": { "type": "integer" },
				"text_content": { "type": "text" },
				"vector": {
					"type": "dense_vector",
					"dims": %d,
					"index": true,
					"similarity": "cosine"
				},
				"model_version": { "type": "keyword" },
				"user_id": { "type": "long" },
				"folder": { "type": "keyword" },
				"page_start": { "type": "integer" },
				"page_end": { "type": "integer" },
				"heading": { "type": "keyword" }
			}
		}
	}`, dims)
}

// EnsureIndex 检查索引是否存在，如果不存在则创建它
func (s *VectorStore) EnsureIndex(ctx context.Context, dims int) error {
	res, err := s.client.Indices.Exists([]string{s.index}, s.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		log.Errorf("检查索引是否存在时出错: %v", err)
		return err
	}
	res.Body.Close()
	// 如果 res.StatusCode 是 200，说明索引已存在
	if !res.IsError() && res.StatusCode == http.StatusOK {
		log.Infof("索引 '%s' 已存在", s.index)
		return nil
	}
	// 如果 res.StatusCode 是 404，说明索引不存在，需要创建
	if res.StatusCode != http.StatusNotFound {
		log.Errorf("检查索引 '%s' 是否存在时收到意外的状态码: %d", s.index, res.StatusCode)
		return fmt.Errorf("检查索引是否存在时收到意外的状态码: %d", res.StatusCode)
	}

	res, err = s.client.Indices.Create(
		s.index,
		s.client.Indices.Create.WithBody(strings.NewReader(indexMapping(dims))),
		s.client.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		log.Errorf("创建索引 '%s' 失败: %v", s.index, err)
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		log.Errorf("创建索引 '%s' 时 Elasticsearch 返回错误: %s", s.index, res.String())
		return errors.New("创建索引时 Elasticsearch 返回错误")
	}

	log.Infof("索引 '%s' 创建成功", s.index)
	return nil
}

// Upsert 用 bulk 接口批量写入向量。
func (s *VectorStore) Upsert(ctx context.Context, records []model.VectorRecord) error {
	if len(records) == 0 {
		return nil
	}
	body, err := bulkBody(s.index, records)
	if err != nil {
		return err
	}

	req := esapi.BulkRequest{
		Body:    bytes.NewReader(body),
		Refresh: "true",
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return fmt.Errorf("bulk index: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		log.Errorf("批量写入向量到 Elasticsearch 出错: %s", res.String())
		return errors.New("failed to index vectors")
	}

	var result struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			ID    string          `json:"_id"`
			Error json.RawMessage `json:"error,omitempty"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode bulk response: %w", err)
	}
	if result.Errors {
		for _, item := range result.Items {
			for _, v := range item {
				if len(v.Error) > 0 {
					return fmt.Errorf("bulk index unit %s: %s", v.ID, string(v.Error))
				}
			}
		}
		return errors.New("bulk index reported errors")
	}
	return nil
}

func bulkBody(index string, records []model.VectorRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		meta := map[string]map[string]string{
			"index": {"_index": index, "_id": strconv.FormatUint(uint64(r.UnitID), 10)},
		}
		if err := enc.Encode(meta); err != nil {
			return nil, err
		}
		if err := enc.Encode(r); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// searchQuery 构造精确 cosine 打分的查询：script_score 的分值为 cosine+1，
// 同分时按 unit_id 升序（即写入顺序）排列。
func searchQuery(vector []float32, k int, documentIDs []string) map[string]any {
	var filter map[string]any
	if len(documentIDs) > 0 {
		filter = map[string]any{"bool": map[string]any{
			"filter": []any{map[string]any{"terms": map[string]any{"document_id": documentIDs}}},
		}}
	} else {
		filter = map[string]any{"match_all": map[string]any{}}
	}
	return map[string]any{
		"size": k,
		"query": map[string]any{
			"script_score": map[string]any{
				"query": filter,
				"script": map[string]any{
					"source": "cosineSimilarity(params.query_vector, 'vector') + 1.0",
					"params": map[string]any{"query_vector": vector},
				},
			},
		},
		"sort": []any{
			map[string]any{"_score": "desc"},
			map[string]any{"unit_id": "asc"},
		},
		"_source": map[string]any{"excludes": []string{"vector"}},
	}
}

// Search 返回与 vector 最相似的 k 个单元，可限定在给定文档范围内。
func (s *VectorStore) Search(ctx context.Context, vector []float32, k int, documentIDs []string) ([]model.VectorMatch, error) {
	if k <= 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(searchQuery(vector, k, documentIDs)); err != nil {
		return nil, fmt.Errorf("failed to encode search query: %w", err)
	}

	res, err := s.client.Search(
		s.client.Search.WithContext(ctx),
		s.client.Search.WithIndex(s.index),
		s.client.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		log.Errorf("[VectorStore] Elasticsearch 查询返回错误: %s", res.String())
		return nil, fmt.Errorf("search request returned error: %s", res.Status())
	}

	var esResponse struct {
		Hits struct {
			Hits []struct {
				Score  float64            `json:"_score"`
				Source model.VectorRecord `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&esResponse); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	matches := make([]model.VectorMatch, 0, len(esResponse.Hits.Hits))
	for _, hit := range esResponse.Hits.Hits {
		src := hit.Source
		matches = append(matches, model.VectorMatch{
			UnitID:      src.UnitID,
			DocumentID:  src.DocumentID,
			ChunkIndex:  src.ChunkIndex,
			TextContent: src.TextContent,
			PageStart:   src.PageStart,
			Heading:     src.Heading,
			Score:       hit.Score - 1.0,
		})
	}
	return matches, nil
}

// DeleteByDocument 删除一个文档的全部向量，文档重新处理前调用。
func (s *VectorStore) DeleteByDocument(ctx context.Context, documentID string) error {
	query := fmt.Sprintf(`{"query":{"term":{"document_id":%q}}}`, documentID)
	res, err := s.client.DeleteByQuery(
		[]string{s.index},
		strings.NewReader(query),
		s.client.DeleteByQuery.WithContext(ctx),
		s.client.DeleteByQuery.WithRefresh(true),
	)
	if err != nil {
		return fmt.Errorf("delete by query: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() && res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("delete by query returned error: %s", res.Status())
	}
	return nil
}
