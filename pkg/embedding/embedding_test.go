package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa-go/internal/config"
)

type fakeAPI struct {
	mu       sync.Mutex
	batches  [][]string
	failOn   int // 第几次调用返回 500，0 表示不失败
	reversed bool
}

func (f *fakeAPI) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req embeddingRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			return
		}

		f.mu.Lock()
		f.batches = append(f.batches, req.Input)
		call := len(f.batches)
		f.mu.Unlock()

		if f.failOn == call {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}

		type item struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		}
		items := make([]item, len(req.Input))
		for i, in := range req.Input {
			items[i] = item{Index: i, Embedding: []float32{float32(len(in)), float32(i)}}
		}
		if f.reversed {
			for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
				items[i], items[j] = items[j], items[i]
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": items})
	}
}

func newTestClient(url string) Client {
	return NewClient(config.EmbeddingConfig{APIKey: "test-key", BaseURL: url, Model: "test-model", Timeout: 5 * time.Second})
}

func TestClient_OrdersByIndex(t *testing.T) {
	api := &fakeAPI{reversed: true}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	vectors, err := newTestClient(srv.URL).CreateEmbeddings(context.Background(), []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	assert.Equal(t, []float32{1, 0}, vectors[0])
	assert.Equal(t, []float32{2, 1}, vectors[1])
	assert.Equal(t, []float32{3, 2}, vectors[2])
}

func TestClient_Non200(t *testing.T) {
	api := &fakeAPI{failOn: 1}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	_, err := newTestClient(srv.URL).CreateEmbeddings(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-200")
}

func TestGenerator_BatchesSequentiallyInOrder(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	g := NewGenerator(newTestClient(srv.URL), GeneratorOptions{BatchSize: 2, MaxInputChars: 100})
	texts := []string{"one", "two", "three", "four", "five"}
	vectors, err := g.EmbedAll(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vectors, len(texts))
	for i, txt := range texts {
		assert.Equal(t, float32(len(txt)), vectors[i][0])
	}
	require.Len(t, api.batches, 3)
	assert.Equal(t, []string{"one", "two"}, api.batches[0])
	assert.Equal(t, []string{"five"}, api.batches[2])
}

func TestGenerator_AllOrNothing(t *testing.T) {
	api := &fakeAPI{failOn: 2}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	g := NewGenerator(newTestClient(srv.URL), GeneratorOptions{BatchSize: 1})
	vectors, err := g.EmbedAll(context.Background(), []string{"a", "b", "c"})
	require.Error(t, err)
	assert.Nil(t, vectors)
	// 失败后不再继续后续批次
	assert.Len(t, api.batches, 2)
}

func TestGenerator_NormalizesAndTruncates(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	g := NewGenerator(newTestClient(srv.URL), GeneratorOptions{MaxInputChars: 5})
	_, err := g.EmbedAll(context.Background(), []string{"  hello \n\t world  "})
	require.NoError(t, err)
	assert.Equal(t, []string{"hello"}, api.batches[0])
}

func TestGenerator_EmbedOneUsesCache(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	g := NewGenerator(newTestClient(srv.URL), GeneratorOptions{CacheSize: 8, CacheTTL: time.Minute})
	first, err := g.EmbedOne(context.Background(), "what is the  termination clause")
	require.NoError(t, err)
	second, err := g.EmbedOne(context.Background(), "what is the termination clause")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, api.batches, 1)
	assert.Equal(t, "test-model", g.Model())
}

func TestGenerator_EmptyInput(t *testing.T) {
	g := NewGenerator(newTestClient("http://127.0.0.1:0"), GeneratorOptions{})
	vectors, err := g.EmbedAll(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vectors)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "a b c", Normalize(" a\n\nb\tc ", 0))
	assert.Equal(t, "合同", Normalize("合同条款", 2))
	assert.Equal(t, "", Normalize(strings.Repeat(" ", 5), 10))
}
