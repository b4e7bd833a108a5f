// Package vectorstore 定义单元向量存储的接口，并提供一个进程内实现。
// 生产环境使用 pkg/es.VectorStore。
package vectorstore

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"

	"docqa-go/internal/model"
)

// Store 持久化每个内容单元的向量（按 UnitID upsert），并回答按 cosine 排序的 k 近邻查询。
type Store interface {
	Upsert(ctx context.Context, records []model.VectorRecord) error
	// Search 返回最相似的 k 个单元；documentIDs 非空时只在这些文档内检索。
	Search(ctx context.Context, vector []float32, k int, documentIDs []string) ([]model.VectorMatch, error)
	DeleteByDocument(ctx context.Context, documentID string) error
}

// ErrDimensionMismatch 表示向量维度与已写入的不一致。
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

type entry struct {
	record model.VectorRecord
	seq    uint64
}

// Memory 是进程内的 Store。相似度相同的结果按首次写入顺序排列。
type Memory struct {
	mu      sync.RWMutex
	entries map[uint]*entry
	dims    int
	nextSeq uint64
}

// NewMemory creates an empty in-memory vector store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[uint]*entry)}
}

func (m *Memory) Upsert(_ context.Context, records []model.VectorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		if m.dims == 0 {
			m.dims = len(r.Vector)
		}
		if len(r.Vector) != m.dims {
			return ErrDimensionMismatch
		}
		rec := r
		rec.Vector = append([]float32(nil), r.Vector...)
		if e, ok := m.entries[r.UnitID]; ok {
			// 覆盖向量但保留原始写入顺序
			e.record = rec
			continue
		}
		m.nextSeq++
		m.entries[r.UnitID] = &entry{record: rec, seq: m.nextSeq}
	}
	return nil
}

func (m *Memory) Search(_ context.Context, vector []float32, k int, documentIDs []string) ([]model.VectorMatch, error) {
	if k <= 0 {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.dims != 0 && len(vector) != m.dims {
		return nil, ErrDimensionMismatch
	}

	allowed := map[string]struct{}{}
	for _, id := range documentIDs {
		allowed[id] = struct{}{}
	}

	type scored struct {
		e     *entry
		score float64
	}
	var hits []scored
	for _, e := range m.entries {
		if len(allowed) > 0 {
			if _, ok := allowed[e.record.DocumentID]; !ok {
				continue
			}
		}
		hits = append(hits, scored{e: e, score: Cosine(vector, e.record.Vector)})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].e.seq < hits[j].e.seq
	})
	if len(hits) > k {
		hits = hits[:k]
	}

	out := make([]model.VectorMatch, 0, len(hits))
	for _, h := range hits {
		r := h.e.record
		out = append(out, model.VectorMatch{
			UnitID:      r.UnitID,
			DocumentID:  r.DocumentID,
			ChunkIndex:  r.ChunkIndex,
			TextContent: r.TextContent,
			PageStart:   r.PageStart,
			Heading:     r.Heading,
			Score:       h.score,
		})
	}
	return out, nil
}

func (m *Memory) DeleteByDocument(_ context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.entries {
		if e.record.DocumentID == documentID {
			delete(m.entries, id)
		}
	}
	return nil
}

// Len 返回已存储的向量数。
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Cosine 计算两个向量的余弦相似度，任一向量为零向量时返回 0。
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
