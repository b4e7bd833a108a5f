package model

// VectorRecord 是写入向量存储的一条记录，以 UnitID 作为唯一标识（upsert）。
type VectorRecord struct {
	UnitID       uint      `json:"unit_id"`
	DocumentID   string    `json:"document_id"`
	ChunkIndex   int       `json:"chunk_index"`
	TextContent  string    `json:"text_content"`
	Vector       []float32 `json:"vector"`
	ModelVersion string    `json:"model_version"`
	UserID       uint      `json:"user_id"`
	Folder       string    `json:"folder"`
	PageStart    int       `json:"page_start"`
	PageEnd      int       `json:"page_end"`
	Heading      string    `json:"heading"`
}

// VectorMatch 是一次最近邻查询的命中，Score 越大越相似。
type VectorMatch struct {
	UnitID      uint    `json:"unitId"`
	DocumentID  string  `json:"documentId"`
	ChunkIndex  int     `json:"chunkIndex"`
	TextContent string  `json:"textContent"`
	PageStart   int     `json:"pageStart"`
	Heading     string  `json:"heading,omitempty"`
	Score       float64 `json:"score"`
}
