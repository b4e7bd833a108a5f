package model

// StatusReport 是状态查询接口返回的数据结构。
type StatusReport struct {
	DocumentID string           `json:"document_id"`
	Status     ProcessingStatus `json:"status"`
	Progress   int              `json:"progress"`
	JobStatus  JobStatus        `json:"job_status,omitempty"`
	JobError   string           `json:"job_error,omitempty"`
	Chunks     []DocumentChunk  `json:"chunks,omitempty"`
	Summary    *string          `json:"summary,omitempty"`
}

// FolderStatus 汇总一个文件夹内各状态的文档数量。
type FolderStatus struct {
	Folder          string                   `json:"folder"`
	Total           int                      `json:"total"`
	Counts          map[ProcessingStatus]int `json:"counts"`
	PercentComplete int                      `json:"percent_complete"`
}

// Source 描述文件夹问答中引用的一条证据。
type Source struct {
	DocumentID string  `json:"document_id"`
	Document   string  `json:"document"`
	Content    string  `json:"content"`
	Page       int     `json:"page"`
	Score      float64 `json:"relevance_score"`
}

// ChatResponse 是单文档对话接口的返回值。
type ChatResponse struct {
	Answer    string         `json:"answer"`
	SessionID string         `json:"session_id"`
	History   []HistoryEntry `json:"history"`
}

// FolderQueryResponse 是文件夹问答接口的返回值。
type FolderQueryResponse struct {
	Answer            string   `json:"answer"`
	Sources           []Source `json:"sources"`
	SessionID         string   `json:"session_id"`
	DocumentsSearched int      `json:"documents_searched"`
	UnitsFound        int      `json:"units_found"`
}
