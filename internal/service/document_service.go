package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"docqa-go/internal/model"
	"docqa-go/internal/pipeline"
	"docqa-go/internal/repository"
	"docqa-go/pkg/log"
	"docqa-go/pkg/storage"
	"docqa-go/pkg/tika"
	"docqa-go/pkg/workerpool"
)

// UploadRequest 是一次上传的输入。
type UploadRequest struct {
	UserID   uint
	FileName string
	MimeType string
	Folder   string
	Data     []byte
}

// DownloadInfoDTO 封装了文件下载链接所需的信息。
type DownloadInfoDTO struct {
	FileName    string `json:"fileName"`
	DownloadURL string `json:"downloadUrl"`
	FileSize    int64  `json:"fileSize"`
	ExpiresAt   int64  `json:"expiresAt"`
}

// DocumentService 接口定义了文档上传、状态查询和下载相关的业务操作。
type DocumentService interface {
	Upload(ctx context.Context, req UploadRequest) (*model.Document, error)
	Status(ctx context.Context, userID uint, documentID string) (*model.StatusReport, error)
	FolderStatus(ctx context.Context, userID uint, folder string) (*model.FolderStatus, error)
	List(ctx context.Context, userID uint, folder string) ([]model.Document, error)
	DownloadURL(ctx context.Context, userID uint, documentID string) (*DownloadInfoDTO, error)
}

type documentService struct {
	repos     repository.Repositories
	store     storage.ObjectStore
	orch      *pipeline.Orchestrator
	signedTTL time.Duration
}

// NewDocumentService 创建一个新的 DocumentService 实例。
func NewDocumentService(repos repository.Repositories, store storage.ObjectStore, orch *pipeline.Orchestrator, signedTTL time.Duration) DocumentService {
	if signedTTL <= 0 {
		signedTTL = time.Hour
	}
	return &documentService{repos: repos, store: store, orch: orch, signedTTL: signedTTL}
}

// Upload 保存原始文件、创建文档并启动处理，不等待 OCR。
func (s *documentService) Upload(ctx context.Context, req UploadRequest) (*model.Document, error) {
	name := strings.TrimSpace(req.FileName)
	if name == "" {
		return nil, invalidf("file name is required")
	}
	if len(req.Data) == 0 {
		return nil, invalidf("file is empty")
	}
	mimeType := req.MimeType
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = tika.DetectMimeType(name)
	}

	doc := &model.Document{
		ID:       uuid.NewString(),
		UserID:   req.UserID,
		FileName: name,
		MimeType: mimeType,
		Size:     int64(len(req.Data)),
		Status:   model.StatusQueued,
	}
	if folder := strings.TrimSpace(req.Folder); folder != "" {
		doc.Folder = &folder
	}
	doc.StoragePath = pipeline.UploadPath(doc.ID, name)

	// 先落对象存储，避免留下没有原件的文档
	if err := s.store.Put(ctx, doc.StoragePath, req.Data, mimeType); err != nil {
		return nil, fmt.Errorf("保存原始文件失败: %w", err)
	}
	if err := s.repos.Documents.Create(ctx, doc); err != nil {
		return nil, fmt.Errorf("创建文档记录失败: %w", err)
	}
	log.Infof("[DocumentService] 文档已创建, doc=%s, name=%s, size=%d", doc.ID, doc.FileName, doc.Size)

	if _, err := s.orch.Start(ctx, doc); err != nil && !errors.Is(err, workerpool.ErrQueueFull) {
		return nil, err
	}
	return s.repos.Documents.FindByID(ctx, doc.ID)
}

func (s *documentService) Status(ctx context.Context, userID uint, documentID string) (*model.StatusReport, error) {
	if _, err := s.owned(ctx, userID, documentID); err != nil {
		return nil, err
	}
	return s.orch.Poll(ctx, documentID)
}

// FolderStatus 汇总文件夹内各状态的文档数；processed 与 error 都计为已完成。
func (s *documentService) FolderStatus(ctx context.Context, userID uint, folder string) (*model.FolderStatus, error) {
	folder = strings.TrimSpace(folder)
	if folder == "" {
		return nil, invalidf("folder is required")
	}
	docs, err := s.repos.Documents.ListByUser(ctx, userID, folder)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: folder %q", ErrNotFound, folder)
	}
	fs := &model.FolderStatus{Folder: folder, Total: len(docs), Counts: make(map[model.ProcessingStatus]int)}
	for _, st := range model.AllStatuses() {
		fs.Counts[st] = 0
	}
	for _, d := range docs {
		fs.Counts[d.Status]++
	}
	done := fs.Counts[model.StatusProcessed] + fs.Counts[model.StatusError]
	fs.PercentComplete = done * 100 / fs.Total
	return fs, nil
}

func (s *documentService) List(ctx context.Context, userID uint, folder string) ([]model.Document, error) {
	return s.repos.Documents.ListByUser(ctx, userID, strings.TrimSpace(folder))
}

func (s *documentService) DownloadURL(ctx context.Context, userID uint, documentID string) (*DownloadInfoDTO, error) {
	doc, err := s.owned(ctx, userID, documentID)
	if err != nil {
		return nil, err
	}
	url, err := s.store.SignedURL(ctx, doc.StoragePath, s.signedTTL)
	if err != nil {
		return nil, fmt.Errorf("生成下载链接失败: %w", err)
	}
	return &DownloadInfoDTO{
		FileName:    doc.FileName,
		DownloadURL: url,
		FileSize:    doc.Size,
		ExpiresAt:   time.Now().Add(s.signedTTL).UnixMilli(),
	}, nil
}

// owned 加载文档并校验归属。
func (s *documentService) owned(ctx context.Context, userID uint, documentID string) (*model.Document, error) {
	if strings.TrimSpace(documentID) == "" {
		return nil, invalidf("document_id is required")
	}
	doc, err := s.repos.Documents.FindByID(ctx, documentID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: document %s", ErrNotFound, documentID)
	}
	if err != nil {
		return nil, err
	}
	if doc.UserID != userID {
		return nil, ErrForbidden
	}
	return doc, nil
}
