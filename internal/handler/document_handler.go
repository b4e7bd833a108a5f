package handler

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"

	"docqa-go/internal/middleware"
	"docqa-go/internal/model"
	"docqa-go/internal/service"
	"docqa-go/pkg/log"
)

// DocumentHandler 负责上传、状态查询、列表和下载链接。
type DocumentHandler struct {
	docService     service.DocumentService
	maxUploadBytes int64
}

// NewDocumentHandler 创建一个新的 DocumentHandler 实例。maxUploadMB <= 0 时使用 50MB。
func NewDocumentHandler(docService service.DocumentService, maxUploadMB int64) *DocumentHandler {
	if maxUploadMB <= 0 {
		maxUploadMB = 50
	}
	return &DocumentHandler{docService: docService, maxUploadBytes: maxUploadMB << 20}
}

// Upload 接收一个或多个文件（表单字段 file / files）和可选的 folder，立即返回创建的文档。
func (h *DocumentHandler) Upload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)
	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"code": http.StatusRequestEntityTooLarge, "message": "文件过大"})
			return
		}
		badRequest(c, "无效的上传表单")
		return
	}
	files := append(form.File["file"], form.File["files"]...)
	if len(files) == 0 {
		badRequest(c, "缺少上传文件")
		return
	}
	folder := c.PostForm("folder")
	userID := middleware.UserID(c)

	docs := make([]*model.Document, 0, len(files))
	for _, fh := range files {
		data, err := readFormFile(fh)
		if err != nil {
			badRequest(c, "读取上传文件失败")
			return
		}
		doc, err := h.docService.Upload(c.Request.Context(), service.UploadRequest{
			UserID:   userID,
			FileName: fh.Filename,
			MimeType: fh.Header.Get("Content-Type"),
			Folder:   folder,
			Data:     data,
		})
		if err != nil {
			fail(c, "Upload", err)
			return
		}
		docs = append(docs, doc)
	}
	log.Infof("[DocumentHandler] 用户 %d 上传了 %d 个文件", userID, len(docs))
	success(c, "上传成功，文档处理中", docs)
}

func readFormFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// List 返回当前用户的文档，可按 folder 过滤。
func (h *DocumentHandler) List(c *gin.Context) {
	docs, err := h.docService.List(c.Request.Context(), middleware.UserID(c), c.Query("folder"))
	if err != nil {
		fail(c, "List", err)
		return
	}
	success(c, "获取文档列表成功", docs)
}

// Status 返回文档的最新处理状态；必要时推进 OCR 之后的流程。
func (h *DocumentHandler) Status(c *gin.Context) {
	report, err := h.docService.Status(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		fail(c, "Status", err)
		return
	}
	success(c, "获取文档状态成功", report)
}

// FolderStatus 返回文件夹内各状态的文档数与完成百分比。
func (h *DocumentHandler) FolderStatus(c *gin.Context) {
	fs, err := h.docService.FolderStatus(c.Request.Context(), middleware.UserID(c), c.Param("folder"))
	if err != nil {
		fail(c, "FolderStatus", err)
		return
	}
	success(c, "获取文件夹状态成功", fs)
}

// Download 生成原始文件的临时下载链接。
func (h *DocumentHandler) Download(c *gin.Context) {
	info, err := h.docService.DownloadURL(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		fail(c, "Download", err)
		return
	}
	success(c, "文件下载链接生成成功", info)
}
