package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/cache"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/domain"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/filetype"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/storage"
)

func contextWithTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

// FileResolver finds the message that owns an uploaded file.
type FileResolver interface {
	FindByFileName(ctx context.Context, filename string) (*domain.Message, error)
}

// FileHandlers serves the upload handshake and download/view URL lookups.
type FileHandlers struct {
	objects  storage.ObjectStore
	messages FileResolver
	rooms    *cache.RoomCache
	log      *logrus.Logger
}

// NewFileHandlers wires the file endpoints.
func NewFileHandlers(objects storage.ObjectStore, messages FileResolver, rooms *cache.RoomCache, log *logrus.Logger) *FileHandlers {
	return &FileHandlers{objects: objects, messages: messages, rooms: rooms, log: log}
}

type presignRequest struct {
	Filename string `json:"filename" binding:"required"`
	MimeType string `json:"mimetype" binding:"required"`
	Size     int64  `json:"size" binding:"required"`
}

func (h *FileHandlers) objectStoreReady(c *gin.Context) bool {
	if h.objects == nil {
		abortError(c, http.StatusServiceUnavailable, "파일 저장소가 설정되지 않았습니다.", "STORAGE_UNAVAILABLE")
		return false
	}
	return true
}

// PresignUpload handles POST /api/files/presigned-url: registry validation
// first, then an upload URL from the object store.
func (h *FileHandlers) PresignUpload(c *gin.Context) {
	if !h.objectStoreReady(c) {
		return
	}
	var req presignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, "파일 정보가 올바르지 않습니다.", "INVALID_FILE")
		return
	}

	entry, err := filetype.Validate(req.MimeType, req.Size)
	if err != nil {
		abortError(c, http.StatusBadRequest, err.Error(), "FILE_REJECTED")
		return
	}

	url, key, err := h.objects.PresignUpload(req.Filename, req.MimeType)
	if err != nil {
		h.log.WithError(err).Warn("presigned upload url failed")
		abortError(c, http.StatusInternalServerError, "업로드 URL 생성에 실패했습니다.", "PRESIGN_FAILED")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"url":      url,
		"s3Key":    key,
		"s3Bucket": h.objects.Bucket(),
		"category": entry.Category,
		"subtype":  entry.Subtype,
	})
}

type uploadCompleteRequest struct {
	S3Key        string `json:"s3Key" binding:"required"`
	Filename     string `json:"filename" binding:"required"`
	OriginalName string `json:"originalname" binding:"required"`
	MimeType     string `json:"mimetype" binding:"required"`
	Size         int64  `json:"size" binding:"required"`
}

// UploadComplete handles POST /api/files/upload-complete: verifies the
// object landed with the announced size and type, then returns the message
// file descriptor.
func (h *FileHandlers) UploadComplete(c *gin.Context) {
	if !h.objectStoreReady(c) {
		return
	}
	var req uploadCompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, "파일 정보가 올바르지 않습니다.", "INVALID_FILE")
		return
	}

	entry, ok := filetype.Lookup(req.MimeType)
	if !ok {
		abortError(c, http.StatusBadRequest, filetype.ErrUnsupportedType.Error(), "FILE_REJECTED")
		return
	}

	if err := h.objects.Verify(c.Request.Context(), req.S3Key, req.Size, req.MimeType); err != nil {
		h.log.WithError(err).WithField("s3Key", req.S3Key).Warn("upload verification failed")
		abortError(c, http.StatusBadRequest, "업로드된 파일을 확인할 수 없습니다.", "VERIFY_FAILED")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"file": domain.FileMeta{
			Filename:     req.Filename,
			OriginalName: req.OriginalName,
			MimeType:     req.MimeType,
			Size:         req.Size,
			S3Key:        req.S3Key,
			S3Bucket:     h.objects.Bucket(),
			S3URL:        h.objects.ObjectURL(req.S3Key),
			UploadedAt:   domain.NowMillis(),
		},
		"category": entry.Category,
		"subtype":  entry.Subtype,
	})
}

// lookupOwnedFile resolves the message owning filename and checks the caller
// participates in its room.
func (h *FileHandlers) lookupOwnedFile(c *gin.Context, filename string) *domain.Message {
	msg, err := h.messages.FindByFileName(c.Request.Context(), filename)
	if err != nil || msg.File == nil {
		abortError(c, http.StatusNotFound, "파일을 찾을 수 없습니다.", "FILE_NOT_FOUND")
		return nil
	}
	room, err := h.rooms.GetRoom(c.Request.Context(), msg.Room)
	if err != nil || !room.HasParticipant(userID(c)) {
		abortError(c, http.StatusForbidden, "채팅방에 참여하지 않았습니다.", "NOT_A_PARTICIPANT")
		return nil
	}
	return msg
}

// Download handles GET /api/files/s3-url/download/:filename.
func (h *FileHandlers) Download(c *gin.Context) {
	if !h.objectStoreReady(c) {
		return
	}
	msg := h.lookupOwnedFile(c, c.Param("filename"))
	if msg == nil {
		return
	}
	url, err := h.objects.PresignDownload(msg.File.S3Key, msg.File.OriginalName)
	if err != nil {
		abortError(c, http.StatusInternalServerError, "다운로드 URL 생성에 실패했습니다.", "PRESIGN_FAILED")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "url": url})
}

// View handles GET /api/files/s3-url/view/:filename; previews use the
// stored object URL directly.
func (h *FileHandlers) View(c *gin.Context) {
	msg := h.lookupOwnedFile(c, c.Param("filename"))
	if msg == nil {
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "url": msg.File.S3URL})
}
