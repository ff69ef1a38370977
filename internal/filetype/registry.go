// Package filetype is the static upload registry: which MIME types are
// accepted, their size limits and how they group into display categories.
package filetype

import (
	"errors"
	"fmt"
	"strings"
)

const (
	CategoryImage    = "image"
	CategoryVideo    = "video"
	CategoryAudio    = "audio"
	CategoryDocument = "document"
	CategoryArchive  = "archive"
)

// Localised category display names.
var categoryNames = map[string]string{
	CategoryImage:    "이미지",
	CategoryVideo:    "동영상",
	CategoryAudio:    "오디오",
	CategoryDocument: "문서",
	CategoryArchive:  "압축파일",
}

// User-facing validation failures.
var (
	ErrUnsupportedType = errors.New("지원하지 않는 파일 형식입니다.")
	ErrFileTooLarge    = errors.New("파일 크기가 제한을 초과했습니다.")
)

const (
	mb = int64(1 << 20)
)

// Entry describes one accepted MIME type.
type Entry struct {
	Extensions  []string
	MaxSize     int64
	Category    string
	Subtype     string
	Previewable bool
}

var registry = map[string]Entry{
	"image/jpeg":    {Extensions: []string{".jpg", ".jpeg"}, MaxSize: 10 * mb, Category: CategoryImage, Subtype: "jpeg", Previewable: true},
	"image/png":     {Extensions: []string{".png"}, MaxSize: 10 * mb, Category: CategoryImage, Subtype: "png", Previewable: true},
	"image/gif":     {Extensions: []string{".gif"}, MaxSize: 10 * mb, Category: CategoryImage, Subtype: "gif", Previewable: true},
	"image/webp":    {Extensions: []string{".webp"}, MaxSize: 10 * mb, Category: CategoryImage, Subtype: "webp", Previewable: true},
	"video/mp4":     {Extensions: []string{".mp4"}, MaxSize: 50 * mb, Category: CategoryVideo, Subtype: "mp4", Previewable: true},
	"video/webm":    {Extensions: []string{".webm"}, MaxSize: 50 * mb, Category: CategoryVideo, Subtype: "webm", Previewable: true},
	"video/quicktime": {Extensions: []string{".mov"}, MaxSize: 50 * mb, Category: CategoryVideo, Subtype: "mov", Previewable: false},
	"audio/mpeg":    {Extensions: []string{".mp3"}, MaxSize: 20 * mb, Category: CategoryAudio, Subtype: "mp3", Previewable: true},
	"audio/wav":     {Extensions: []string{".wav"}, MaxSize: 20 * mb, Category: CategoryAudio, Subtype: "wav", Previewable: true},
	"audio/ogg":     {Extensions: []string{".ogg"}, MaxSize: 20 * mb, Category: CategoryAudio, Subtype: "ogg", Previewable: true},
	"application/pdf": {Extensions: []string{".pdf"}, MaxSize: 20 * mb, Category: CategoryDocument, Subtype: "pdf", Previewable: true},
	"text/plain":    {Extensions: []string{".txt"}, MaxSize: 5 * mb, Category: CategoryDocument, Subtype: "txt", Previewable: true},
	"application/msword": {Extensions: []string{".doc"}, MaxSize: 20 * mb, Category: CategoryDocument, Subtype: "doc", Previewable: false},
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": {Extensions: []string{".docx"}, MaxSize: 20 * mb, Category: CategoryDocument, Subtype: "docx", Previewable: false},
	"application/zip": {Extensions: []string{".zip"}, MaxSize: 50 * mb, Category: CategoryArchive, Subtype: "zip", Previewable: false},
	"application/x-7z-compressed": {Extensions: []string{".7z"}, MaxSize: 50 * mb, Category: CategoryArchive, Subtype: "7z", Previewable: false},
}

// Lookup returns the registry entry for a MIME type.
func Lookup(mimetype string) (Entry, bool) {
	e, ok := registry[strings.ToLower(strings.TrimSpace(mimetype))]
	return e, ok
}

// CategoryName returns the localised display name of a category.
func CategoryName(category string) string {
	if name, ok := categoryNames[category]; ok {
		return name
	}
	return category
}

// Validate rejects unsupported types and oversize files before the upload
// handshake requests a presigned URL.
func Validate(mimetype string, size int64) (Entry, error) {
	entry, ok := Lookup(mimetype)
	if !ok {
		return Entry{}, ErrUnsupportedType
	}
	if size <= 0 || size > entry.MaxSize {
		return Entry{}, fmt.Errorf("%w (%s 최대 %dMB)", ErrFileTooLarge, CategoryName(entry.Category), entry.MaxSize/mb)
	}
	return entry, nil
}
