package domain

import (
	"regexp"
	"time"
)

// Message types as stored in both tiers.
const (
	MessageTypeText   = "text"
	MessageTypeFile   = "file"
	MessageTypeSystem = "system"
	MessageTypeAI     = "ai"
)

// AI handles recognised in message content.
const (
	AITypeWayne      = "wayneAI"
	AITypeConsulting = "consultingAI"
)

var mentionPattern = regexp.MustCompile(`@(wayneAI|consultingAI)\b`)

// UserRef is a denormalized reference to an externally-owned user.
type UserRef struct {
	ID           string `json:"_id" bson:"_id"`
	Name         string `json:"name" bson:"name"`
	Email        string `json:"email,omitempty" bson:"email,omitempty"`
	ProfileImage string `json:"profileImage,omitempty" bson:"profileImage,omitempty"`
}

// FileMeta describes an uploaded file attached to a message.
// Present iff the message type is "file".
type FileMeta struct {
	Filename     string `json:"filename" bson:"filename"`
	OriginalName string `json:"originalname" bson:"originalname"`
	MimeType     string `json:"mimetype" bson:"mimetype"`
	Size         int64  `json:"size" bson:"size"`
	S3Key        string `json:"s3Key" bson:"s3Key"`
	S3Bucket     string `json:"s3Bucket" bson:"s3Bucket"`
	S3URL        string `json:"s3Url" bson:"s3Url"`
	UploadedAt   int64  `json:"uploadedAt" bson:"uploadedAt"`
}

// Reader records a read receipt. Unique per userId within a message.
type Reader struct {
	UserID string `json:"userId" bson:"userId"`
	ReadAt int64  `json:"readAt" bson:"readAt"`
}

// Message is the canonical message document. The same shape is written to the
// hot tier (JSON document under message:<id>) and the durable tier. All
// timestamps are epoch milliseconds.
type Message struct {
	ID         string                 `json:"_id" bson:"_id"`
	Room       string                 `json:"room" bson:"room"`
	Sender     UserRef                `json:"sender" bson:"sender"`
	Type       string                 `json:"type" bson:"type"`
	Content    string                 `json:"content" bson:"content"`
	File       *FileMeta              `json:"file,omitempty" bson:"file,omitempty"`
	AIType     string                 `json:"aiType,omitempty" bson:"aiType,omitempty"`
	Mentions   []string               `json:"mentions,omitempty" bson:"mentions,omitempty"`
	Timestamp  int64                  `json:"timestamp" bson:"timestamp"`
	Readers    []Reader               `json:"readers" bson:"readers"`
	Reactions  map[string][]string    `json:"reactions" bson:"reactions"`
	Metadata   map[string]interface{} `json:"metadata,omitempty" bson:"metadata,omitempty"`
	IsDeleted  bool                   `json:"isDeleted" bson:"isDeleted"`
	DeletedAt  int64                  `json:"deletedAt,omitempty" bson:"deletedAt,omitempty"`
	UpdatedAt  int64                  `json:"updatedAt,omitempty" bson:"updatedAt,omitempty"`
	InstanceID string                 `json:"instanceId,omitempty" bson:"instanceId,omitempty"`
}

// NowMillis returns the current wall clock in epoch milliseconds, the
// timestamp unit used across both tiers.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// ExtractMentions returns the AI handles referenced in content, in order of
// first appearance, without duplicates.
func ExtractMentions(content string) []string {
	matches := mentionPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	var mentions []string
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			mentions = append(mentions, m[1])
		}
	}
	return mentions
}

// HasReader reports whether userID already has a read receipt.
func (m *Message) HasReader(userID string) bool {
	for _, r := range m.Readers {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

// AddReader appends a read receipt for userID. Returns false if the user had
// already read the message.
func (m *Message) AddReader(userID string, readAt int64) bool {
	if m.HasReader(userID) {
		return false
	}
	m.Readers = append(m.Readers, Reader{UserID: userID, ReadAt: readAt})
	return true
}

// AddReaction adds userID to the emoji bucket with set semantics. Returns
// false if the user had already reacted with that emoji.
func (m *Message) AddReaction(emoji, userID string) bool {
	if m.Reactions == nil {
		m.Reactions = make(map[string][]string)
	}
	for _, u := range m.Reactions[emoji] {
		if u == userID {
			return false
		}
	}
	m.Reactions[emoji] = append(m.Reactions[emoji], userID)
	return true
}

// RemoveReaction removes userID from the emoji bucket, deleting the bucket
// when it empties. Returns false if the user had no such reaction.
func (m *Message) RemoveReaction(emoji, userID string) bool {
	users, ok := m.Reactions[emoji]
	if !ok {
		return false
	}
	for i, u := range users {
		if u == userID {
			users = append(users[:i], users[i+1:]...)
			if len(users) == 0 {
				delete(m.Reactions, emoji)
			} else {
				m.Reactions[emoji] = users
			}
			return true
		}
	}
	return false
}
