package domain

import "encoding/json"

// SyncOp enumerates the mutation operations carried by the sync queue.
type SyncOp string

const (
	OpCreateMessage  SyncOp = "CREATE_MESSAGE"
	OpUpdateMessage  SyncOp = "UPDATE_MESSAGE"
	OpMarkAsRead     SyncOp = "MARK_AS_READ"
	OpAddReaction    SyncOp = "ADD_REACTION"
	OpRemoveReaction SyncOp = "REMOVE_REACTION"
	OpDeleteMessage  SyncOp = "DELETE_MESSAGE"
)

// SyncEvent is one append-only record in the sync queue. The payload embeds
// the full state needed to apply the mutation, so events are self-contained.
type SyncEvent struct {
	ID         string          `json:"-"`
	Operation  SyncOp          `json:"operation"`
	Payload    json.RawMessage `json:"data"`
	Timestamp  int64           `json:"timestamp"`
	RetryCount int             `json:"retryCount"`
	OriginalID string          `json:"originalId,omitempty"`
	LastError  string          `json:"lastError,omitempty"`
}

// MarkAsReadPayload is the payload shape for OpMarkAsRead.
type MarkAsReadPayload struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	ReadAt    int64  `json:"readAt"`
}

// ReactionPayload is the payload shape for OpAddReaction / OpRemoveReaction.
type ReactionPayload struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"userId"`
}

// UpdateMessagePayload is the payload shape for OpUpdateMessage.
type UpdateMessagePayload struct {
	MessageID  string                 `json:"messageId"`
	UpdateData map[string]interface{} `json:"updateData"`
}

// DeleteMessagePayload is the payload shape for OpDeleteMessage.
type DeleteMessagePayload struct {
	MessageID string `json:"messageId"`
	DeletedAt int64  `json:"deletedAt"`
}
