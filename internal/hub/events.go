package hub

import (
	"encoding/json"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/domain"
)

// Client-to-server event names.
const (
	EvtJoinRoom          = "joinRoom"
	EvtLeaveRoom         = "leaveRoom"
	EvtFetchPrevious     = "fetchPreviousMessages"
	EvtChatMessage       = "chatMessage"
	EvtMarkAsRead        = "markMessagesAsRead"
	EvtMessageReaction   = "messageReaction"
	EvtForceLogin        = "force_login"
)

// Server-to-client event names.
const (
	EvtJoinRoomSuccess    = "joinRoomSuccess"
	EvtJoinRoomError      = "joinRoomError"
	EvtMessage            = "message"
	EvtParticipantsUpdate = "participantsUpdate"
	EvtUserLeft           = "userLeft"
	EvtMessageLoadStart   = "messageLoadStart"
	EvtPreviousLoaded     = "previousMessagesLoaded"
	EvtMessagesRead       = "messagesRead"
	EvtReactionUpdate     = "messageReactionUpdate"
	EvtAIMessageStart     = "aiMessageStart"
	EvtAIMessageChunk     = "aiMessageChunk"
	EvtAIMessageComplete  = "aiMessageComplete"
	EvtAIMessageError     = "aiMessageError"
	EvtDuplicateLogin     = "duplicate_login"
	EvtSessionEnded       = "session_ended"
	EvtError              = "error"
)

// inbound is the envelope every client frame carries.
type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// outbound is the envelope every server frame carries.
type outbound struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

type joinRoomPayload struct {
	RoomID   string `json:"roomId"`
	Password string `json:"password,omitempty"`
}

type leaveRoomPayload struct {
	RoomID string `json:"roomId"`
}

type fetchPreviousPayload struct {
	RoomID string `json:"roomId"`
	Before int64  `json:"before,omitempty"`
}

type fileData struct {
	Filename     string `json:"filename"`
	OriginalName string `json:"originalname"`
	MimeType     string `json:"mimetype"`
	Size         int64  `json:"size"`
	S3URL        string `json:"s3Url"`
	S3Key        string `json:"s3Key"`
	S3Bucket     string `json:"s3Bucket"`
}

type chatMessagePayload struct {
	Room     string    `json:"room"`
	Type     string    `json:"type"`
	Content  string    `json:"content,omitempty"`
	FileData *fileData `json:"fileData,omitempty"`
}

type markAsReadPayload struct {
	RoomID     string   `json:"roomId"`
	MessageIDs []string `json:"messageIds"`
}

type reactionPayload struct {
	MessageID string `json:"messageId"`
	Reaction  string `json:"reaction"`
	Type      string `json:"type"` // add or remove
}

type forceLoginPayload struct {
	Token string `json:"token"`
}

// activeStream is the streaming-session view sent with joinRoomSuccess.
type activeStream struct {
	MessageID   string `json:"messageId"`
	AIType      string `json:"aiType"`
	Content     string `json:"content"`
	StartedAt   int64  `json:"startedAt"`
	LastUpdated int64  `json:"lastUpdateAt"`
}

type joinRoomSuccess struct {
	RoomID          string            `json:"roomId"`
	Participants    []domain.UserRef  `json:"participants"`
	Messages        []*domain.Message `json:"messages"`
	HasMore         bool              `json:"hasMore"`
	OldestTimestamp int64             `json:"oldestTimestamp,omitempty"`
	ActiveStreams   []activeStream    `json:"activeStreams"`
}

type errorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}
