package domain

// Room is the canonical room document, shared between the hot tier
// (chat_room:<id>) and the durable tier. Timestamps are epoch milliseconds.
type Room struct {
	ID                string    `json:"_id" bson:"_id"`
	Name              string    `json:"name" bson:"name"`
	Creator           UserRef   `json:"creator" bson:"creator"`
	Participants      []UserRef `json:"participants" bson:"participants"`
	HasPassword       bool      `json:"hasPassword" bson:"hasPassword"`
	Password          string    `json:"password,omitempty" bson:"password,omitempty"`
	ParticipantsCount int       `json:"participantsCount" bson:"participantsCount"`
	CreatedAt         int64     `json:"createdAt" bson:"createdAt"`
	UpdatedAt         int64     `json:"updatedAt,omitempty" bson:"updatedAt,omitempty"`
	InstanceID        string    `json:"instanceId,omitempty" bson:"instanceId,omitempty"`
}

// HasParticipant reports whether userID is in the participant set.
func (r *Room) HasParticipant(userID string) bool {
	for _, p := range r.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// AddParticipant appends u to the participant set, keeping ids unique.
// Returns false if the user was already a participant.
func (r *Room) AddParticipant(u UserRef) bool {
	if r.HasParticipant(u.ID) {
		return false
	}
	r.Participants = append(r.Participants, u)
	r.ParticipantsCount = len(r.Participants)
	return true
}

// RemoveParticipant drops userID from the participant set. The creator is
// never removed. Returns false when nothing changed.
func (r *Room) RemoveParticipant(userID string) bool {
	if userID == r.Creator.ID {
		return false
	}
	for i, p := range r.Participants {
		if p.ID == userID {
			r.Participants = append(r.Participants[:i], r.Participants[i+1:]...)
			r.ParticipantsCount = len(r.Participants)
			return true
		}
	}
	return false
}

// Sanitized returns a copy of the room with the stored password stripped,
// suitable for client responses.
func (r *Room) Sanitized() *Room {
	clean := *r
	clean.Password = ""
	return &clean
}

// User is an externally-owned account, referenced by id from rooms and
// messages. The core only ever updates ProfileImage.
type User struct {
	ID           string `json:"_id" bson:"_id"`
	Name         string `json:"name" bson:"name"`
	Email        string `json:"email" bson:"email"`
	ProfileImage string `json:"profileImage,omitempty" bson:"profileImage,omitempty"`
	CreatedAt    int64  `json:"createdAt,omitempty" bson:"createdAt,omitempty"`
	UpdatedAt    int64  `json:"updatedAt,omitempty" bson:"updatedAt,omitempty"`
}

// Ref returns the denormalized reference embedded into rooms and messages.
func (u *User) Ref() UserRef {
	return UserRef{ID: u.ID, Name: u.Name, Email: u.Email, ProfileImage: u.ProfileImage}
}

// Peer describes another instance participating in cross-instance flows.
type Peer struct {
	InstanceID string `json:"instanceId"`
	Endpoint   string `json:"endpoint"`
	HTTPBase   string `json:"httpBase,omitempty"`
	LastSeen   int64  `json:"lastSeen"`
}
