package v1

import "time"

// ---- Payloads ----

// PairPayload carries the two identities of a 1:1 conversation.
// It is the payload of joinRoom, typing and stopTyping.
type PairPayload struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
}

// Attachment describes an out-of-band uploaded file.
type Attachment struct {
	URL        string     `json:"url"`
	Name       string     `json:"name"`
	MimeType   string     `json:"type"`
	SizeLabel  string     `json:"size"`
	UploadedAt *time.Time `json:"uploadedAt,omitempty"`
}

// SendMessagePayload requests sending a message to receiverId.
// At least one of Message (non-blank) or Attachment must be present.
type SendMessagePayload struct {
	SenderID   string      `json:"senderId"`
	ReceiverID string      `json:"receiverId"`
	Message    string      `json:"message,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// RoomJoinedPayload echoes the canonical conversation id for a pair.
type RoomJoinedPayload struct {
	ChatRoomID string    `json:"chatRoomId"`
	Users      []string  `json:"users"`
	CreatedAt  time.Time `json:"createdAt"`
}

// MessagePayload is the stored message as delivered by receiveMessage and messageDelivered.
type MessagePayload struct {
	MessageID  string      `json:"messageId"`
	ChatRoomID string      `json:"chatRoomId"`
	SenderID   string      `json:"senderId"`
	ReceiverID string      `json:"receiverId"`
	Text       *string     `json:"text"`
	Attachment *Attachment `json:"attachment"`
	Timestamp  time.Time   `json:"timestamp"`
}

// TypingPayload is the payload of userTyping and userStoppedTyping.
type TypingPayload struct {
	SenderID string `json:"senderId"`
}

// OnlineStatusPayload is the payload of userOnlineStatus.
type OnlineStatusPayload struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
