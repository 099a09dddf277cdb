package domain

import "time"

// Message text bounds, counted in runes.
const (
	MinMessageRunes = 1
	MaxMessageRunes = 2000
)

// MessageStatus is the delivery lifecycle stage of a message.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

var statusOrder = map[MessageStatus]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Valid reports whether s is one of the four known statuses.
func (s MessageStatus) Valid() bool {
	_, ok := statusOrder[s]
	return ok
}

// Rank returns the position of s in the lifecycle, or -1 when unknown.
func (s MessageStatus) Rank() int {
	r, ok := statusOrder[s]
	if !ok {
		return -1
	}
	return r
}

// Next returns the status that follows s. The second value is false for read.
func (s MessageStatus) Next() (MessageStatus, bool) {
	switch s {
	case StatusSending:
		return StatusSent, true
	case StatusSent:
		return StatusDelivered, true
	case StatusDelivered:
		return StatusRead, true
	}
	return "", false
}

// Message is a single chat message. Only Status changes after creation.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	Text           string        `json:"text"`
	Timestamp      time.Time     `json:"timestamp"`
	Status         MessageStatus `json:"status"`
	Attachments    []string      `json:"attachments,omitempty"`
}

// Clone returns a copy that shares no slices with m.
func (m Message) Clone() Message {
	if m.Attachments != nil {
		m.Attachments = append([]string(nil), m.Attachments...)
	}
	return m
}
