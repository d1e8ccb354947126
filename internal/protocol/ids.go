package protocol

import "github.com/google/uuid"

// NewMessageID mints a message_id for a ChatMessage (spec §3).
func NewMessageID() string {
	return uuid.NewString()
}
