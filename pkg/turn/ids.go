package turn

import "github.com/google/uuid"

// NewSessionID returns a fresh recognition session identifier.
func NewSessionID() string {
	return "sess-" + uuid.NewString()
}

// NewReplyTaskID returns a fresh reply task identifier.
func NewReplyTaskID() string {
	return "reply-" + uuid.NewString()
}
