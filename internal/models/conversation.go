package models

import "time"

// DefaultLabel is used until a title has been synthesized.
const DefaultLabel = "New chat"

// Conversation groups an ordered sequence of messages owned by one user.
type Conversation struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"created_at"`
}
