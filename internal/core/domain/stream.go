package domain

import (
	"time"
)

type StreamID string
type SessionID string

type StreamStats struct {
	MemberCount int64 `json:"member_count"`
	LikeCount   int64 `json:"like_count"`
}

// StreamSession is the live-broadcast record of one performer. It is
// created on the first go-live and reused afterwards; SessionID is
// regenerated on every go-live.
type StreamSession struct {
	ID                   StreamID    `json:"id"`
	PerformerID          PrincipalID `json:"performer_id"`
	SessionID            SessionID   `json:"session_id"`
	IsStreaming          bool        `json:"is_streaming"`
	StreamingTimeSeconds int64       `json:"streaming_time_seconds"`
	LastStreamingAt      *time.Time  `json:"last_streaming_at,omitempty"`
	Stats                StreamStats `json:"stats"`
	Title                string      `json:"title"`
	Description          string      `json:"description"`
	Price                float64     `json:"price"`
	IsFree               bool        `json:"is_free"`
	CreatedAt            time.Time   `json:"created_at"`
	UpdatedAt            time.Time   `json:"updated_at"`
}

// GoLiveRequest carries the fields a performer sets when going live.
type GoLiveRequest struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Price       float64 `json:"price"`
	IsFree      bool    `json:"is_free"`
}
