package archive

import (
	"context"
	"time"
)

// ExchangeRecord stores one completed voice round trip: what the user said
// and what the assistant answered.
type ExchangeRecord struct {
	ID            string    `json:"id"`
	Username      string    `json:"username"`
	Transcription string    `json:"transcription"`
	Reply         string    `json:"reply"`
	RoundTripMS   int64     `json:"round_trip_ms"`
	CreatedAt     time.Time `json:"created_at"`
}

// Store persists completed exchanges locally, independent of the backend's
// own conversation history.
type Store interface {
	SaveExchange(ctx context.Context, record ExchangeRecord) error
	RecentExchanges(ctx context.Context, username string, limit int) ([]ExchangeRecord, error)
	Close() error
}
