package model

import (
	"encoding/json"
	"time"
)

// Reservation is exclusive, time-bounded ownership of one pool user.
type Reservation struct {
	ID          string          `json:"id"`
	Pool        string          `json:"pool"`
	UserID      string          `json:"user_id"`
	Holder      string          `json:"holder,omitempty"`
	Credentials json.RawMessage `json:"credentials"`
	ReservedAt  time.Time       `json:"reserved_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// PoolUser is one credential set registered in a pool.
type PoolUser struct {
	ID          string          `json:"id"`
	Pool        string          `json:"pool"`
	Credentials json.RawMessage `json:"credentials"`
	CreatedAt   time.Time       `json:"created_at"`
}

// PoolStats summarises pool occupancy.
type PoolStats struct {
	Pool      string `json:"pool"`
	Total     int    `json:"total"`
	Reserved  int    `json:"reserved"`
	Available int    `json:"available"`
}

// CacheBundle describes an uploaded diagnostics archive.
type CacheBundle struct {
	ID            string    `json:"id"`
	Pool          string    `json:"pool,omitempty"`
	Suite         string    `json:"suite"`
	ReservationID string    `json:"reservation_id,omitempty"`
	SizeBytes     int64     `json:"size_bytes"`
	CreatedAt     time.Time `json:"created_at"`
}
