// Package session bundles the state one stream connection owns for its
// whole lifetime. Nothing in a Session is shared with other connections.
package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/PratikDhanave/position-stream-service/internal/models"
	"github.com/PratikDhanave/position-stream-service/internal/watermark"
)

// Session is passed explicitly into every adapter and delta computer call.
type Session struct {
	ID      string
	Started time.Time
	Marks   *watermark.Store
	Errors  *models.ErrorLog
}

// New starts a session at now with every watermark at yesterday (UTC).
func New(now time.Time) *Session {
	return &Session{
		ID:      uuid.New().String(),
		Started: now.UTC(),
		Marks:   watermark.New(watermark.Yesterday(now)),
		Errors:  &models.ErrorLog{},
	}
}
