package event

import (
	"context"

	"github.com/google/uuid"
)

// Waker is notified after a transaction that appended events commits.
type Waker interface {
	Wake(ctx context.Context, organizationID uuid.UUID) error
}

// CatalogingJobRef is the payload of cataloging job events. It carries
// identifiers only; consumers re-fetch the job.
type CatalogingJobRef struct {
	JobID  uuid.UUID `json:"job_id"`
	Status string    `json:"status,omitempty"`
}

// FlagRef is the payload of flag events.
type FlagRef struct {
	FlagID   uuid.UUID  `json:"flag_id"`
	ItemID   *uuid.UUID `json:"item_id,omitempty"`
	Severity string     `json:"severity,omitempty"`
}
