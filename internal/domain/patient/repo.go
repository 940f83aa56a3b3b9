package patient

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists patient records. Every method is scoped to the hospital
// carried by ctx (see db.WithHospital).
type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*StoredRecord, error)
	// GetForUpdate loads a record and locks its row until the surrounding
	// transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*StoredRecord, error)
	// FindByContactEmail returns every record whose email matches,
	// case-insensitively, oldest first.
	FindByContactEmail(ctx context.Context, email string) ([]*StoredRecord, error)
	GetByMedicalID(ctx context.Context, medicalID string) (*StoredRecord, error)
	Create(ctx context.Context, r *Record) error
	Update(ctx context.Context, r *Record) error
	List(ctx context.Context, limit, offset int) ([]*StoredRecord, int, error)
}

// TxRunner runs fn inside one transaction.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}
