package repository

import (
	"context"

	"github.com/honeynil/split-settlement/internal/models"
)

type TransactionRepository interface {
	// CreateGroup writes every leg in one statement; a duplicate reference
	// fails the whole write.
	CreateGroup(ctx context.Context, groupReference string, legs []models.LegSpec) error
	GetByReference(ctx context.Context, referenceID string) (*models.Transaction, error)
	ListByGroup(ctx context.Context, groupReference string) ([]models.Transaction, error)
	// MarkLeg moves a pending leg to a terminal status. A leg that is already
	// terminal is returned together with ErrAlreadyFinalized.
	MarkLeg(ctx context.Context, referenceID string, outcome models.StatusType) (*models.Transaction, error)
	GroupStatus(ctx context.Context, groupReference string) (models.GroupStatus, error)
}
