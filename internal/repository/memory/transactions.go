package memory

import (
	"context"
	"fmt"

	"github.com/honeynil/split-settlement/internal/models"
	pkgerrors "github.com/honeynil/split-settlement/pkg/errors"
)

type TransactionRepository struct {
	s *Store
}

func (r *TransactionRepository) CreateGroup(ctx context.Context, groupReference string, legs []models.LegSpec) error {
	defer r.s.lock(ctx)()

	if len(legs) == 0 {
		return fmt.Errorf("%w: settlement group needs at least one leg", pkgerrors.ErrValidation)
	}
	seen := make(map[string]struct{}, len(legs))
	for _, leg := range legs {
		if leg.ReferenceID == "" || !leg.Kind.Valid() || (leg.Status != "" && !leg.Status.Valid()) {
			return fmt.Errorf("%w: invalid leg %q", pkgerrors.ErrValidation, leg.ReferenceID)
		}
		if !leg.Amount.IsPositive() {
			return fmt.Errorf("%w: leg amount must be positive", pkgerrors.ErrInvalidAmount)
		}
		if _, dup := r.s.legs[leg.ReferenceID]; dup {
			return fmt.Errorf("%w: leg %s", pkgerrors.ErrDuplicateReference, leg.ReferenceID)
		}
		if _, dup := seen[leg.ReferenceID]; dup {
			return fmt.Errorf("%w: leg %s", pkgerrors.ErrDuplicateReference, leg.ReferenceID)
		}
		seen[leg.ReferenceID] = struct{}{}
	}

	now := r.s.now()
	for _, leg := range legs {
		status := leg.Status
		if status == "" {
			status = models.StatusPending
		}
		r.s.legs[leg.ReferenceID] = models.Transaction{
			ID:             r.s.id(),
			ReferenceID:    leg.ReferenceID,
			GroupReference: groupReference,
			SubjectID:      leg.SubjectID,
			Amount:         leg.Amount,
			Kind:           leg.Kind,
			Status:         status,
			Purpose:        leg.Purpose,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		r.s.legOrder[groupReference] = append(r.s.legOrder[groupReference], leg.ReferenceID)
	}
	return nil
}

func (r *TransactionRepository) GetByReference(ctx context.Context, referenceID string) (*models.Transaction, error) {
	defer r.s.lock(ctx)()

	tx, ok := r.s.legs[referenceID]
	if !ok {
		return nil, pkgerrors.ErrTransactionNotFound
	}
	return &tx, nil
}

func (r *TransactionRepository) ListByGroup(ctx context.Context, groupReference string) ([]models.Transaction, error) {
	defer r.s.lock(ctx)()

	refs := r.s.legOrder[groupReference]
	txs := make([]models.Transaction, 0, len(refs))
	for _, ref := range refs {
		txs = append(txs, r.s.legs[ref])
	}
	return txs, nil
}

func (r *TransactionRepository) MarkLeg(ctx context.Context, referenceID string, outcome models.StatusType) (*models.Transaction, error) {
	defer r.s.lock(ctx)()

	if !outcome.IsTerminal() {
		return nil, fmt.Errorf("%w: outcome must be terminal, got %q", pkgerrors.ErrValidation, outcome)
	}
	tx, ok := r.s.legs[referenceID]
	if !ok {
		return nil, pkgerrors.ErrTransactionNotFound
	}
	if tx.Status.IsTerminal() {
		return &tx, pkgerrors.ErrAlreadyFinalized
	}
	tx.Status = outcome
	tx.UpdatedAt = r.s.now()
	r.s.legs[referenceID] = tx
	return &tx, nil
}

func (r *TransactionRepository) GroupStatus(ctx context.Context, groupReference string) (models.GroupStatus, error) {
	defer r.s.lock(ctx)()

	refs := r.s.legOrder[groupReference]
	if len(refs) == 0 {
		return models.GroupStatus{}, pkgerrors.ErrGroupNotFound
	}
	status := models.GroupStatus{Total: len(refs)}
	completed := 0
	for _, ref := range refs {
		switch r.s.legs[ref].Status {
		case models.StatusPending:
			status.PendingCount++
		case models.StatusCompleted:
			completed++
		case models.StatusFailed:
			status.AnyFailed = true
		}
	}
	status.AllCompleted = completed == status.Total
	return status, nil
}
