package repository

import (
	"context"
	"time"

	"github.com/honeynil/split-settlement/internal/models"
)

type GroupRepository interface {
	Create(ctx context.Context, group *models.SettlementGroup) error
	GetByReference(ctx context.Context, reference string) (*models.SettlementGroup, error)
	// ClaimFinalize atomically moves an awaiting group (or a finalizing group
	// whose lease has expired) to finalizing under token.
	ClaimFinalize(ctx context.Context, reference, token string, leaseUntil time.Time) (bool, error)
	// ReleaseClaim returns a group held under token to awaiting_external.
	ReleaseClaim(ctx context.Context, reference, token string) error
	// CompleteFinalize moves a group held under token to a terminal state.
	CompleteFinalize(ctx context.Context, reference, token string, state models.GroupState) (bool, error)
	// ClaimSideEffect moves the side-effect status of a settled group from one
	// of the given statuses to running.
	ClaimSideEffect(ctx context.Context, reference string, from ...models.SideEffectStatus) (bool, error)
	RecordSideEffect(ctx context.Context, reference string, status models.SideEffectStatus, errText string) error
	// ListStale returns awaiting groups untouched since before olderThan and
	// finalizing groups whose lease expired before now.
	ListStale(ctx context.Context, olderThan, now time.Time, limit int) ([]models.SettlementGroup, error)
}

// TxManager runs fn inside one storage transaction. Repositories called with
// the context passed to fn take part in that transaction.
type TxManager interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
