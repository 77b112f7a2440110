package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/honeynil/split-settlement/internal/models"
	pkgerrors "github.com/honeynil/split-settlement/pkg/errors"
)

type GroupRepository struct {
	s *Store
}

func (r *GroupRepository) Create(ctx context.Context, g *models.SettlementGroup) error {
	defer r.s.lock(ctx)()

	if _, ok := r.s.groups[g.Reference]; ok {
		return fmt.Errorf("%w: group %s", pkgerrors.ErrDuplicateReference, g.Reference)
	}
	if g.ExternalReference != "" {
		for _, other := range r.s.groups {
			if other.ExternalReference == g.ExternalReference {
				return fmt.Errorf("%w: external reference %s", pkgerrors.ErrDuplicateReference, g.ExternalReference)
			}
		}
	}
	if g.SideEffectStatus == "" {
		g.SideEffectStatus = models.SideEffectNone
	}
	now := r.s.now()
	g.ID = r.s.id()
	g.CreatedAt, g.UpdatedAt = now, now
	r.s.groups[g.Reference] = *g
	return nil
}

func (r *GroupRepository) GetByReference(ctx context.Context, reference string) (*models.SettlementGroup, error) {
	defer r.s.lock(ctx)()

	g, ok := r.s.groups[reference]
	if !ok {
		return nil, pkgerrors.ErrGroupNotFound
	}
	return &g, nil
}

func (r *GroupRepository) ClaimFinalize(ctx context.Context, reference, token string, leaseUntil time.Time) (bool, error) {
	defer r.s.lock(ctx)()

	g, ok := r.s.groups[reference]
	if !ok {
		return false, nil
	}
	now := r.s.now()
	expired := g.State == models.GroupFinalizing && g.ClaimExpiresAt != nil && g.ClaimExpiresAt.Before(now)
	if g.State != models.GroupAwaitingExternal && !expired {
		return false, nil
	}
	g.State = models.GroupFinalizing
	g.ClaimToken = token
	g.ClaimExpiresAt = &leaseUntil
	g.UpdatedAt = now
	r.s.groups[reference] = g
	return true, nil
}

func (r *GroupRepository) ReleaseClaim(ctx context.Context, reference, token string) error {
	defer r.s.lock(ctx)()

	g, ok := r.s.groups[reference]
	if !ok || g.State != models.GroupFinalizing || g.ClaimToken != token {
		return nil
	}
	g.State = models.GroupAwaitingExternal
	g.ClaimToken = ""
	g.ClaimExpiresAt = nil
	g.UpdatedAt = r.s.now()
	r.s.groups[reference] = g
	return nil
}

func (r *GroupRepository) CompleteFinalize(ctx context.Context, reference, token string, state models.GroupState) (bool, error) {
	defer r.s.lock(ctx)()

	if !state.IsTerminal() {
		return false, fmt.Errorf("%w: %q is not a terminal group state", pkgerrors.ErrInvariantViolation, state)
	}
	g, ok := r.s.groups[reference]
	if !ok || g.State != models.GroupFinalizing || g.ClaimToken != token {
		return false, nil
	}
	g.State = state
	g.SideEffectStatus = models.SideEffectNone
	if state == models.GroupSettled {
		g.SideEffectStatus = models.SideEffectPending
	}
	g.ClaimToken = ""
	g.ClaimExpiresAt = nil
	g.UpdatedAt = r.s.now()
	r.s.groups[reference] = g
	return true, nil
}

func (r *GroupRepository) ClaimSideEffect(ctx context.Context, reference string, from ...models.SideEffectStatus) (bool, error) {
	defer r.s.lock(ctx)()

	g, ok := r.s.groups[reference]
	if !ok || g.State != models.GroupSettled || !slices.Contains(from, g.SideEffectStatus) {
		return false, nil
	}
	g.SideEffectStatus = models.SideEffectRunning
	g.UpdatedAt = r.s.now()
	r.s.groups[reference] = g
	return true, nil
}

func (r *GroupRepository) RecordSideEffect(ctx context.Context, reference string, status models.SideEffectStatus, errText string) error {
	defer r.s.lock(ctx)()

	g, ok := r.s.groups[reference]
	if !ok || g.SideEffectStatus != models.SideEffectRunning {
		return fmt.Errorf("%w: side effect of %s was not running", pkgerrors.ErrInvariantViolation, reference)
	}
	g.SideEffectStatus = status
	g.SideEffectError = errText
	g.UpdatedAt = r.s.now()
	r.s.groups[reference] = g
	return nil
}

func (r *GroupRepository) ListStale(ctx context.Context, olderThan, now time.Time, limit int) ([]models.SettlementGroup, error) {
	defer r.s.lock(ctx)()

	var out []models.SettlementGroup
	for _, g := range r.s.groups {
		awaiting := g.State == models.GroupAwaitingExternal && g.UpdatedAt.Before(olderThan)
		expired := g.State == models.GroupFinalizing && g.ClaimExpiresAt != nil && g.ClaimExpiresAt.Before(now)
		if awaiting || expired {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
