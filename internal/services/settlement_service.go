package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/honeynil/split-settlement/internal/gateway"
	"github.com/honeynil/split-settlement/internal/infrastructure/observability"
	"github.com/honeynil/split-settlement/internal/infrastructure/redis"
	"github.com/honeynil/split-settlement/internal/models"
	"github.com/honeynil/split-settlement/internal/repository"
	pkgerrors "github.com/honeynil/split-settlement/pkg/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	settlementTracer = "settlement-service"
	resultCacheTTL   = 24 * time.Hour
	reserveAttempts  = 3
	claimPollEvery   = 25 * time.Millisecond
)

var hundred = decimal.NewFromInt(100)

type SettlementService interface {
	IssueInstrument(ctx context.Context, code string, balance decimal.Decimal, expiresAt *time.Time) (*models.StoredValueInstrument, error)
	GetInstrument(ctx context.Context, code string) (*models.StoredValueInstrument, error)
	Begin(ctx context.Context, req BeginRequest) (*BeginResult, error)
	Complete(ctx context.Context, groupReference string) (*FinalizeResult, error)
	Finalize(ctx context.Context, referenceID string) (*FinalizeResult, error)
	GetSettlement(ctx context.Context, groupReference string) (*SettlementView, error)
	RetrySideEffect(ctx context.Context, groupReference string) (*FinalizeResult, error)
	RegisterSideEffect(purpose string, fn SideEffectFunc)
}

type BeginRequest struct {
	SubjectID      string
	Purpose        string
	Amount         decimal.Decimal
	InstrumentCode string
	// FeePercent overrides the service default when set; 5 means 5%.
	FeePercent *decimal.Decimal
	Email      string
	Metadata   map[string]string
}

type BeginResult struct {
	GroupReference       string            `json:"group_reference"`
	State                models.GroupState `json:"state"`
	RedirectURL          string            `json:"redirect_url,omitempty"`
	ExternalReference    string            `json:"external_reference,omitempty"`
	FeeAmount            decimal.Decimal   `json:"fee_amount"`
	GrandTotal           decimal.Decimal   `json:"grand_total"`
	InstrumentAmountUsed decimal.Decimal   `json:"instrument_amount_used"`
	ExternalAmountDue    decimal.Decimal   `json:"external_amount_due"`
}

type FinalizeResult struct {
	GroupReference    string                  `json:"group_reference"`
	ExternalReference string                  `json:"external_reference,omitempty"`
	State             models.GroupState       `json:"state"`
	SideEffectStatus  models.SideEffectStatus `json:"side_effect_status"`
	// AlreadyFinalized is set when the result was served without any write.
	AlreadyFinalized bool `json:"already_finalized"`
	// RetryLater is set when the gateway could not confirm the charge yet.
	RetryLater bool `json:"retry_later"`
}

type SettlementView struct {
	Group *models.SettlementGroup `json:"group"`
	Legs  []models.Transaction    `json:"legs"`
}

type SideEffectInput struct {
	GroupReference string
	SubjectID      string
	Purpose        string
	TotalAmount    decimal.Decimal
	Metadata       map[string]string
}

// SideEffectFunc runs once per settled group. Its error marks the side
// effect failed and never touches the money movements.
type SideEffectFunc func(ctx context.Context, in SideEffectInput) error

// EventPublisher is satisfied by the kafka producer.
type EventPublisher interface {
	Send(ctx context.Context, topic, key string, value []byte) error
}

type Option func(*settlementService)

func WithFeePercent(p decimal.Decimal) Option {
	return func(s *settlementService) { s.feePercent = p }
}

func WithResultCache(c redis.RedisClient) Option {
	return func(s *settlementService) { s.cache = c }
}

func WithEventPublisher(p EventPublisher, topic string) Option {
	return func(s *settlementService) { s.events, s.eventsTopic = p, topic }
}

func WithVerifyTimeout(d time.Duration) Option {
	return func(s *settlementService) { s.verifyTimeout = d }
}

func WithFinalizeLease(d time.Duration) Option {
	return func(s *settlementService) { s.lease = d }
}

func WithClock(now func() time.Time) Option {
	return func(s *settlementService) { s.now = now }
}

type settlementService struct {
	instruments  repository.InstrumentRepository
	transactions repository.TransactionRepository
	groups       repository.GroupRepository
	txm          repository.TxManager
	gateway      gateway.Gateway

	cache         redis.RedisClient
	events        EventPublisher
	eventsTopic   string
	feePercent    decimal.Decimal
	verifyTimeout time.Duration
	lease         time.Duration
	claimPoll     time.Duration
	now           func() time.Time

	hooksMu sync.RWMutex
	hooks   map[string]SideEffectFunc
}

func NewSettlementService(
	instruments repository.InstrumentRepository,
	transactions repository.TransactionRepository,
	groups repository.GroupRepository,
	txm repository.TxManager,
	gw gateway.Gateway,
	opts ...Option,
) *settlementService {
	s := &settlementService{
		instruments:   instruments,
		transactions:  transactions,
		groups:        groups,
		txm:           txm,
		gateway:       gw,
		feePercent:    decimal.Zero,
		verifyTimeout: 10 * time.Second,
		lease:         30 * time.Second,
		claimPoll:     claimPollEvery,
		now:           time.Now,
		hooks:         make(map[string]SideEffectFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *settlementService) RegisterSideEffect(purpose string, fn SideEffectFunc) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks[purpose] = fn
}

func (s *settlementService) IssueInstrument(ctx context.Context, code string, balance decimal.Decimal, expiresAt *time.Time) (*models.StoredValueInstrument, error) {
	ctx, span := otel.Tracer(settlementTracer).Start(ctx, "IssueInstrument")
	defer span.End()

	if code == "" {
		return nil, fmt.Errorf("%w: instrument code is required", pkgerrors.ErrValidation)
	}
	if !balance.IsPositive() || !balance.Equal(balance.Round(2)) {
		return nil, fmt.Errorf("%w: balance must be positive with at most two decimals", pkgerrors.ErrInvalidAmount)
	}

	inst := &models.StoredValueInstrument{Code: code, InitialBalance: balance, ExpiresAt: expiresAt}
	if err := s.instruments.Create(ctx, inst); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "instrument creation failed")
		return nil, err
	}
	return inst, nil
}

func (s *settlementService) GetInstrument(ctx context.Context, code string) (*models.StoredValueInstrument, error) {
	ctx, span := otel.Tracer(settlementTracer).Start(ctx, "GetInstrument")
	defer span.End()
	span.SetAttributes(attribute.String("instrument_code", code))

	inst, err := s.instruments.GetByCode(ctx, code)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	inst.Status = inst.EffectiveStatus(s.now())
	return inst, nil
}

func (s *settlementService) Begin(ctx context.Context, req BeginRequest) (*BeginResult, error) {
	ctx, span := otel.Tracer(settlementTracer).Start(ctx, "Begin")
	defer span.End()
	log := observability.WithContext(ctx, "method", "Begin", "subject_id", req.SubjectID, "purpose", req.Purpose)

	feePercent := s.feePercent
	if req.FeePercent != nil {
		feePercent = *req.FeePercent
	}
	if err := validateBegin(req, feePercent); err != nil {
		span.SetStatus(codes.Error, "invalid request")
		return nil, err
	}

	fee := req.Amount.Mul(feePercent).Div(hundred).Round(2)
	grandTotal := req.Amount.Add(fee)
	groupRef := uuid.NewString()
	span.SetAttributes(attribute.String("group_reference", groupRef), attribute.String("grand_total", grandTotal.String()))

	reserved := decimal.Zero
	if req.InstrumentCode != "" {
		var err error
		if reserved, err = s.reserve(ctx, req.InstrumentCode, grandTotal); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "reservation failed")
			log.Error("instrument reservation failed", "error", err)
			return nil, err
		}
	}
	remainder := grandTotal.Sub(reserved)

	group := &models.SettlementGroup{
		Reference:        groupRef,
		SubjectID:        req.SubjectID,
		Purpose:          req.Purpose,
		State:            models.GroupInitiated,
		TotalAmount:      req.Amount,
		FeeAmount:        fee,
		GrandTotal:       grandTotal,
		InstrumentAmount: reserved,
		ExternalAmount:   remainder,
		Metadata:         req.Metadata,
	}
	if reserved.IsPositive() {
		group.InstrumentCode = req.InstrumentCode
	}

	if remainder.IsZero() {
		group.State = models.GroupSettled
		group.SideEffectStatus = models.SideEffectPending
		legs := s.legs(group, "", models.StatusCompleted)
		if err := s.persist(ctx, group, legs); err != nil {
			s.compensate(ctx, group)
			span.RecordError(err)
			log.Error("failed to persist settled group", "group_reference", groupRef, "error", err)
			return nil, err
		}

		log.Info("settled from stored value", "group_reference", groupRef, "amount", grandTotal.String())
		observability.SettlementOutcomes.WithLabelValues(string(models.GroupSettled)).Inc()
		s.publish(ctx, group)
		s.runSideEffect(ctx, group, models.SideEffectPending)
		return &BeginResult{
			GroupReference:       groupRef,
			State:                models.GroupSettled,
			FeeAmount:            fee,
			GrandTotal:           grandTotal,
			InstrumentAmountUsed: reserved,
			ExternalAmountDue:    decimal.Zero,
		}, nil
	}

	metadata := map[string]string{"group_reference": groupRef, "purpose": req.Purpose}
	for k, v := range req.Metadata {
		if _, taken := metadata[k]; !taken {
			metadata[k] = v
		}
	}
	init, err := s.gateway.Initialize(ctx, gateway.InitializeRequest{
		Reference: uuid.NewString(),
		Amount:    remainder,
		Email:     req.Email,
		Metadata:  metadata,
	})
	if err != nil {
		s.compensate(ctx, group)
		span.RecordError(err)
		span.SetStatus(codes.Error, "gateway initialize failed")
		log.Error("gateway initialize failed, reservation released", "group_reference", groupRef, "error", err)
		return nil, fmt.Errorf("failed to initialize external charge: %w", err)
	}

	group.State = models.GroupAwaitingExternal
	group.ExternalReference = init.Reference
	group.RedirectURL = init.RedirectURL
	group.SideEffectStatus = models.SideEffectNone
	if err := s.persist(ctx, group, s.legs(group, init.Reference, models.StatusPending)); err != nil {
		s.compensate(ctx, group)
		span.RecordError(err)
		log.Error("failed to persist settlement group", "group_reference", groupRef, "error", err)
		return nil, err
	}

	log.Info("awaiting external charge", "group_reference", groupRef, "external_reference", init.Reference,
		"instrument_amount", reserved.String(), "external_amount", remainder.String())
	return &BeginResult{
		GroupReference:       groupRef,
		State:                models.GroupAwaitingExternal,
		RedirectURL:          init.RedirectURL,
		ExternalReference:    init.Reference,
		FeeAmount:            fee,
		GrandTotal:           grandTotal,
		InstrumentAmountUsed: reserved,
		ExternalAmountDue:    remainder,
	}, nil
}

func validateBegin(req BeginRequest, feePercent decimal.Decimal) error {
	switch {
	case req.SubjectID == "":
		return fmt.Errorf("%w: subject is required", pkgerrors.ErrValidation)
	case req.Purpose == "":
		return fmt.Errorf("%w: purpose is required", pkgerrors.ErrValidation)
	case !req.Amount.IsPositive():
		return fmt.Errorf("%w: amount must be positive", pkgerrors.ErrInvalidAmount)
	case !req.Amount.Equal(req.Amount.Round(2)):
		return fmt.Errorf("%w: amount has more than two decimals", pkgerrors.ErrInvalidAmount)
	case feePercent.IsNegative():
		return fmt.Errorf("%w: fee percent must not be negative", pkgerrors.ErrValidation)
	}
	return nil
}

// reserve takes min(want, balance) from the instrument. Concurrent drains are
// retried against the fresh balance; an unusable instrument funds nothing.
func (s *settlementService) reserve(ctx context.Context, code string, want decimal.Decimal) (decimal.Decimal, error) {
	for attempt := 0; attempt < reserveAttempts; attempt++ {
		inst, err := s.instruments.GetByCode(ctx, code)
		if err != nil {
			return decimal.Zero, err
		}
		if inst.EffectiveStatus(s.now()) != models.InstrumentActive || !inst.RemainingBalance.IsPositive() {
			slog.Info("instrument not usable, funding externally", "method", "reserve", "status", inst.Status)
			return decimal.Zero, nil
		}

		amount := decimal.Min(want, inst.RemainingBalance)
		res, err := s.instruments.Reserve(ctx, code, amount)
		switch {
		case err == nil:
			return res.Amount, nil
		case stderrors.Is(err, pkgerrors.ErrInsufficientBalance):
			continue
		case stderrors.Is(err, pkgerrors.ErrInstrumentNotActive):
			return decimal.Zero, nil
		default:
			return decimal.Zero, err
		}
	}
	slog.Warn("instrument kept draining under contention, funding externally", "method", "reserve")
	return decimal.Zero, nil
}

func (s *settlementService) legs(g *models.SettlementGroup, externalRef string, pending models.StatusType) []models.LegSpec {
	var legs []models.LegSpec
	if g.InstrumentAmount.IsPositive() {
		legs = append(legs, models.LegSpec{
			ReferenceID: g.Reference + ":instrument",
			SubjectID:   g.SubjectID,
			Amount:      g.InstrumentAmount,
			Kind:        models.KindInstrumentUse,
			Status:      models.StatusCompleted,
			Purpose:     g.Purpose,
		})
	}
	if externalRef != "" {
		legs = append(legs, models.LegSpec{
			ReferenceID: externalRef,
			SubjectID:   g.SubjectID,
			Amount:      g.ExternalAmount,
			Kind:        models.KindExternal,
			Status:      pending,
			Purpose:     g.Purpose,
		})
	}
	if g.FeeAmount.IsPositive() {
		legs = append(legs, models.LegSpec{
			ReferenceID: g.Reference + ":fee",
			SubjectID:   g.SubjectID,
			Amount:      g.FeeAmount,
			Kind:        models.KindFee,
			Status:      pending,
			Purpose:     g.Purpose,
		})
	}
	return legs
}

func (s *settlementService) persist(ctx context.Context, g *models.SettlementGroup, legs []models.LegSpec) error {
	return s.txm.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.groups.Create(ctx, g); err != nil {
			return err
		}
		return s.transactions.CreateGroup(ctx, g.Reference, legs)
	})
}

// compensate undoes a reservation made by Begin before the group was durable.
func (s *settlementService) compensate(ctx context.Context, g *models.SettlementGroup) {
	if !g.InstrumentAmount.IsPositive() {
		return
	}
	if _, err := s.instruments.Release(context.WithoutCancel(ctx), g.InstrumentCode, g.InstrumentAmount); err != nil {
		slog.Error("failed to release reservation", "method", "compensate", "group_reference", g.Reference,
			"amount", g.InstrumentAmount.String(), "error", err)
	}
}

// Complete is the client-driven entry point; it resolves the group and
// funnels into Finalize.
func (s *settlementService) Complete(ctx context.Context, groupReference string) (*FinalizeResult, error) {
	ctx, span := otel.Tracer(settlementTracer).Start(ctx, "Complete")
	defer span.End()
	span.SetAttributes(attribute.String("group_reference", groupReference))

	if res, ok := s.cachedResult(ctx, groupReference); ok {
		return res, nil
	}

	group, err := s.groups.GetByReference(ctx, groupReference)
	if err != nil {
		return nil, err
	}
	if group.State.IsTerminal() || group.ExternalReference == "" {
		res := resultOf(group, true)
		s.cacheResult(ctx, res)
		return res, nil
	}
	return s.Finalize(ctx, group.ExternalReference)
}

// Finalize resolves the group owning referenceID. It is safe to call any
// number of times from any number of instances: terminal groups are answered
// without writes and only the holder of the finalize claim moves money.
func (s *settlementService) Finalize(ctx context.Context, referenceID string) (*FinalizeResult, error) {
	ctx, span := otel.Tracer(settlementTracer).Start(ctx, "Finalize")
	defer span.End()
	span.SetAttributes(attribute.String("reference_id", referenceID))
	log := observability.WithContext(ctx, "method", "Finalize", "reference_id", referenceID)

	leg, err := s.transactions.GetByReference(ctx, referenceID)
	if err != nil {
		return nil, err
	}
	group, err := s.groups.GetByReference(ctx, leg.GroupReference)
	if err != nil {
		return nil, err
	}
	if group.State.IsTerminal() {
		return resultOf(group, true), nil
	}

	token := uuid.NewString()
	claimed, err := s.groups.ClaimFinalize(ctx, group.Reference, token, s.now().Add(s.lease))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !claimed {
		return s.awaitClaim(ctx, group.Reference)
	}
	log = log.With("group_reference", group.Reference)

	vctx, cancel := context.WithTimeout(ctx, s.verifyTimeout)
	verified, err := s.gateway.Verify(vctx, group.ExternalReference)
	cancel()
	if err != nil {
		// No verified outcome: the charge may still have gone through.
		s.releaseClaim(ctx, group.Reference, token)
		if pkgerrors.IsRetryable(err) || stderrors.Is(err, context.DeadlineExceeded) ||
			stderrors.Is(err, pkgerrors.ErrGatewayReferenceNotFound) {
			log.Warn("gateway could not confirm charge, leaving group pending", "error", err)
		} else {
			span.RecordError(err)
			span.SetStatus(codes.Error, "verify failed")
			log.Error("gateway verify rejected, leaving group pending", "error", err)
		}
		return pendingResult(group, models.GroupAwaitingExternal), nil
	}

	switch {
	case verified.Status == gateway.StatusPending:
		s.releaseClaim(ctx, group.Reference, token)
		log.Info("charge still pending at gateway")
		return pendingResult(group, models.GroupAwaitingExternal), nil
	case verified.Status == gateway.StatusSuccess && verified.AmountPaid.Round(2).Equal(group.ExternalAmount.Round(2)):
		err = s.settle(ctx, group, token)
	default:
		log.Warn("charge failed or amount mismatch, rolling back",
			"gateway_status", verified.Status, "amount_paid", verified.AmountPaid.String(), "expected", group.ExternalAmount.String())
		err = s.rollback(ctx, group, token)
	}
	if stderrors.Is(err, pkgerrors.ErrClaimLost) {
		log.Warn("finalize claim expired before completion")
		return s.awaitClaim(ctx, group.Reference)
	}
	if err != nil {
		s.releaseClaim(ctx, group.Reference, token)
		span.RecordError(err)
		span.SetStatus(codes.Error, "finalize failed")
		log.Error("failed to finalize group", "error", err)
		return nil, err
	}

	final, err := s.groups.GetByReference(ctx, group.Reference)
	if err != nil {
		return nil, err
	}
	observability.SettlementOutcomes.WithLabelValues(string(final.State)).Inc()
	s.publish(ctx, final)
	if final.State == models.GroupSettled {
		final.SideEffectStatus = s.runSideEffect(ctx, final, models.SideEffectPending)
	}

	res := resultOf(final, false)
	s.cacheResult(ctx, res)
	log.Info("group finalized", "state", final.State, "side_effect_status", res.SideEffectStatus)
	return res, nil
}

func (s *settlementService) settle(ctx context.Context, g *models.SettlementGroup, token string) error {
	return s.txm.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.markPending(ctx, g.Reference, models.StatusCompleted); err != nil {
			return err
		}
		status, err := s.transactions.GroupStatus(ctx, g.Reference)
		if err != nil {
			return err
		}
		if !status.AllCompleted {
			return fmt.Errorf("%w: group %s not fully completed after settle", pkgerrors.ErrInvariantViolation, g.Reference)
		}
		return s.completeClaim(ctx, g.Reference, token, models.GroupSettled)
	})
}

func (s *settlementService) rollback(ctx context.Context, g *models.SettlementGroup, token string) error {
	return s.txm.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.markPending(ctx, g.Reference, models.StatusFailed); err != nil {
			return err
		}
		if g.InstrumentAmount.IsPositive() {
			if _, err := s.instruments.Release(ctx, g.InstrumentCode, g.InstrumentAmount); err != nil {
				return err
			}
		}
		status, err := s.transactions.GroupStatus(ctx, g.Reference)
		if err != nil {
			return err
		}
		if status.PendingCount > 0 || !status.AnyFailed {
			return fmt.Errorf("%w: group %s not resolved after rollback", pkgerrors.ErrInvariantViolation, g.Reference)
		}
		return s.completeClaim(ctx, g.Reference, token, models.GroupRolledBack)
	})
}

// markPending moves every pending leg of the group to outcome. Finding a
// terminal leg while holding the claim means the ledger was changed behind
// the claim.
func (s *settlementService) markPending(ctx context.Context, groupRef string, outcome models.StatusType) error {
	legs, err := s.transactions.ListByGroup(ctx, groupRef)
	if err != nil {
		return err
	}
	for _, leg := range legs {
		if leg.Status != models.StatusPending {
			continue
		}
		if _, err := s.transactions.MarkLeg(ctx, leg.ReferenceID, outcome); err != nil {
			if stderrors.Is(err, pkgerrors.ErrAlreadyFinalized) {
				return fmt.Errorf("%w: leg %s finalized outside the claim", pkgerrors.ErrInvariantViolation, leg.ReferenceID)
			}
			return err
		}
	}
	return nil
}

func (s *settlementService) completeClaim(ctx context.Context, groupRef, token string, state models.GroupState) error {
	ok, err := s.groups.CompleteFinalize(ctx, groupRef, token, state)
	if err != nil {
		return err
	}
	if !ok {
		return pkgerrors.ErrClaimLost
	}
	return nil
}

func (s *settlementService) releaseClaim(ctx context.Context, groupRef, token string) {
	if err := s.groups.ReleaseClaim(context.WithoutCancel(ctx), groupRef, token); err != nil {
		slog.Error("failed to release finalize claim", "method", "releaseClaim", "group_reference", groupRef, "error", err)
	}
}

// awaitClaim waits on the finalizer holding the group's claim and returns
// the outcome it reached. The wait ends early when the holder releases the
// claim, its lease runs out or ctx is done; the group is then still open.
func (s *settlementService) awaitClaim(ctx context.Context, groupRef string) (*FinalizeResult, error) {
	ticker := time.NewTicker(s.claimPoll)
	defer ticker.Stop()

	for {
		group, err := s.groups.GetByReference(ctx, groupRef)
		if err != nil {
			return nil, err
		}
		if group.State.IsTerminal() {
			return resultOf(group, true), nil
		}
		if !group.ClaimActive(s.now()) {
			return pendingResult(group, group.State), nil
		}
		select {
		case <-ctx.Done():
			return pendingResult(group, group.State), nil
		case <-ticker.C:
		}
	}
}

func (s *settlementService) GetSettlement(ctx context.Context, groupReference string) (*SettlementView, error) {
	group, err := s.groups.GetByReference(ctx, groupReference)
	if err != nil {
		return nil, err
	}
	legs, err := s.transactions.ListByGroup(ctx, groupReference)
	if err != nil {
		return nil, err
	}
	return &SettlementView{Group: group, Legs: legs}, nil
}

func (s *settlementService) RetrySideEffect(ctx context.Context, groupReference string) (*FinalizeResult, error) {
	ctx, span := otel.Tracer(settlementTracer).Start(ctx, "RetrySideEffect")
	defer span.End()

	group, err := s.groups.GetByReference(ctx, groupReference)
	if err != nil {
		return nil, err
	}
	if group.State != models.GroupSettled ||
		(group.SideEffectStatus != models.SideEffectFailed && group.SideEffectStatus != models.SideEffectPending) {
		return nil, fmt.Errorf("%w: group %s side effect is %s", pkgerrors.ErrSideEffectNotRetryable, groupReference, group.SideEffectStatus)
	}
	s.forgetResult(ctx, groupReference)
	group.SideEffectStatus = s.runSideEffect(ctx, group, models.SideEffectFailed, models.SideEffectPending)
	res := resultOf(group, false)
	s.cacheResult(ctx, res)
	return res, nil
}

// runSideEffect claims the side effect from one of the given statuses and
// runs the hook for the group's purpose. Losing the claim means another
// caller already ran or is running it.
func (s *settlementService) runSideEffect(ctx context.Context, g *models.SettlementGroup, from ...models.SideEffectStatus) models.SideEffectStatus {
	ctx = context.WithoutCancel(ctx)
	log := slog.With("method", "runSideEffect", "group_reference", g.Reference, "purpose", g.Purpose)

	claimed, err := s.groups.ClaimSideEffect(ctx, g.Reference, from...)
	if err != nil {
		log.Error("failed to claim side effect", "error", err)
		return g.SideEffectStatus
	}
	if !claimed {
		current, err := s.groups.GetByReference(ctx, g.Reference)
		if err != nil {
			return g.SideEffectStatus
		}
		return current.SideEffectStatus
	}

	s.hooksMu.RLock()
	hook := s.hooks[g.Purpose]
	s.hooksMu.RUnlock()

	status, errText := models.SideEffectDone, ""
	if hook != nil {
		if err := callHook(ctx, hook, SideEffectInput{
			GroupReference: g.Reference,
			SubjectID:      g.SubjectID,
			Purpose:        g.Purpose,
			TotalAmount:    g.TotalAmount,
			Metadata:       g.Metadata,
		}); err != nil {
			status, errText = models.SideEffectFailed, err.Error()
			log.Error("side effect failed, settlement stands", "error", err)
		}
	}
	observability.SideEffects.WithLabelValues(g.Purpose, string(status)).Inc()

	if err := s.groups.RecordSideEffect(ctx, g.Reference, status, errText); err != nil {
		log.Error("failed to record side effect", "status", status, "error", err)
	}
	return status
}

func callHook(ctx context.Context, hook SideEffectFunc, in SideEffectInput) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("side effect panicked: %v", p)
		}
	}()
	return hook(ctx, in)
}

type settlementEvent struct {
	EventType        string            `json:"event_type"`
	GroupReference   string            `json:"group_reference"`
	SubjectID        string            `json:"subject_id"`
	Purpose          string            `json:"purpose"`
	State            models.GroupState `json:"state"`
	GrandTotal       decimal.Decimal   `json:"grand_total"`
	InstrumentAmount decimal.Decimal   `json:"instrument_amount"`
	ExternalAmount   decimal.Decimal   `json:"external_amount"`
	OccurredAt       string            `json:"occurred_at"`
}

func (s *settlementService) publish(ctx context.Context, g *models.SettlementGroup) {
	if s.events == nil {
		return
	}
	event := settlementEvent{
		EventType:        "settlement." + string(g.State),
		GroupReference:   g.Reference,
		SubjectID:        g.SubjectID,
		Purpose:          g.Purpose,
		State:            g.State,
		GrandTotal:       g.GrandTotal,
		InstrumentAmount: g.InstrumentAmount,
		ExternalAmount:   g.ExternalAmount,
		OccurredAt:       s.now().UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to marshal settlement event", "group_reference", g.Reference, "error", err)
		return
	}
	if err := s.events.Send(context.WithoutCancel(ctx), s.eventsTopic, g.Reference, body); err != nil {
		slog.Error("failed to publish settlement event", "group_reference", g.Reference, "error", err)
	}
}

func resultCacheKey(groupRef string) string {
	return "settlement:result:" + groupRef
}

func (s *settlementService) cachedResult(ctx context.Context, groupRef string) (*FinalizeResult, bool) {
	if s.cache == nil {
		return nil, false
	}
	raw, err := s.cache.Get(ctx, resultCacheKey(groupRef))
	if err != nil {
		if !stderrors.Is(err, redis.ErrKeyNotFound) {
			slog.Warn("result cache unavailable", "group_reference", groupRef, "error", err)
		}
		return nil, false
	}
	var res FinalizeResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, false
	}
	// Side-effect status can still move after settlement; only money state is cached.
	if res.State == models.GroupSettled && res.SideEffectStatus != models.SideEffectDone {
		return nil, false
	}
	res.AlreadyFinalized = true
	return &res, true
}

func (s *settlementService) cacheResult(ctx context.Context, res *FinalizeResult) {
	if s.cache == nil || !res.State.IsTerminal() {
		return
	}
	body, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, resultCacheKey(res.GroupReference), string(body), resultCacheTTL); err != nil {
		slog.Warn("failed to cache settlement result", "group_reference", res.GroupReference, "error", err)
	}
}

func (s *settlementService) forgetResult(ctx context.Context, groupRef string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, resultCacheKey(groupRef)); err != nil {
		slog.Warn("failed to drop cached settlement result", "group_reference", groupRef, "error", err)
	}
}

func resultOf(g *models.SettlementGroup, already bool) *FinalizeResult {
	return &FinalizeResult{
		GroupReference:    g.Reference,
		ExternalReference: g.ExternalReference,
		State:             g.State,
		SideEffectStatus:  g.SideEffectStatus,
		AlreadyFinalized:  already,
	}
}

// pendingResult reports an open group; state is awaiting_external after a
// released claim and finalizing while another caller holds it.
func pendingResult(g *models.SettlementGroup, state models.GroupState) *FinalizeResult {
	return &FinalizeResult{
		GroupReference:    g.Reference,
		ExternalReference: g.ExternalReference,
		State:             state,
		SideEffectStatus:  g.SideEffectStatus,
		RetryLater:        true,
	}
}
