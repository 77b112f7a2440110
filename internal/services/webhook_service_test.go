package service

import (
	"context"
	"testing"
	"time"

	"github.com/honeynil/split-settlement/internal/gateway"
	"github.com/honeynil/split-settlement/internal/models"
	pkgerrors "github.com/honeynil/split-settlement/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestWebhookReceiver_Handle(t *testing.T) {
	payload := []byte(`{"event":"charge.success","data":{"reference":"ext-1"}}`)

	t.Run("InvalidSignatureNeverReachesFinalize", func(t *testing.T) {
		f := newFixture(t)
		f.gw.On("CheckSignature", payload, "forged").Return(false).Once()
		receiver := NewWebhookReceiver(f.gw, f.svc)

		err := receiver.Handle(context.Background(), payload, "forged")
		assert.ErrorIs(t, err, pkgerrors.ErrSignatureInvalid)
		f.gw.AssertNotCalled(t, "ParseEvent", mock.Anything)
		f.gw.AssertNotCalled(t, "Verify", mock.Anything, mock.Anything)
	})

	t.Run("RedeliveryAndCompleteConverge", func(t *testing.T) {
		f := newFixture(t)
		begin := beginScenarioB(t, f)
		f.gw.On("CheckSignature", payload, "good").Return(true)
		f.gw.On("ParseEvent", payload).Return(&gateway.Event{Type: "charge.success", Reference: "ext-1"}, nil)
		f.gw.On("Verify", mock.Anything, "ext-1").
			Return(&gateway.VerifyResult{Status: gateway.StatusSuccess, AmountPaid: decimal.NewFromInt(75)}, nil).Once()
		receiver := NewWebhookReceiver(f.gw, f.svc)

		require.NoError(t, receiver.Handle(context.Background(), payload, "good"))
		require.NoError(t, receiver.Handle(context.Background(), payload, "good"))

		res, err := f.svc.Complete(context.Background(), begin.GroupReference)
		require.NoError(t, err)
		assert.Equal(t, models.GroupSettled, res.State)
		assert.True(t, res.AlreadyFinalized)
		assert.Equal(t, int32(1), f.hookCalls.Load())
		assert.Len(t, f.legs(t, begin.GroupReference), 3)
	})

	t.Run("UnknownReferenceIsReported", func(t *testing.T) {
		f := newFixture(t)
		f.gw.On("CheckSignature", payload, "good").Return(true)
		f.gw.On("ParseEvent", payload).Return(&gateway.Event{Reference: "ghost"}, nil)
		receiver := NewWebhookReceiver(f.gw, f.svc)

		err := receiver.Handle(context.Background(), payload, "good")
		assert.ErrorIs(t, err, pkgerrors.ErrTransactionNotFound)
	})
}

func TestSweeper_SweepOnce(t *testing.T) {
	f := newFixture(t)
	begin := beginScenarioB(t, f)
	f.gw.On("Verify", mock.Anything, "ext-1").
		Return(&gateway.VerifyResult{Status: gateway.StatusFailed}, nil).Once()

	lock := newFakeCache()
	sweeper := NewSweeper(f.store.Groups(), f.svc, lock, time.Minute, 15*time.Minute)

	n, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "fresh groups are left alone")

	require.NoError(t, lock.Del(context.Background(), sweepLockKey))
	sweeper.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err = sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	view, err := f.svc.GetSettlement(context.Background(), begin.GroupReference)
	require.NoError(t, err)
	assert.Equal(t, models.GroupRolledBack, view.Group.State)

	n, err = sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "lock held by the previous sweep")
}
