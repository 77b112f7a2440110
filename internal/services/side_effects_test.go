package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishingSideEffect(t *testing.T) {
	events := &capturedEvents{}
	hook := PublishingSideEffect(events, "subscriptions")

	err := hook(context.Background(), SideEffectInput{
		GroupReference: "grp-1",
		SubjectID:      "user-1",
		Purpose:        "subscription-purchase",
		TotalAmount:    decimal.RequireFromString("100.00"),
		Metadata:       map[string]string{"plan": "pro"},
	})
	require.NoError(t, err)

	require.Len(t, events.bodies, 1)
	assert.Equal(t, "subscriptions", events.topics[0])
	var msg sideEffectMessage
	require.NoError(t, json.Unmarshal(events.bodies[0], &msg))
	assert.Equal(t, "user-1", msg.SubjectID)
	assert.Equal(t, "pro", msg.Metadata["plan"])
	assert.True(t, msg.TotalAmount.Equal(decimal.NewFromInt(100)))
}
