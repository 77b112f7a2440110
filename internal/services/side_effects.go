package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

type sideEffectMessage struct {
	GroupReference string            `json:"group_reference"`
	SubjectID      string            `json:"subject_id"`
	Purpose        string            `json:"purpose"`
	TotalAmount    decimal.Decimal   `json:"total_amount"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// PublishingSideEffect hands the settled purchase to a downstream consumer
// (e.g. the subscription service) over topic. The send error fails the side
// effect so it can be retried.
func PublishingSideEffect(p EventPublisher, topic string) SideEffectFunc {
	return func(ctx context.Context, in SideEffectInput) error {
		body, err := json.Marshal(sideEffectMessage{
			GroupReference: in.GroupReference,
			SubjectID:      in.SubjectID,
			Purpose:        in.Purpose,
			TotalAmount:    in.TotalAmount,
			Metadata:       in.Metadata,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal side effect: %w", err)
		}
		if err := p.Send(ctx, topic, in.GroupReference, body); err != nil {
			return fmt.Errorf("failed to publish side effect: %w", err)
		}
		return nil
	}
}
