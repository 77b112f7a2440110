package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSettlementGroup_ClaimActive(t *testing.T) {
	now := time.Now()
	later := now.Add(time.Minute)
	earlier := now.Add(-time.Minute)

	tests := []struct {
		name  string
		group SettlementGroup
		want  bool
	}{
		{"held", SettlementGroup{State: GroupFinalizing, ClaimExpiresAt: &later}, true},
		{"lease expired", SettlementGroup{State: GroupFinalizing, ClaimExpiresAt: &earlier}, false},
		{"no lease", SettlementGroup{State: GroupFinalizing}, false},
		{"released", SettlementGroup{State: GroupAwaitingExternal, ClaimExpiresAt: &later}, false},
		{"settled", SettlementGroup{State: GroupSettled}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.group.ClaimActive(now))
		})
	}
}
