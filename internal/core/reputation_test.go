package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeReputation(t *testing.T) {
	tests := []struct {
		name                       string
		sent, opened, replied, spam int
		want                       int
		ok                         bool
	}{
		{name: "no volume", ok: false},
		{name: "perfect", sent: 10, opened: 10, replied: 10, want: 100, ok: true},
		{name: "silent but clean", sent: 10, want: 20, ok: true},
		{name: "mixed", sent: 10, opened: 5, replied: 2, spam: 1, want: 49, ok: true},
		{name: "all spam", sent: 10, spam: 10, want: 0, ok: true},
		{name: "spam count above sends", sent: 10, spam: 30, want: 0, ok: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ComputeReputation(tt.sent, tt.opened, tt.replied, tt.spam)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestComputeReputationStaysInRange(t *testing.T) {
	for sent := 1; sent <= 12; sent++ {
		for opened := 0; opened <= sent; opened++ {
			for spam := 0; spam <= sent*2; spam++ {
				got, ok := ComputeReputation(sent, opened, opened/2, spam)
				assert.True(t, ok)
				assert.GreaterOrEqual(t, got, 0)
				assert.LessOrEqual(t, got, 100)
			}
		}
	}
}
