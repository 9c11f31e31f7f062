package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopicPriority(t *testing.T) {
	tests := []struct {
		topic string
		want  Priority
	}{
		{"orders/create", PriorityCritical},
		{"orders/cancelled", PriorityCritical},
		{"checkouts/update", PriorityCritical},
		{"fulfillments/create", PriorityCritical},
		{"products/update", PriorityHigh},
		{"inventory_levels/update", PriorityHigh},
		{"customers/create", PriorityHigh},
		{"carts/update", PriorityHigh},
		{"collections/create", PriorityMedium},
		{"bulk_operations/finish", PriorityMedium},
		{"misc/foo", PriorityLow},
		{"app/uninstalled", PriorityLow},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, TopicPriority(tt.topic, nil))
		})
	}
}

func TestTopicPriority_Overrides(t *testing.T) {
	overrides := map[string]Priority{
		"misc/foo":      PriorityCritical,
		"orders/create": PriorityBackground,
	}

	assert.Equal(t, PriorityCritical, TopicPriority("misc/foo", overrides))
	assert.Equal(t, PriorityBackground, TopicPriority("orders/create", overrides))
	// Untouched topics keep their built-in class.
	assert.Equal(t, PriorityHigh, TopicPriority("products/update", overrides))
}

func TestTopicPriority_Ranking(t *testing.T) {
	// Dispatch ordering scenario: simultaneous arrival should rank in this
	// exact order.
	topics := []string{"orders/create", "products/update", "collections/create", "misc/foo"}
	for i := 1; i < len(topics); i++ {
		prev := TopicPriority(topics[i-1], nil)
		cur := TopicPriority(topics[i], nil)
		assert.Greater(t, int(prev), int(cur), "%s should outrank %s", topics[i-1], topics[i])
	}
}

func TestPriorityString(t *testing.T) {
	assert.Equal(t, "critical", PriorityCritical.String())
	assert.Equal(t, "high", PriorityHigh.String())
	assert.Equal(t, "medium", PriorityMedium.String())
	assert.Equal(t, "low", PriorityLow.String())
	assert.Equal(t, "background", PriorityBackground.String())
}
