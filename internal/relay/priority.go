package relay

import "strings"

// Priority weights a request or job for dispatch ordering. Higher numbers
// always win; ties break on enqueue time. The same scale is used by the
// retry queue and the tenant rate pool.
type Priority int

const (
	PriorityBackground Priority = 10
	PriorityLow        Priority = 25
	PriorityMedium     Priority = 50
	PriorityHigh       Priority = 75
	PriorityCritical   Priority = 100
)

// String returns the priority class name.
func (p Priority) String() string {
	switch {
	case p >= PriorityCritical:
		return "critical"
	case p >= PriorityHigh:
		return "high"
	case p >= PriorityMedium:
		return "medium"
	case p >= PriorityLow:
		return "low"
	default:
		return "background"
	}
}

// criticalResources are the revenue path: a delayed order or checkout event
// is a customer-visible failure, so these always dispatch first.
var criticalResources = map[string]bool{
	"orders":       true,
	"checkouts":    true,
	"fulfillments": true,
}

// highResources keep store state consistent.
var highResources = map[string]bool{
	"products":         true,
	"inventory_levels": true,
	"inventory":        true,
	"customers":        true,
	"carts":            true,
}

// mediumResources are bulk and collection-shaped work.
var mediumResources = map[string]bool{
	"collections":     true,
	"bulk_operations": true,
}

// TopicPriority maps a webhook topic ("resource/event") to its priority
// class. Unknown resources are low priority. An overrides table, typically
// loaded from configuration, takes precedence over the built-in classes.
func TopicPriority(topic string, overrides map[string]Priority) Priority {
	if p, ok := overrides[topic]; ok {
		return p
	}
	resource, _, _ := strings.Cut(topic, "/")
	switch {
	case criticalResources[resource]:
		return PriorityCritical
	case highResources[resource]:
		return PriorityHigh
	case mediumResources[resource]:
		return PriorityMedium
	default:
		return PriorityLow
	}
}
