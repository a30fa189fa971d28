package provider

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"
)

// PlanTable maps internal plan types to one network's plan or price ids.
type PlanTable struct {
	refs  map[string]string
	tiers []string
}

// NewPlanTable builds a table. tiers lists the paid plan types from the
// lowest to the highest tier.
func NewPlanTable(refs map[string]string, tiers []string) PlanTable {
	clean := make(map[string]string, len(refs))
	for k, v := range refs {
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.TrimSpace(v)
		if k != "" && v != "" {
			clean[k] = v
		}
	}
	return PlanTable{refs: clean, tiers: tiers}
}

// Resolve maps a plan type to the provider reference. Unknown plan types
// fall back to the lowest paid tier. A known tier without a mapping is a
// configuration error, never a silent switch to another tier's price.
func (t PlanTable) Resolve(planID string) (string, error) {
	planID = strings.ToLower(strings.TrimSpace(planID))
	if ref, ok := t.refs[planID]; ok {
		return ref, nil
	}
	if t.isTier(planID) {
		return "", fmt.Errorf("%w: no provider plan mapped for %q", ErrNotConfigured, planID)
	}
	if len(t.tiers) > 0 {
		if ref, ok := t.refs[t.tiers[0]]; ok {
			log.Warnf("[Billing] unknown plan %q, falling back to %q", planID, t.tiers[0])
			return ref, nil
		}
	}
	return "", fmt.Errorf("%w: no provider plan mapped for %q", ErrNotConfigured, planID)
}

func (t PlanTable) isTier(planID string) bool {
	for _, tier := range t.tiers {
		if tier == planID {
			return true
		}
	}
	return false
}
