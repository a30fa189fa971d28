package billing

import "context"

// PlanLookup reads the plan a tenant is entitled to from its billing
// settings. Tenants without settings are reported as not found.
type PlanLookup struct {
	repo Repository
}

func NewPlanLookup(repo Repository) *PlanLookup {
	return &PlanLookup{repo: repo}
}

func (l *PlanLookup) TenantPlan(ctx context.Context, tenantID string) (string, error) {
	s, err := l.repo.GetTenantSetting(ctx, tenantID)
	if err != nil {
		return "", err
	}
	return s.Plan, nil
}
