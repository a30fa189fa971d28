package entitlements

import (
	"encoding/json"
	"strconv"
	"strings"
)

// PlanTableVersion identifies the static plan table below. Bump it whenever
// features or limits change.
const PlanTableVersion = "2025-01"

type Plan string

const (
	PlanFree       Plan = "free"
	PlanStandard   Plan = "standard"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

type Feature string

const (
	FeatureReservations         Feature = "reservations"
	FeatureCustomerManagement   Feature = "customer_management"
	FeatureMenuManagement       Feature = "menu_management"
	FeatureAIReply              Feature = "ai_reply"
	FeatureLineIntegration      Feature = "line_integration"
	FeatureInstagramIntegration Feature = "instagram_integration"
	FeatureEmailCampaigns       Feature = "email_campaigns"
	FeatureBulkMessaging        Feature = "bulk_messaging"
	FeatureCSVExport            Feature = "csv_export"
	FeatureAnalytics            Feature = "analytics"
	FeatureAPIAccess            Feature = "api_access"
	FeatureCustomBranding       Feature = "custom_branding"
	FeaturePrioritySupport      Feature = "priority_support"
)

type LimitKey string

const (
	LimitMaxStaff          LimitKey = "maxStaff"
	LimitMaxCustomers      LimitKey = "maxCustomers"
	LimitMaxReservations   LimitKey = "maxReservations"
	LimitMaxAIReplies      LimitKey = "maxAIReplies"
	LimitMaxExports        LimitKey = "maxExports"
	LimitMaxBulkMessages   LimitKey = "maxBulkMessages"
	LimitMaxStorageGB      LimitKey = "maxStorageGB"
	LimitMaxAPICallsPerDay LimitKey = "maxAPICallsPerDay"
)

// LimitKeys lists every key a plan must define.
var LimitKeys = []LimitKey{
	LimitMaxStaff, LimitMaxCustomers, LimitMaxReservations, LimitMaxAIReplies,
	LimitMaxExports, LimitMaxBulkMessages, LimitMaxStorageGB, LimitMaxAPICallsPerDay,
}

// Limit is either unlimited or a finite ceiling. The zero value is a limit
// of zero, which allows nothing.
type Limit struct {
	n         int64
	unlimited bool
}

func Unlimited() Limit { return Limit{unlimited: true} }
func Limited(n int64) Limit { return Limit{n: n} }
func (l Limit) IsUnlimited() bool { return l.unlimited }

// Value returns the ceiling; ok is false for unlimited.
func (l Limit) Value() (n int64, ok bool) {
	return l.n, !l.unlimited
}

// Allows reports whether projected stays under the limit.
func (l Limit) Allows(projected int64) bool {
	if l.unlimited {
		return true
	}
	return projected < l.n
}

func (l Limit) String() string {
	if l.unlimited {
		return "unlimited"
	}
	return strconv.FormatInt(l.n, 10)
}

func (l Limit) MarshalJSON() ([]byte, error) {
	if l.unlimited {
		return json.Marshal("unlimited")
	}
	return json.Marshal(l.n)
}

type PlanConfig struct {
	Plan     Plan
	Name     string
	Rank     int
	Features map[Feature]struct{}
	Limits   map[LimitKey]Limit
}

func (p PlanConfig) HasFeature(f Feature) bool {
	_, ok := p.Features[f]
	return ok
}

func (p PlanConfig) Limit(key LimitKey) (Limit, bool) {
	l, ok := p.Limits[key]
	return l, ok
}

func features(fs ...Feature) map[Feature]struct{} {
	out := make(map[Feature]struct{}, len(fs))
	for _, f := range fs {
		out[f] = struct{}{}
	}
	return out
}

var (
	freeFeatures     = []Feature{FeatureReservations, FeatureCustomerManagement, FeatureMenuManagement}
	standardFeatures = append(append([]Feature{}, freeFeatures...),
		FeatureAIReply, FeatureLineIntegration, FeatureEmailCampaigns, FeatureCSVExport)
	proFeatures = append(append([]Feature{}, standardFeatures...),
		FeatureInstagramIntegration, FeatureBulkMessaging, FeatureAnalytics)
	enterpriseFeatures = append(append([]Feature{}, proFeatures...),
		FeatureAPIAccess, FeatureCustomBranding, FeaturePrioritySupport)
)

var planTable = map[Plan]PlanConfig{
	PlanFree: {
		Plan: PlanFree, Name: "Free", Rank: 0,
		Features: features(freeFeatures...),
		Limits: map[LimitKey]Limit{
			LimitMaxStaff:          Limited(1),
			LimitMaxCustomers:      Limited(100),
			LimitMaxReservations:   Limited(50),
			LimitMaxAIReplies:      Limited(0),
			LimitMaxExports:        Limited(0),
			LimitMaxBulkMessages:   Limited(0),
			LimitMaxStorageGB:      Limited(1),
			LimitMaxAPICallsPerDay: Limited(0),
		},
	},
	PlanStandard: {
		Plan: PlanStandard, Name: "Standard", Rank: 1,
		Features: features(standardFeatures...),
		Limits: map[LimitKey]Limit{
			LimitMaxStaff:          Limited(5),
			LimitMaxCustomers:      Limited(1000),
			LimitMaxReservations:   Limited(500),
			LimitMaxAIReplies:      Limited(200),
			LimitMaxExports:        Limited(10),
			LimitMaxBulkMessages:   Limited(0),
			LimitMaxStorageGB:      Limited(10),
			LimitMaxAPICallsPerDay: Limited(0),
		},
	},
	PlanPro: {
		Plan: PlanPro, Name: "Pro", Rank: 2,
		Features: features(proFeatures...),
		Limits: map[LimitKey]Limit{
			LimitMaxStaff:          Limited(20),
			LimitMaxCustomers:      Limited(10000),
			LimitMaxReservations:   Unlimited(),
			LimitMaxAIReplies:      Limited(2000),
			LimitMaxExports:        Limited(100),
			LimitMaxBulkMessages:   Limited(5000),
			LimitMaxStorageGB:      Limited(50),
			LimitMaxAPICallsPerDay: Limited(1000),
		},
	},
	PlanEnterprise: {
		Plan: PlanEnterprise, Name: "Enterprise", Rank: 3,
		Features: features(enterpriseFeatures...),
		Limits: map[LimitKey]Limit{
			LimitMaxStaff:          Unlimited(),
			LimitMaxCustomers:      Unlimited(),
			LimitMaxReservations:   Unlimited(),
			LimitMaxAIReplies:      Unlimited(),
			LimitMaxExports:        Unlimited(),
			LimitMaxBulkMessages:   Unlimited(),
			LimitMaxStorageGB:      Limited(500),
			LimitMaxAPICallsPerDay: Limited(100000),
		},
	},
}

// NormalizePlan lower-cases and trims a stored plan value.
func NormalizePlan(raw string) Plan {
	return Plan(strings.ToLower(strings.TrimSpace(raw)))
}

// LookupPlan returns the configuration of a plan type.
func LookupPlan(raw string) (PlanConfig, bool) {
	p, ok := planTable[NormalizePlan(raw)]
	return p, ok
}

// IsPaid reports whether raw names a known plan that is billed.
func IsPaid(raw string) bool {
	p, ok := LookupPlan(raw)
	return ok && p.Plan != PlanFree
}

// PaidPlanOrder lists paid plan types from the lowest to the highest tier.
func PaidPlanOrder() []string {
	return []string{string(PlanStandard), string(PlanPro), string(PlanEnterprise)}
}
