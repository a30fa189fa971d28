// Package lifecycle is the subscription state machine. It is pure: it
// computes the next state and the side effects the caller must apply.
package lifecycle

type Status string

const (
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
	StatusUnpaid   Status = "unpaid"
)

// Occupying reports whether a subscription in this state holds the tenant's
// single active slot.
func (s Status) Occupying() bool {
	return s == StatusTrialing || s == StatusActive || s == StatusPastDue
}

// OccupyingStatuses lists the states that hold the active slot.
func OccupyingStatuses() []string {
	return []string{string(StatusTrialing), string(StatusActive), string(StatusPastDue)}
}

type Trigger string

const (
	TriggerChargeSucceeded       Trigger = "charge_succeeded"
	TriggerChargeFailed          Trigger = "charge_failed"
	TriggerRetriesExhausted      Trigger = "retries_exhausted"
	TriggerCancellationRequested Trigger = "cancellation_requested"
	TriggerCancellationConfirmed Trigger = "cancellation_confirmed"
)

type Effect string

const (
	EffectGrantPlan      Effect = "grant_plan"
	EffectRevokePlan     Effect = "revoke_plan"
	EffectScheduleCancel Effect = "schedule_cancel"
)

// Outcome of a transition. Applied is false for undefined transitions, in
// which case To equals From and there are no effects.
type Outcome struct {
	From    Status
	To      Status
	Effects []Effect
	Applied bool
}

func (o Outcome) Has(e Effect) bool {
	for _, eff := range o.Effects {
		if eff == e {
			return true
		}
	}
	return false
}

type edge struct {
	from    Status
	trigger Trigger
}

type target struct {
	to      Status
	effects []Effect
}

var edges = map[edge]target{
	{StatusTrialing, TriggerChargeSucceeded}: {StatusActive, []Effect{EffectGrantPlan}},
	// renewal on an active subscription only refreshes the period
	{StatusActive, TriggerChargeSucceeded}:   {StatusActive, nil},
	{StatusActive, TriggerChargeFailed}:      {StatusPastDue, nil},
	{StatusPastDue, TriggerChargeSucceeded}:  {StatusActive, []Effect{EffectGrantPlan}},
	{StatusPastDue, TriggerRetriesExhausted}: {StatusUnpaid, []Effect{EffectRevokePlan}},
}

// Transition computes the effect of trigger on a subscription in state from.
func Transition(from Status, trigger Trigger) Outcome {
	switch trigger {
	case TriggerCancellationRequested:
		if from == StatusCanceled || from == StatusUnpaid {
			return Outcome{From: from, To: from}
		}
		return Outcome{From: from, To: from, Effects: []Effect{EffectScheduleCancel}, Applied: true}
	case TriggerCancellationConfirmed:
		if from == StatusCanceled {
			return Outcome{From: from, To: from}
		}
		return Outcome{From: from, To: StatusCanceled, Effects: []Effect{EffectRevokePlan}, Applied: true}
	}

	t, ok := edges[edge{from, trigger}]
	if !ok {
		return Outcome{From: from, To: from}
	}
	return Outcome{From: from, To: t.to, Effects: append([]Effect(nil), t.effects...), Applied: true}
}
