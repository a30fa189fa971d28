package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransition_DefinedEdges(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		trigger Trigger
		to      Status
		effects []Effect
	}{
		{"trial converts on first charge", StatusTrialing, TriggerChargeSucceeded, StatusActive, []Effect{EffectGrantPlan}},
		{"renewal keeps active", StatusActive, TriggerChargeSucceeded, StatusActive, nil},
		{"failed renewal goes past due", StatusActive, TriggerChargeFailed, StatusPastDue, nil},
		{"recovered payment reactivates", StatusPastDue, TriggerChargeSucceeded, StatusActive, []Effect{EffectGrantPlan}},
		{"exhausted retries mark unpaid", StatusPastDue, TriggerRetriesExhausted, StatusUnpaid, []Effect{EffectRevokePlan}},
		{"cancel request on active schedules", StatusActive, TriggerCancellationRequested, StatusActive, []Effect{EffectScheduleCancel}},
		{"cancel request on trial schedules", StatusTrialing, TriggerCancellationRequested, StatusTrialing, []Effect{EffectScheduleCancel}},
		{"confirmed cancel from active", StatusActive, TriggerCancellationConfirmed, StatusCanceled, []Effect{EffectRevokePlan}},
		{"confirmed cancel from past due", StatusPastDue, TriggerCancellationConfirmed, StatusCanceled, []Effect{EffectRevokePlan}},
		{"confirmed cancel from unpaid", StatusUnpaid, TriggerCancellationConfirmed, StatusCanceled, []Effect{EffectRevokePlan}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Transition(tt.from, tt.trigger)
			assert.True(t, out.Applied)
			assert.Equal(t, tt.from, out.From)
			assert.Equal(t, tt.to, out.To)
			assert.ElementsMatch(t, tt.effects, out.Effects)
		})
	}
}

func TestTransition_UndefinedIsNoOp(t *testing.T) {
	tests := []struct {
		from    Status
		trigger Trigger
	}{
		{StatusCanceled, TriggerChargeSucceeded},
		{StatusCanceled, TriggerChargeFailed},
		{StatusCanceled, TriggerCancellationConfirmed},
		{StatusCanceled, TriggerCancellationRequested},
		{StatusTrialing, TriggerRetriesExhausted},
		{StatusActive, TriggerRetriesExhausted},
		{StatusUnpaid, TriggerChargeSucceeded},
		{StatusUnpaid, TriggerChargeFailed},
		{StatusPastDue, TriggerChargeFailed},
		{StatusTrialing, TriggerChargeFailed},
	}

	for _, tt := range tests {
		out := Transition(tt.from, tt.trigger)
		assert.False(t, out.Applied, "%s + %s", tt.from, tt.trigger)
		assert.Equal(t, tt.from, out.To)
		assert.Empty(t, out.Effects)
	}
}

func TestStatus_Occupying(t *testing.T) {
	assert.True(t, StatusTrialing.Occupying())
	assert.True(t, StatusActive.Occupying())
	assert.True(t, StatusPastDue.Occupying())
	assert.False(t, StatusCanceled.Occupying())
	assert.False(t, StatusUnpaid.Occupying())
}
