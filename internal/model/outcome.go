package model

// Outcome is the result of processing one event.
type Outcome string

const (
	// OutcomeNew means the claim insert succeeded and business effects
	// were applied in the same transaction.
	OutcomeNew Outcome = "new"
	// OutcomeDuplicate means the claim hit the uniqueness constraint:
	// the event was already processed on an earlier delivery.
	OutcomeDuplicate Outcome = "duplicate"
)

func (o Outcome) String() string { return string(o) }
