package flow

// Keys used inside TempData by the context specializations.
const (
	stepKey         = "step"
	fieldsKey       = "fields"
	confirmationKey = "confirmation"
)

// Sequential specializes Context for step-counter flows (question 1 of N,
// document 2 of 3). The counter lives in the session scratchpad under
// stepKey and survives reloads.
type Sequential struct {
	*Context
}

// NewSequential wraps a base context.
func NewSequential(c *Context) *Sequential {
	return &Sequential{Context: c}
}

// Step returns the current step counter, 0 when unset.
func (s *Sequential) Step() int {
	data, err := s.Data()
	if err != nil {
		return 0
	}
	// JSON round-trips numbers as float64.
	if v, ok := data[stepKey].(float64); ok {
		return int(v)
	}
	return 0
}

// AdvanceStep increments the step counter and commits, merging extra into
// the scratchpad. extra may be nil.
func (s *Sequential) AdvanceStep(extra map[string]any) error {
	return s.commitStep(s.Step()+1, extra)
}

// RetreatStep decrements the step counter (never below zero) and commits.
func (s *Sequential) RetreatStep() error {
	step := s.Step() - 1
	if step < 0 {
		step = 0
	}
	return s.commitStep(step, nil)
}

// Complete finishes the flow, committing FINALIZADO.
func (s *Sequential) Complete() error {
	return s.Finalize()
}

// Abort cancels the flow, committing CANCELADO.
func (s *Sequential) Abort() error {
	return s.Cancel()
}

func (s *Sequential) commitStep(step int, extra map[string]any) error {
	data, err := s.Data()
	if err != nil {
		return err
	}
	for k, v := range extra {
		data[k] = v
	}
	data[stepKey] = step
	return s.UpdateData(data)
}
