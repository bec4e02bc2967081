package interfaces

// Params carries the generation parameters accepted at the browser level.
// Nil pointer fields mean "leave the page control untouched".
type Params struct {
	Temperature     *float64
	TopP            *float64
	MaxOutputTokens *int
	StopSequences   []string

	// ReasoningEffort is the normalized reasoning_effort request field:
	// "none", "low", "medium", "high", or a non-negative integer rendered
	// as a string for budget-style models. Empty means "apply defaults".
	ReasoningEffort string

	// Feature toggles on the page.
	GoogleSearch bool
	URLContext   bool
}
