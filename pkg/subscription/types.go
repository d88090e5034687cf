package subscription

// Status is the lifecycle state of a subscription record.
type Status string

const (
	StatusActive    Status = "active"
	StatusTrial     Status = "trial"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusTrial, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Entitled reports whether s belongs to the active class: the holder is
// currently paying for or trialling the plan.
func (s Status) Entitled() bool {
	return s == StatusActive || s == StatusTrial
}

// Provider identifies an upstream AI API a generation may be routed to.
type Provider string

const (
	ProviderGemini  Provider = "gemini"
	ProviderMistral Provider = "mistral"
	ProviderOpenAI  Provider = "openai"
	ProviderClaude  Provider = "claude"

	// ProviderAll in a plan's provider set grants every provider.
	ProviderAll Provider = "all"
)

// Unlimited disables a quota window.
const Unlimited int64 = -1
