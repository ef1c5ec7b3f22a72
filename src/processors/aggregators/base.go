package aggregators

import (
	"strings"

	"github.com/square-key-labs/twilio-voice-agent/src/frames"
	"github.com/square-key-labs/twilio-voice-agent/src/processors"
	"github.com/square-key-labs/twilio-voice-agent/src/services"
)

// LLMContextAggregator is the shared base for the user and assistant
// aggregators. It accumulates text fragments for one conversation turn and
// commits them to the LLM context.
type LLMContextAggregator struct {
	*processors.BaseProcessor

	context     *services.LLMContext
	role        string // "user" or "assistant"
	aggregation []string
	addSpaces   bool
}

func NewLLMContextAggregator(name string, context *services.LLMContext, role string, handler processors.ProcessHandler) *LLMContextAggregator {
	agg := &LLMContextAggregator{
		context:     context,
		role:        role,
		aggregation: make([]string, 0),
		addSpaces:   true,
	}
	agg.BaseProcessor = processors.NewBaseProcessor(name, handler)
	return agg
}

// Reset clears the accumulated text for the next turn.
func (a *LLMContextAggregator) Reset() error {
	a.aggregation = make([]string, 0)
	return nil
}

// AggregationString joins the accumulated fragments.
func (a *LLMContextAggregator) AggregationString() string {
	if len(a.aggregation) == 0 {
		return ""
	}
	sep := ""
	if a.addSpaces {
		sep = " "
	}
	return strings.Join(a.aggregation, sep)
}

// AppendToAggregation adds one text fragment to the current turn.
func (a *LLMContextAggregator) AppendToAggregation(text string) {
	a.aggregation = append(a.aggregation, text)
}

// PushContextFrame sends the shared context to the LLM service.
func (a *LLMContextAggregator) PushContextFrame(direction frames.FrameDirection) error {
	return a.PushFrame(frames.NewLLMContextFrame(a.context), direction)
}

// GetContext returns the shared conversation context.
func (a *LLMContextAggregator) GetContext() *services.LLMContext {
	return a.context
}

// GetRole returns the role this aggregator writes as.
func (a *LLMContextAggregator) GetRole() string {
	return a.role
}

// SetAddSpaces controls whether fragments are joined with spaces.
func (a *LLMContextAggregator) SetAddSpaces(addSpaces bool) {
	a.addSpaces = addSpaces
}
