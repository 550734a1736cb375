package context

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/haasonsaas/conductor/pkg/models"
)

// estimatorWindow is how many trailing messages the fallback estimator
// counts when the provider reports no usage.
const estimatorWindow = 10

// BudgetWarnFraction is the spent fraction at which the single
// budget_warning fires.
const BudgetWarnFraction = 0.8

// TokenEstimator counts tokens for budget and compaction decisions. It
// prefers a real tokenizer and falls back to a chars/4 heuristic when the
// encoding is unavailable.
type TokenEstimator struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewTokenEstimator creates a lazy estimator.
func NewTokenEstimator() *TokenEstimator {
	return &TokenEstimator{}
}

func (e *TokenEstimator) encoding() *tiktoken.Tiktoken {
	e.once.Do(func() {
		if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			e.enc = enc
		}
	})
	return e.enc
}

// CountText estimates tokens in a string.
func (e *TokenEstimator) CountText(s string) int {
	if s == "" {
		return 0
	}
	if enc := e.encoding(); enc != nil {
		return len(enc.Encode(s, nil, nil))
	}
	return (len(s) + 3) / 4
}

// CountMessage estimates tokens in one history message, including tool
// payloads and a small per-message overhead.
func (e *TokenEstimator) CountMessage(msg *models.Message) int {
	if msg == nil {
		return 0
	}
	total := 4
	total += e.CountText(msg.Content)
	total += e.CountText(msg.Thinking)
	for _, part := range msg.Parts {
		if part.Kind == models.ContentText {
			total += e.CountText(part.Text)
		} else {
			// Images are billed by the provider; approximate.
			total += 1000
		}
	}
	for _, call := range msg.ToolCalls {
		total += e.CountText(call.Name)
		for _, v := range call.Arguments {
			if s, ok := v.(string); ok {
				total += e.CountText(s)
			}
		}
	}
	for _, result := range msg.ToolResults {
		total += e.CountText(result.Output)
		total += e.CountText(result.Error)
	}
	return total
}

// CountHistory estimates tokens across a message slice.
func (e *TokenEstimator) CountHistory(history []*models.Message) int {
	total := 0
	for _, msg := range history {
		total += e.CountMessage(msg)
	}
	return total
}

// TokenAccountant accumulates run token usage and tracks the budget.
type TokenAccountant struct {
	mu sync.Mutex

	estimator *TokenEstimator

	inputTokens  int
	outputTokens int

	// budget is the total token allowance; zero means unlimited.
	budget int
	warned bool
}

// NewTokenAccountant creates an accountant with an optional budget.
func NewTokenAccountant(estimator *TokenEstimator, budget int) *TokenAccountant {
	if estimator == nil {
		estimator = NewTokenEstimator()
	}
	return &TokenAccountant{estimator: estimator, budget: budget}
}

// Record accumulates one inference's usage. When the provider reported no
// counts, the estimator runs over the last messages of history. Returns the
// amounts actually recorded.
func (a *TokenAccountant) Record(providerInput, providerOutput int, history []*models.Message, outputText string) (int, int) {
	input, output := providerInput, providerOutput
	if input <= 0 {
		tail := history
		if len(tail) > estimatorWindow {
			tail = tail[len(tail)-estimatorWindow:]
		}
		input = a.estimator.CountHistory(tail)
	}
	if output <= 0 {
		output = a.estimator.CountText(outputText)
	}

	a.mu.Lock()
	a.inputTokens += input
	a.outputTokens += output
	a.mu.Unlock()
	return input, output
}

// Totals returns accumulated input and output tokens.
func (a *TokenAccountant) Totals() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inputTokens, a.outputTokens
}

// BudgetState describes the accountant's budget verdict.
type BudgetState int

const (
	// BudgetOK means work may continue.
	BudgetOK BudgetState = iota

	// BudgetWarn means the single warning should be emitted now.
	BudgetWarn

	// BudgetExhausted means the loop must stop.
	BudgetExhausted
)

// Check evaluates the budget. BudgetWarn is returned at most once.
func (a *TokenAccountant) Check() BudgetState {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.budget <= 0 {
		return BudgetOK
	}
	spent := a.inputTokens + a.outputTokens
	if spent >= a.budget {
		return BudgetExhausted
	}
	if !a.warned && float64(spent) >= float64(a.budget)*BudgetWarnFraction {
		a.warned = true
		return BudgetWarn
	}
	return BudgetOK
}

// Spent returns total tokens consumed.
func (a *TokenAccountant) Spent() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inputTokens + a.outputTokens
}

// Budget returns the configured allowance (zero means unlimited).
func (a *TokenAccountant) Budget() int {
	return a.budget
}
