package agent

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	agentctx "github.com/haasonsaas/conductor/internal/agent/context"
	"github.com/haasonsaas/conductor/internal/hooks"
	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/pkg/models"
)

// LoopConfig configures the iteration controller.
type LoopConfig struct {
	// Model is the primary model ID.
	Model string

	// Provider is the primary provider name.
	Provider string

	// MaxIterations caps loop iterations per run. Default: 25
	MaxIterations int

	// MaxOutputTokens is the initial per-inference output budget.
	// Default: 4096
	MaxOutputTokens int

	// ContextWindow is the assumed context window for proactive compaction.
	// Parameterized because real windows vary per model. Default: 64000
	ContextWindow int

	// GoalCheckpointEvery injects a goal-reminder system message every N
	// iterations. Zero disables. Default: 5
	GoalCheckpointEvery int

	// MaxStopHookRetries bounds forced continuations from stop hooks.
	// Default: 3
	MaxStopHookRetries int

	// MaxFormatCorrections bounds format-correction retries for narrated
	// tool calls. Default: 2
	MaxFormatCorrections int

	// MaxToolResultChars compresses each stored tool-result output to this
	// length. Default: 6000
	MaxToolResultChars int

	// TokenBudget is the run's total token allowance. Zero is unlimited.
	TokenBudget int

	// PostActionThinking injects a brief reflection prompt after each tool
	// iteration.
	PostActionThinking bool
}

// DefaultLoopConfig returns the default loop configuration.
func DefaultLoopConfig() *LoopConfig {
	return &LoopConfig{
		MaxIterations:        25,
		MaxOutputTokens:      4096,
		ContextWindow:        64000,
		GoalCheckpointEvery:  5,
		MaxStopHookRetries:   3,
		MaxFormatCorrections: 2,
		MaxToolResultChars:   6000,
	}
}

func sanitizeLoopConfig(config *LoopConfig) *LoopConfig {
	if config == nil {
		config = DefaultLoopConfig()
	}
	def := DefaultLoopConfig()
	if config.MaxIterations <= 0 {
		config.MaxIterations = def.MaxIterations
	}
	if config.MaxOutputTokens <= 0 {
		config.MaxOutputTokens = def.MaxOutputTokens
	}
	if config.ContextWindow <= 0 {
		config.ContextWindow = def.ContextWindow
	}
	if config.MaxStopHookRetries <= 0 {
		config.MaxStopHookRetries = def.MaxStopHookRetries
	}
	if config.MaxFormatCorrections <= 0 {
		config.MaxFormatCorrections = def.MaxFormatCorrections
	}
	if config.MaxToolResultChars <= 0 {
		config.MaxToolResultChars = def.MaxToolResultChars
	}
	return config
}

// TodoSource reports outstanding todo items for the todo-incomplete nudge.
// Optional collaborator.
type TodoSource interface {
	Outstanding(ctx context.Context) []string
}

// CompletionChecker inspects modified files for incomplete work markers.
// Optional collaborator.
type CompletionChecker interface {
	Incomplete(ctx context.Context, files []string) []string
}

// PersistFunc stores a message durably. Optional; when nil, messages live
// only in memory.
type PersistFunc func(msg *models.Message)

// Loop is the iteration controller. One Loop instance drives one run.
type Loop struct {
	config *LoopConfig

	client    LLMClient
	registry  *ToolRegistry
	scheduler *Scheduler
	detector  *Detector
	breaker   *CircuitBreaker
	emitter   *Emitter
	controls  *RunControls
	fallback  *FallbackRouter

	promptBuilder *agentctx.PromptBuilder
	compressor    *agentctx.Compressor
	accountant    *agentctx.TokenAccountant
	estimator     *agentctx.TokenEstimator

	userHooks     *hooks.Dispatcher
	planningHooks *hooks.Dispatcher

	todos      TodoSource
	completion CompletionChecker
	persist    PersistFunc

	stats   *StatsCollector
	metrics *observability.Metrics
	tracer  *observability.Tracer
	log     *slog.Logger

	// policy holds a staged runtime-policy update, applied at the next
	// iteration boundary.
	policy atomic.Pointer[RuntimePolicy]

	runID   string
	history []*models.Message
	trace   *models.ExecutionTrace
}

// LoopDeps bundles the collaborators a Loop needs.
type LoopDeps struct {
	Client        LLMClient
	Registry      *ToolRegistry
	Executor      *Executor
	Fallback      *FallbackRouter
	PromptBuilder *agentctx.PromptBuilder
	Compressor    *agentctx.Compressor
	UserHooks     *hooks.Dispatcher
	PlanningHooks *hooks.Dispatcher
	Todos         TodoSource
	Completion    CompletionChecker
	Persist       PersistFunc
	Logger        *slog.Logger

	// Metrics receives Prometheus instrumentation. Nil disables collection.
	Metrics *observability.Metrics

	// Tracer emits OpenTelemetry spans. Nil gets a no-op tracer.
	Tracer *observability.Tracer

	// FallbackConfig and Credentials configure the router NewLoop builds
	// when Fallback is nil. Model capabilities come from Client.Models()
	// unless ModelLookup overrides them.
	FallbackConfig *FallbackConfig
	Credentials    CredentialResolver
	ModelLookup    func(model string) (ModelInfo, bool)

	// DetectorConfig and BreakerConfig override the default policies.
	DetectorConfig *DetectorConfig
	BreakerConfig  *BreakerConfig

	// History seeds the run with prior conversation, shared by reference
	// with the outer orchestrator.
	History []*models.Message
}

// NewLoop wires a loop for one run.
func NewLoop(config *LoopConfig, deps *LoopDeps) *Loop {
	config = sanitizeLoopConfig(config)
	if deps == nil {
		deps = &LoopDeps{}
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	runID := uuid.NewString()
	emitter := NewEmitter(runID)
	detector := NewDetector(deps.DetectorConfig)
	breaker := NewCircuitBreaker(deps.BreakerConfig)
	registry := deps.Registry
	if registry == nil {
		registry = NewToolRegistry()
	}
	executor := deps.Executor
	if executor == nil {
		executor = NewExecutor(registry, nil)
	}
	estimator := agentctx.NewTokenEstimator()
	compressor := deps.Compressor
	if compressor == nil {
		compressor = agentctx.NewCompressor(nil, estimator)
	}
	promptBuilder := deps.PromptBuilder
	if promptBuilder == nil {
		promptBuilder = agentctx.NewPromptBuilder(nil, nil, nil)
	}
	fallback := deps.Fallback
	if fallback == nil {
		lookup := deps.ModelLookup
		if lookup == nil && deps.Client != nil {
			lookup = modelLookup(deps.Client)
		}
		fallback = NewFallbackRouter(deps.FallbackConfig, deps.Credentials, emitter, lookup, log)
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer, _ = observability.NewTracer(observability.TraceConfig{})
	}

	l := &Loop{
		config:        config,
		client:        deps.Client,
		registry:      registry,
		detector:      detector,
		breaker:       breaker,
		emitter:       emitter,
		controls:      NewRunControls(),
		fallback:      fallback,
		promptBuilder: promptBuilder,
		compressor:    compressor,
		accountant:    agentctx.NewTokenAccountant(estimator, config.TokenBudget),
		estimator:     estimator,
		userHooks:     deps.UserHooks,
		planningHooks: deps.PlanningHooks,
		todos:         deps.Todos,
		completion:    deps.Completion,
		persist:       deps.Persist,
		stats:         NewStatsCollector(runID),
		metrics:       deps.Metrics,
		tracer:        tracer,
		log:           log.With(slog.String("run_id", runID)),
		runID:         runID,
		history:       deps.History,
		trace:         &models.ExecutionTrace{},
	}
	emitter.SetObserver(l.stats.OnEvent)
	l.scheduler = NewScheduler(registry, executor, emitter, detector, breaker,
		deps.UserHooks, deps.PlanningHooks, deps.Metrics, tracer, l.log)
	return l
}

// modelLookup adapts a client's model list to the router's lookup shape.
func modelLookup(client LLMClient) func(model string) (ModelInfo, bool) {
	return func(model string) (ModelInfo, bool) {
		for _, info := range client.Models() {
			if info.ID == model {
				return info, true
			}
		}
		return ModelInfo{}, false
	}
}

// RuntimePolicy carries the policy knobs that may change while a run is in
// flight, typically from a configuration reload. Nil sections leave the
// corresponding policy untouched.
type RuntimePolicy struct {
	Detector    *DetectorConfig
	Breaker     *BreakerConfig
	Compression *agentctx.CompressorConfig
}

// UpdatePolicy stages a policy change for the running loop. The loop applies
// it at its next iteration boundary; staging again before then replaces the
// earlier update. Safe to call from any goroutine.
func (l *Loop) UpdatePolicy(policy *RuntimePolicy) {
	l.policy.Store(policy)
}

func (l *Loop) applyPolicyUpdate() {
	policy := l.policy.Swap(nil)
	if policy == nil {
		return
	}
	if policy.Detector != nil {
		l.detector.SetConfig(policy.Detector)
	}
	if policy.Breaker != nil {
		l.breaker.SetConfig(policy.Breaker)
	}
	if policy.Compression != nil {
		l.compressor.SetConfig(policy.Compression)
	}
	l.log.Info("runtime policy updated")
}

// RunID returns the identifier of this run.
func (l *Loop) RunID() string { return l.runID }

// Controls returns the external control surface (cancel, interrupt, steer).
func (l *Loop) Controls() *RunControls { return l.controls }

// Trace returns the execution trace accumulated so far.
func (l *Loop) Trace() *models.ExecutionTrace { return l.trace }

// History returns the loop's message history.
func (l *Loop) History() []*models.Message { return l.history }

// Run starts the loop for a user message and returns the event channel.
// The channel closes after agent_complete.
func (l *Loop) Run(ctx context.Context, userMsg *models.Message) (<-chan models.AgentEvent, error) {
	if l.client == nil {
		return nil, ErrNoClient
	}
	if userMsg == nil {
		return nil, fmt.Errorf("user message is required")
	}
	if userMsg.ID == "" {
		userMsg.ID = uuid.NewString()
	}
	if userMsg.Timestamp.IsZero() {
		userMsg.Timestamp = time.Now()
	}
	userMsg.Role = models.RoleUser

	go l.run(ctx, userMsg)
	return l.emitter.Events(), nil
}

// runState is the per-run mutable record owned by the loop goroutine.
type runState struct {
	iteration int
	turnID    string
	goal      string

	maxTokens     int
	modifiedFiles map[string]bool

	stopHookRetries   int
	formatCorrections int

	readOnlyNudged   bool
	todoNudged       bool
	completionNudged bool
	goalNudged       bool

	networkRetried    bool
	overflowRetried   bool
	truncationRetried bool

	// pendingDirective is injected after the next tool results.
	pendingDirective string

	// forcedCalls carries a synthesized call from text-tool-call detection
	// into the tool branch.
	forcedCalls []models.ToolCall

	// span is the current iteration's trace span, ended by endTurn.
	span trace.Span
}

func (l *Loop) run(ctx context.Context, userMsg *models.Message) {
	started := time.Now()
	l.metrics.RunStarted()
	defer l.finish()
	defer func() { l.metrics.RunEnded(time.Since(started).Seconds()) }()

	ctx, runSpan := l.tracer.TraceRun(ctx, l.runID)
	defer runSpan.End()

	l.appendMessage(userMsg)
	if l.userHooks != nil {
		l.userHooks.Fire(ctx, hooks.UserPrompt, &hooks.Event{Prompt: userMsg.Content})
	}

	st := &runState{
		goal:          userMsg.Content,
		maxTokens:     l.config.MaxOutputTokens,
		modifiedFiles: make(map[string]bool),
	}

	for st.iteration = 1; ; st.iteration++ {
		l.applyPolicyUpdate()
		if l.checkStop(st) {
			return
		}
		if st.iteration > l.config.MaxIterations {
			l.emitError(CodeMaxIterations,
				fmt.Sprintf("stopped after %d iterations without completing", l.config.MaxIterations),
				ErrMaxIterations, false)
			return
		}
		if !l.checkBudget() {
			return
		}

		iterCtx := l.beginTurn(ctx, st)
		l.drainSteering()
		l.goalCheckpoint(st)

		resp, err := l.infer(iterCtx, st, userMsg)
		if err != nil {
			l.endTurn(st, "error")
			if l.handleInferError(iterCtx, st, err) {
				continue
			}
			return
		}
		if resp == nil {
			// Stream aborted by a control operation.
			l.endTurn(st, "steered")
			if l.controls.ConsumeReinference() {
				l.emitter.InterruptAcknowledged()
				continue
			}
			return
		}

		l.recordUsage(st, resp)

		if l.controls.ConsumeReinference() {
			l.endTurn(st, "steered")
			l.emitter.InterruptAcknowledged()
			continue
		}

		calls := resp.ToolCalls
		if len(calls) == 0 {
			verdict := l.handleTextResponse(iterCtx, st, resp)
			switch verdict {
			case textDone:
				return
			case textContinue:
				continue
			case textForceTool:
				calls = st.forcedCalls
				st.forcedCalls = nil
			}
		}

		if done := l.handleToolResponse(iterCtx, st, resp, calls); done {
			return
		}
	}
}

// checkStop handles cancellation, interruption, and a tripped breaker at
// the iteration boundary. Returns true when the loop must exit.
func (l *Loop) checkStop(st *runState) bool {
	if l.controls.IsCancelled() {
		l.log.Info("run cancelled", slog.Int("iteration", st.iteration))
		return true
	}
	if l.controls.IsInterrupted() {
		l.log.Info("run interrupted", slog.Int("iteration", st.iteration))
		return true
	}
	if l.breaker.Tripped() {
		synthetic := &models.Message{
			ID:        uuid.NewString(),
			Role:      models.RoleAssistant,
			Content:   l.breaker.UserMessage(),
			Timestamp: time.Now(),
		}
		l.appendMessage(synthetic)
		l.emitter.Message(synthetic)
		l.emitError(CodeBreakerTripped, l.breaker.UserMessage(), ErrBreakerTripped, false)
		l.breaker.Reset()
		return true
	}
	return false
}

func (l *Loop) checkBudget() bool {
	switch l.accountant.Check() {
	case agentctx.BudgetExhausted:
		msg := fmt.Sprintf("token budget of %d exhausted (%d used)", l.accountant.Budget(), l.accountant.Spent())
		l.emitter.BudgetExceeded(msg)
		l.emitError(CodeBudgetExceeded, msg, ErrBudgetExceeded, false)
		return false
	case agentctx.BudgetWarn:
		l.emitter.BudgetWarning(fmt.Sprintf("token budget %d%% used", int(agentctx.BudgetWarnFraction*100)))
	}
	return true
}

func (l *Loop) beginTurn(ctx context.Context, st *runState) context.Context {
	st.turnID = uuid.NewString()
	l.emitter.SetTurn(st.turnID, st.iteration)
	l.trace.TurnID = st.turnID
	l.trace.Iteration = st.iteration
	ctx, st.span = l.tracer.TraceIteration(ctx, st.turnID, st.iteration)
	l.emitter.TurnStart()
	l.emitter.TaskProgress(models.PhaseThinking)
	return ctx
}

// endTurn closes the iteration: turn_end event, iteration metrics, and the
// iteration span.
func (l *Loop) endTurn(st *runState, outcome string) {
	l.emitter.TurnEnd()
	l.metrics.RecordIteration(outcome)
	if st.span != nil {
		st.span.End()
		st.span = nil
	}
}

// emitError pairs the error event with the loop's error counter.
func (l *Loop) emitError(code, message string, cause error, retriable bool) {
	l.metrics.RecordError("loop", code)
	l.emitter.Error(code, message, cause, retriable)
}

func (l *Loop) drainSteering() {
	msgs := l.controls.DrainSteering()
	for _, msg := range msgs {
		l.appendMessage(msg)
		l.emitter.Message(msg)
	}
	if len(msgs) > 0 {
		// The steering is now part of history. A leftover re-inference flag
		// from a steer that arrived between streams would only abort the
		// very inference it asked for, so clear it here.
		l.controls.ConsumeReinference()
	}
}

func (l *Loop) goalCheckpoint(st *runState) {
	every := l.config.GoalCheckpointEvery
	if every <= 0 || st.iteration == 1 || st.iteration%every != 0 {
		return
	}
	var done string
	if len(st.modifiedFiles) > 0 {
		done = "So far you have modified: " + strings.Join(sortedKeys(st.modifiedFiles), ", ") + "."
	} else {
		done = "You have not modified any files yet."
	}
	l.injectSystem(fmt.Sprintf(
		"Checkpoint: the original request was: %q. %s Stay focused on completing it.",
		agentctx.HeadTailEllipsis(st.goal, 400), done))
}

// infer builds the model input and streams one inference, re-emitting
// chunks as events. A nil response with nil error means the stream was
// aborted by a control operation.
func (l *Loop) infer(ctx context.Context, st *runState, userMsg *models.Message) (*ModelResponse, error) {
	complexity := agentctx.TaskFull
	if st.iteration == 1 && len(userMsg.Attachments) == 0 && len(userMsg.Content) < 120 {
		complexity = agentctx.TaskSimple
	}
	system, promptHash := l.promptBuilder.Build(ctx, complexity, st.goal)

	messages := agentctx.Synthesize(l.history, nil)
	plan := l.fallback.Plan(ctx, userMsg, l.config.Model, l.config.Provider)
	switch {
	case plan.FellBack:
		l.metrics.RecordFallback(string(CapabilityVision), "switched")
	case plan.StripImages:
		l.metrics.RecordFallback(string(CapabilityVision), "stripped")
	}
	if plan.StripImages {
		messages = StripImageParts(messages)
	}
	if plan.SystemOverride != "" {
		system = plan.SystemOverride
		promptHash = agentctx.PromptHash(system)
	}

	var tools []ToolDefinition
	if !plan.DisableTools && l.client.SupportsTools() {
		tools = l.registry.AsToolDefinitions()
	}

	req := &InferenceRequest{
		Model:     plan.Model,
		System:    system,
		Messages:  messages,
		Tools:     tools,
		MaxTokens: st.maxTokens,
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	unbind := l.controls.BindStream(cancel)
	defer unbind()

	inferCtx, span := l.tracer.TraceInference(streamCtx, plan.Provider, plan.Model)
	defer span.End()

	start := time.Now()
	chunks, err := l.client.Infer(inferCtx, req)
	if err != nil {
		l.tracer.RecordError(span, err)
		l.metrics.RecordInference(plan.Provider, plan.Model, "error", time.Since(start).Seconds(), 0, 0)
		return nil, err
	}

	var final *ModelResponse
	for chunk := range chunks {
		if chunk == nil {
			continue
		}
		if chunk.Err != nil {
			l.tracer.RecordError(span, chunk.Err)
			l.metrics.RecordInference(plan.Provider, plan.Model, "error", time.Since(start).Seconds(), 0, 0)
			return nil, chunk.Err
		}
		switch chunk.Kind {
		case ChunkText:
			l.emitter.StreamChunk(chunk.Content)
		case ChunkReasoning:
			l.emitter.StreamReasoning(chunk.Content)
		case ChunkToolCallStart:
			l.emitter.StreamToolCallStart(chunk.ToolCallIndex, chunk.ToolCallID, chunk.ToolName)
		case ChunkToolCallDelta:
			l.emitter.StreamToolCallDelta(chunk.ToolCallIndex, chunk.ToolName, chunk.ArgumentsDelta)
		case ChunkDone:
			final = chunk.Final
		}
	}

	record := models.ModelCallRecord{
		Model:            plan.Model,
		Provider:         plan.Provider,
		Duration:         time.Since(start),
		SystemPromptHash: promptHash,
	}
	if final != nil {
		record.Truncated = final.Truncated
		record.FinishReason = final.FinishReason
		if final.Usage != nil {
			record.InputTokens = final.Usage.InputTokens
			record.OutputTokens = final.Usage.OutputTokens
		}
	}
	l.trace.ModelCalls = append(l.trace.ModelCalls, record)

	status := "success"
	if final == nil {
		status = "error"
	}
	l.metrics.RecordInference(plan.Provider, plan.Model, status, time.Since(start).Seconds(),
		record.InputTokens, record.OutputTokens)

	if final == nil && streamCtx.Err() != nil && ctx.Err() == nil {
		// Stream aborted by cancel/interrupt/steer rather than the caller.
		return nil, nil
	}
	if final == nil {
		return nil, fmt.Errorf("model stream ended without a terminal response")
	}
	return final, nil
}

// handleInferError applies the loop-level recovery ladder. Returns true to
// continue iterating, false to exit.
func (l *Loop) handleInferError(ctx context.Context, st *runState, err error) bool {
	if l.controls.ConsumeReinference() {
		l.emitter.InterruptAcknowledged()
		return true
	}
	if l.controls.IsCancelled() || l.controls.IsInterrupted() || ctx.Err() != nil {
		return false
	}

	if cle, ok := IsContextLengthExceeded(err); ok {
		if !st.overflowRetried {
			st.overflowRetried = true
			result := l.compactHistory(ctx, "overflow")
			if result.Compressed {
				l.history = result.History
				l.metrics.RecordCompression("overflow", result.TokensSaved)
				l.emitter.ContextCompressed(result.MessagesBefore, result.MessagesAfter,
					result.MessagesCompacted, result.TokensSaved)
			}
			st.maxTokens = agentctx.ReducedOutputBudget(st.maxTokens)
			l.log.Warn("context length exceeded; compacted and reduced output budget",
				slog.Int("requested", cle.RequestedTokens),
				slog.Int("max", cle.MaxTokens))
			return true
		}
		l.emitError(CodeContextLengthExceeded, err.Error(), err, false)
		return false
	}

	if IsTransientNetworkError(err) && !st.networkRetried {
		st.networkRetried = true
		l.log.Warn("transient network error; retrying inference once",
			slog.String("error", err.Error()))
		return true
	}

	l.emitError("INFERENCE_FAILED", err.Error(), err, false)
	return false
}

func (l *Loop) recordUsage(st *runState, resp *ModelResponse) {
	var provIn, provOut int
	if resp.Usage != nil {
		provIn, provOut = resp.Usage.InputTokens, resp.Usage.OutputTokens
	}
	input, output := l.accountant.Record(provIn, provOut, l.history, resp.Content)
	l.stats.AddTokens(input, output)
	l.trace.TokenUsage.InputTokens += input
	l.trace.TokenUsage.OutputTokens += output
}

type textVerdict int

const (
	textDone textVerdict = iota
	textContinue
	textForceTool
)

// handleTextResponse runs the text-only path: narrated-tool detection, stop
// hooks, the bounded nudges, and the truncation retry.
func (l *Loop) handleTextResponse(ctx context.Context, st *runState, resp *ModelResponse) textVerdict {
	if match := DetectTextToolCall(resp.Content); match != nil {
		if match.Executable {
			l.log.Info("force-executing narrated tool call", slog.String("tool", match.Call.Name))
			st.forcedCalls = []models.ToolCall{match.Call}
			return textForceTool
		}
		if st.formatCorrections < l.config.MaxFormatCorrections {
			st.formatCorrections++
			l.injectSystem(FormatCorrectionMessage(match.Call.Name))
			l.endTurn(st, "text")
			return textContinue
		}
	}

	if st.stopHookRetries < l.config.MaxStopHookRetries {
		if msg, blocked := l.fireStopHooks(ctx, resp.Content); blocked {
			st.stopHookRetries++
			l.injectSystem(msg)
			l.endTurn(st, "text")
			return textContinue
		}
	}

	if msg := l.pendingNudge(ctx, st); msg != "" {
		l.injectSystem(msg)
		l.endTurn(st, "text")
		return textContinue
	}

	if resp.Truncated && !st.truncationRetried {
		plan := PlanTruncationRecovery(resp, st.maxTokens, l.modelMaxOutput(), st.truncationRetried)
		if plan.Action == TruncationRetryInference {
			st.truncationRetried = true
			st.maxTokens = plan.MaxTokens
			l.metrics.RecordNudge("truncation")
			l.endTurn(st, "text")
			return textContinue
		}
	}

	assistant := &models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleAssistant,
		Content:   resp.Content,
		Thinking:  resp.Thinking,
		Timestamp: time.Now(),
	}
	l.appendMessage(assistant)
	l.emitter.Message(assistant)
	l.emitter.TaskComplete()

	// A queued follow-up keeps the run alive: it becomes the next user
	// message and iteration continues.
	if followUp := l.controls.NextFollowUp(); followUp != nil {
		l.appendMessage(followUp)
		l.emitter.Message(followUp)
		st.goal = followUp.Content
		l.resetCompletionNudges(st)
		l.endTurn(st, "text")
		return textContinue
	}

	l.endTurn(st, "text")
	return textDone
}

// resetCompletionNudges re-arms the one-shot nudges for a follow-up task.
func (l *Loop) resetCompletionNudges(st *runState) {
	st.readOnlyNudged = false
	st.todoNudged = false
	st.completionNudged = false
	st.goalNudged = false
	st.stopHookRetries = 0
	st.formatCorrections = 0
}

func (l *Loop) fireStopHooks(ctx context.Context, finalText string) (string, bool) {
	event := &hooks.Event{FinalResponse: finalText}
	if l.userHooks != nil {
		if d := l.userHooks.Fire(ctx, hooks.Stop, event); !d.ShouldProceed {
			return d.Message, true
		}
	}
	if l.planningHooks != nil {
		if d := l.planningHooks.Fire(ctx, hooks.Stop, event); !d.ShouldProceed {
			return d.Message, true
		}
	}
	return "", false
}

// modificationVerbRe detects requests that imply file modification, for the
// read-only completion nudge.
var modificationVerbRe = regexp.MustCompile(`(?i)\b(create|write|fix|add|edit|implement|update|refactor|rename|delete|remove|change)\b`)

// pendingNudge evaluates the bounded completion nudges in priority order
// and returns the first that fires.
func (l *Loop) pendingNudge(ctx context.Context, st *runState) string {
	if !st.readOnlyNudged && !l.detector.HasWrittenFile() && modificationVerbRe.MatchString(st.goal) {
		st.readOnlyNudged = true
		l.metrics.RecordNudge("read_only")
		return "You are about to finish without modifying any files, but the request asks for a change. Make the change before finishing, or state explicitly why no change is needed."
	}
	if !st.todoNudged && l.todos != nil {
		if outstanding := l.todos.Outstanding(ctx); len(outstanding) > 0 {
			st.todoNudged = true
			return fmt.Sprintf(
				"Your todo list still has %d incomplete item(s): %s. Finish or explicitly defer them before completing.",
				len(outstanding), strings.Join(outstanding, "; "))
		}
	}
	if !st.completionNudged && l.completion != nil && len(st.modifiedFiles) > 0 {
		if incomplete := l.completion.Incomplete(ctx, sortedKeys(st.modifiedFiles)); len(incomplete) > 0 {
			st.completionNudged = true
			return "Some files you modified still contain incomplete work markers: " +
				strings.Join(incomplete, ", ") + ". Finish them before completing."
		}
	}
	if !st.goalNudged && l.detector.HasWrittenFile() {
		st.goalNudged = true
		return "Before finishing, verify your changes actually satisfy the original request. Re-read the modified files or run a quick check, then confirm."
	}
	return ""
}

// handleToolResponse runs the tool branch of one iteration. Returns true
// when the loop must exit.
func (l *Loop) handleToolResponse(ctx context.Context, st *runState, resp *ModelResponse, calls []models.ToolCall) bool {
	plan := PlanTruncationRecovery(resp, st.maxTokens, l.modelMaxOutput(), true)
	if plan.Action != TruncationNone {
		st.maxTokens = plan.MaxTokens
	}

	assistant := &models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleAssistant,
		Content:   resp.Content,
		Thinking:  resp.Thinking,
		ToolCalls: calls,
		Timestamp: time.Now(),
	}
	l.appendMessage(assistant)
	l.emitter.Message(assistant)

	if plan.Action == TruncationAbortBatch {
		results := make([]models.ToolResult, len(calls))
		for i, call := range calls {
			results[i] = models.ToolResult{
				ToolCallID: call.ID,
				Success:    false,
				Error:      "not executed: the response was truncated mid-generation",
			}
		}
		l.appendToolResults(st, calls, results)
		l.injectSystem(plan.Directive)
		l.endTurn(st, "tool_use")
		return false
	}

	results, report := l.scheduler.Dispatch(ctx, calls)
	l.appendToolResults(st, calls, results)

	for _, path := range report.ModifiedFiles {
		st.modifiedFiles[path] = true
	}
	for _, nudge := range report.Nudges {
		l.injectSystem(nudge)
	}
	if plan.Directive != "" {
		l.injectSystem(plan.Directive)
	}
	if report.Escalate {
		l.metrics.RecordNudge("escalate")
		l.injectSystem("Escalation: stop working. Summarize what you tried, what failed and why, then ask the user how to proceed.")
	}
	if failures := l.breaker.ConsecutiveFailures(); failures > 0 && !l.breaker.Tripped() {
		l.injectSystem(l.breaker.ModelWarning())
	}

	l.endTurn(st, "tool_use")
	l.checkContextHealth(ctx)

	if _, msg, sig := l.detector.ObserveIteration(report.ToolNames); sig != SignalNone {
		l.metrics.RecordNudge("exploring")
		l.injectSystem(msg)
	}
	if l.config.PostActionThinking {
		l.injectSystem("Briefly assess: did the last action move the task forward? If not, change approach.")
	}
	return false
}

// appendToolResults sanitizes, compresses, and appends one tool message
// covering all of a batch's results.
func (l *Loop) appendToolResults(st *runState, calls []models.ToolCall, results []models.ToolResult) {
	for i := range results {
		results[i] = SanitizeToolResult(results[i])
		results[i].Output = agentctx.HeadTailEllipsis(results[i].Output, l.config.MaxToolResultChars)
	}
	toolMsg := &models.Message{
		ID:          uuid.NewString(),
		Role:        models.RoleTool,
		ToolResults: results,
		Timestamp:   time.Now(),
	}
	l.appendMessage(toolMsg)
	l.emitter.Message(toolMsg)

	for i := range calls {
		l.trace.ToolCallsWithResults = append(l.trace.ToolCallsWithResults, models.ToolCallWithResult{
			Call:   calls[i],
			Result: results[i],
		})
	}
}

// checkContextHealth runs auto-compression and the proactive-compaction
// path after a tool iteration.
func (l *Loop) checkContextHealth(ctx context.Context) {
	kind := "threshold"
	result := l.compressor.Compress(l.history)
	if !result.Compressed {
		inputTokens := l.estimator.CountHistory(l.history)
		if l.compressor.NeedsProactiveCompaction(inputTokens, l.config.ContextWindow) {
			kind = "proactive"
			result = l.compactHistory(ctx, kind)
		}
	}
	if result.Compressed {
		l.history = result.History
		l.metrics.RecordCompression(kind, result.TokensSaved)
		l.emitter.ContextCompressed(result.MessagesBefore, result.MessagesAfter,
			result.MessagesCompacted, result.TokensSaved)
	}
}

// compactHistory runs a forced compaction pass under a compaction span.
func (l *Loop) compactHistory(ctx context.Context, kind string) *agentctx.CompressResult {
	_, span := l.tracer.TraceCompaction(ctx, kind)
	defer span.End()
	return l.compressor.Compact(l.history)
}

// injectSystem appends a meta system message visible to the model but not
// rendered by the UI.
func (l *Loop) injectSystem(content string) {
	if content == "" {
		return
	}
	msg := &models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleSystem,
		Content:   content,
		Timestamp: time.Now(),
		IsMeta:    true,
	}
	l.appendMessage(msg)
}

func (l *Loop) appendMessage(msg *models.Message) {
	l.history = append(l.history, msg)
	if l.persist != nil {
		l.persist(msg)
	}
}

// finish repairs the transcript, emits the terminal event, and closes the
// event channel.
func (l *Loop) finish() {
	if r := recover(); r != nil {
		l.log.Error("loop panicked", slog.Any("panic", r))
		l.emitError("LOOP_PANIC", fmt.Sprintf("internal error: %v", r), nil, false)
	}

	repaired, fixed := RepairTranscript(l.history)
	if fixed > 0 {
		l.history = repaired
		for _, msg := range l.history {
			if l.persist != nil && msg.Role == models.RoleTool {
				// Synthetic repair results are persisted like real ones.
				l.persist(msg)
			}
		}
	}

	stats := l.stats.Stats()
	stats.Cancelled = l.controls.IsCancelled()
	stats.Interrupted = l.controls.IsInterrupted()
	l.emitter.AgentComplete(stats)
	l.emitter.Close()
}

func (l *Loop) modelMaxOutput() int {
	if l.client == nil {
		return 0
	}
	for _, info := range l.client.Models() {
		if info.ID == l.config.Model {
			return info.MaxOutputTokens
		}
	}
	return 0
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
