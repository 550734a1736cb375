package agent

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/haasonsaas/conductor/internal/hooks"
	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/pkg/models"
)

// MaxParallelTools bounds the fan-out of a single tool batch.
const MaxParallelTools = 4

// Scheduler turns an ordered list of tool calls into a same-length ordered
// list of results, maximising parallelism while preserving causal ordering
// through a file-level dependency DAG.
//
// All shared loop state (detector, breaker, hook buffers) is mutated only on
// the scheduler's calling goroutine; parallel slots receive their inputs by
// value and report back through a WaitGroup.
type Scheduler struct {
	registry *ToolRegistry
	executor *Executor
	emitter  *Emitter
	detector *Detector
	breaker  *CircuitBreaker

	userHooks     *hooks.Dispatcher
	planningHooks *hooks.Dispatcher

	metrics *observability.Metrics
	tracer  *observability.Tracer

	log *slog.Logger
}

// NewScheduler wires a scheduler over its collaborators. Hook dispatchers,
// metrics, and tracer may be nil; detector and breaker must not be.
func NewScheduler(registry *ToolRegistry, executor *Executor, emitter *Emitter,
	detector *Detector, breaker *CircuitBreaker,
	userHooks, planningHooks *hooks.Dispatcher,
	metrics *observability.Metrics, tracer *observability.Tracer, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	if tracer == nil {
		tracer, _ = observability.NewTracer(observability.TraceConfig{})
	}
	return &Scheduler{
		registry:      registry,
		executor:      executor,
		emitter:       emitter,
		detector:      detector,
		breaker:       breaker,
		userHooks:     userHooks,
		planningHooks: planningHooks,
		metrics:       metrics,
		tracer:        tracer,
		log:           log,
	}
}

// DispatchReport carries the side observations of one dispatch: corrective
// nudges to inject, escalation flags, and file modifications.
type DispatchReport struct {
	// Nudges are system messages the controller should inject, in order.
	Nudges []string

	// Escalate is set when the detector demands user escalation.
	Escalate bool

	// HardLimit is set when the read-only hard limit converted a call into
	// a failure.
	HardLimit bool

	// BreakerTripped is set when this dispatch tripped the circuit breaker.
	BreakerTripped bool

	// ModifiedFiles lists paths written during this dispatch.
	ModifiedFiles []string

	// ToolNames lists the dispatched tool names in order, for the
	// progress-state checkpoint.
	ToolNames []string
}

// Dispatch executes the calls and returns results in the original order.
func (s *Scheduler) Dispatch(ctx context.Context, calls []models.ToolCall) ([]models.ToolResult, *DispatchReport) {
	report := &DispatchReport{}
	if len(calls) == 0 {
		return nil, report
	}

	results := make([]models.ToolResult, len(calls))
	executed := make([]bool, len(calls))

	for i := range calls {
		calls[i].Arguments = SanitizeArguments(calls[i].Arguments)
		if calls[i].Name == "bash" {
			if cmd, ok := calls[i].Arguments["command"].(string); ok {
				calls[i].Arguments["command"] = SanitizeBashCommand(cmd)
			}
		}
		report.ToolNames = append(report.ToolNames, calls[i].Name)
	}

	// Pre-dispatch pipeline on the calling goroutine: stall tracking and
	// hook gating. Blocked or hard-limited calls become failed results and
	// never reach an execution slot.
	ready := make([]int, 0, len(calls))
	for i, call := range calls {
		if msg, sig := s.detector.ObserveCall(call); sig != SignalNone {
			if sig == SignalHardLimit {
				report.HardLimit = true
				results[i] = models.ToolResult{
					ToolCallID: call.ID,
					Success:    false,
					Error:      "call suppressed: " + msg,
				}
				report.Nudges = append(report.Nudges, msg)
				s.emitBlocked(call, results[i])
				continue
			}
			report.Nudges = append(report.Nudges, msg)
		}

		if blocked, reason := s.fireBlockingHooks(ctx, call); blocked {
			results[i] = models.ToolResult{
				ToolCallID: call.ID,
				Success:    false,
				Error:      "blocked by hook: " + reason,
				Metadata:   map[string]any{"code": CodeToolBlockedByHook},
			}
			report.Nudges = append(report.Nudges, "Tool call "+call.Name+" was blocked: "+reason)
			s.emitBlocked(call, results[i])
			continue
		}

		ready = append(ready, i)
	}

	layers := s.planLayers(calls, ready)
	for _, layer := range layers {
		for start := 0; start < len(layer); start += MaxParallelTools {
			end := start + MaxParallelTools
			if end > len(layer) {
				end = len(layer)
			}
			s.runBatch(ctx, calls, layer[start:end], results, executed)
		}
	}

	// Post-call pipeline, sequential and in original order.
	for i, call := range calls {
		if !executed[i] {
			continue
		}
		results[i] = s.postCall(ctx, call, results[i], report)
	}

	return results, report
}

// runBatch executes one bounded batch. All tool_call_start events are
// emitted before any execution completes; ends are emitted afterwards in
// batch order.
func (s *Scheduler) runBatch(ctx context.Context, calls []models.ToolCall, indices []int, results []models.ToolResult, executed []bool) {
	for _, idx := range indices {
		s.emitter.ToolCallStart(calls[idx])
	}
	s.emitter.TaskProgress(models.PhaseToolRunning)

	s.metrics.RecordToolBatch(len(indices))

	var wg sync.WaitGroup
	outcomes := make([]*ExecutionResult, len(indices))
	for slot, idx := range indices {
		wg.Add(1)
		go func(slot int, call models.ToolCall) {
			defer wg.Done()
			callCtx := WithToolContext(ctx, &ToolContext{
				ToolCallID: call.ID,
				Events:     s.emitter,
			})
			callCtx, span := s.tracer.TraceToolExecution(callCtx, call.Name)
			defer span.End()
			outcomes[slot] = s.executor.Execute(callCtx, call)
			if outcomes[slot].Err != nil {
				s.tracer.RecordError(span, outcomes[slot].Err)
			}
		}(slot, calls[idx])
	}
	wg.Wait()

	for slot, idx := range indices {
		results[idx] = outcomes[slot].ToResult()
		executed[idx] = true
		status := "success"
		if !results[idx].Success {
			status = "error"
		}
		s.metrics.RecordToolExecution(calls[idx].Name, status, outcomes[slot].Duration.Seconds())
		s.emitter.ToolCallEnd(calls[idx], results[idx], false)
	}
}

func (s *Scheduler) emitBlocked(call models.ToolCall, result models.ToolResult) {
	// Blocked calls still produce a start/end pair for the shell.
	s.metrics.RecordToolExecution(call.Name, "blocked", 0)
	s.emitter.ToolCallStart(call)
	s.emitter.ToolCallEnd(call, result, true)
}

// fireBlockingHooks runs the pre-tool chains. The user chain is skipped for
// parallel-safe tools; the planning chain always runs.
func (s *Scheduler) fireBlockingHooks(ctx context.Context, call models.ToolCall) (bool, string) {
	if s.userHooks != nil && !s.registry.IsParallelSafe(call.Name) {
		if d := s.userHooks.Fire(ctx, hooks.PreTool, &hooks.Event{ToolName: call.Name, ToolArgs: call.Arguments}); !d.ShouldProceed {
			return true, d.Message
		}
	}
	if s.planningHooks != nil {
		if d := s.planningHooks.Fire(ctx, hooks.PreTool, &hooks.Event{ToolName: call.Name, ToolArgs: call.Arguments}); !d.ShouldProceed {
			return true, d.Message
		}
	}
	return false, ""
}

// postCall runs the sequential post-call pipeline for one executed call.
func (s *Scheduler) postCall(ctx context.Context, call models.ToolCall, result models.ToolResult, report *DispatchReport) models.ToolResult {
	result = SanitizeToolResult(result)

	if call.Name == "web_fetch" && result.Success {
		if cites := extractCitations(result.Output); len(cites) > 0 {
			s.emitter.CitationsUpdated(strings.Join(cites, "\n"))
		}
	}

	if result.Success {
		s.breaker.RecordSuccess()
	} else {
		if s.breaker.RecordFailure(result.Error) {
			report.BreakerTripped = true
			s.metrics.RecordBreakerTrip()
		}
	}

	if msg, sig := s.detector.ObserveResult(call, result); sig != SignalNone {
		report.Nudges = append(report.Nudges, msg)
		if sig == SignalEscalate {
			report.Escalate = true
		}
	}

	if truncated, _ := result.Metadata["truncated"].(bool); truncated {
		report.Nudges = append(report.Nudges,
			"The previous "+call.Name+" output was truncated. Re-read the relevant portion with an offset before relying on it.")
	}

	if result.Success && IsWriteTool(call.Name) {
		if path := pathArgument(call); path != "" {
			report.ModifiedFiles = append(report.ModifiedFiles, path)
			created := call.Name == "write_file" || call.Name == "create_file"
			s.emitter.DiffComputed(path, 0, 0, created)
		}
	}

	if confirm, _ := result.Metadata["requiresUserConfirmation"].(bool); confirm {
		s.emitter.Notification("Tool " + call.Name + " requests user confirmation before its effect is applied.")
	}
	if activation, _ := result.Metadata["isSkillActivation"].(bool); activation {
		if skill, ok := result.Metadata["skillResult"].(string); ok && skill != "" {
			s.emitter.MemoryLearned(skill)
		}
	}

	if s.userHooks != nil {
		s.userHooks.Fire(ctx, hooks.PostTool, &hooks.Event{
			ToolName:   call.Name,
			ToolArgs:   call.Arguments,
			ToolOutput: result.Output,
			ToolFailed: !result.Success,
		})
	}
	if s.planningHooks != nil {
		s.planningHooks.Fire(ctx, hooks.PostTool, &hooks.Event{
			ToolName:   call.Name,
			ToolArgs:   call.Arguments,
			ToolOutput: result.Output,
			ToolFailed: !result.Success,
		})
	}

	return result
}

// planLayers derives the execution layers for the ready calls.
func (s *Scheduler) planLayers(calls []models.ToolCall, ready []int) [][]int {
	edges := buildFileEdges(calls, ready)
	if len(edges) == 0 {
		return s.fastPathLayers(calls, ready)
	}
	return kahnLayers(ready, edges, s.log)
}

// fastPathLayers is the classification split used when the DAG has no
// non-trivial edges: parallel-safe calls batch together, mutating calls run
// strictly sequentially in original order.
func (s *Scheduler) fastPathLayers(calls []models.ToolCall, ready []int) [][]int {
	var safe []int
	var layers [][]int
	for _, idx := range ready {
		if s.registry.IsParallelSafe(calls[idx].Name) {
			safe = append(safe, idx)
		}
	}
	if len(safe) > 0 {
		layers = append(layers, safe)
	}
	for _, idx := range ready {
		if !s.registry.IsParallelSafe(calls[idx].Name) {
			layers = append(layers, []int{idx})
		}
	}
	return layers
}

// buildFileEdges derives WAR and WAW dependencies between calls from their
// file-level read/write sets. An edge u→v means v depends on u.
func buildFileEdges(calls []models.ToolCall, ready []int) map[int][]int {
	edges := make(map[int][]int)
	addEdge := func(from, to int) {
		edges[from] = append(edges[from], to)
	}

	type access struct {
		idx    int
		reads  []string
		writes []string
	}
	accesses := make([]access, 0, len(ready))
	for _, idx := range ready {
		reads, writes := fileAccess(calls[idx])
		accesses = append(accesses, access{idx: idx, reads: reads, writes: writes})
	}

	for i := range accesses {
		for j := 0; j < i; j++ {
			earlier, later := accesses[j], accesses[i]
			for _, w := range later.writes {
				// WAR: a write waits for earlier reads of the same path.
				for _, r := range earlier.reads {
					if r == w {
						addEdge(earlier.idx, later.idx)
					}
				}
				// WAW: concurrent writes serialize in original order.
				for _, ew := range earlier.writes {
					if ew == w {
						addEdge(earlier.idx, later.idx)
					}
				}
			}
		}
	}
	return edges
}

// bashRedirectRe captures shell redirection targets (> and >>), ignoring fd
// duplications like 2>&1.
var bashRedirectRe = regexp.MustCompile(`(?:^|[\s;|&])\d?>{1,2}\s*([^\s&|;<>]+)`)

// fileAccess derives the file-level read and write sets of a call.
func fileAccess(call models.ToolCall) (reads, writes []string) {
	path := pathArgument(call)
	switch {
	case IsWriteTool(call.Name):
		if path != "" {
			writes = append(writes, path)
		}
	case IsReadOnlyTool(call.Name):
		if path != "" {
			reads = append(reads, path)
		}
	case call.Name == "bash":
		if cmd, ok := call.Arguments["command"].(string); ok {
			for _, m := range bashRedirectRe.FindAllStringSubmatch(cmd, -1) {
				writes = append(writes, m[1])
			}
		}
	}
	return reads, writes
}

func pathArgument(call models.ToolCall) string {
	for _, key := range []string{"path", "file_path", "filename"} {
		if p, ok := call.Arguments[key].(string); ok && p != "" {
			return p
		}
	}
	return ""
}

// kahnLayers topologically sorts the ready indices into execution layers.
// On a cycle (which index-ordered edges cannot normally produce) the
// remaining nodes go into one final layer with a warning.
func kahnLayers(ready []int, edges map[int][]int, log *slog.Logger) [][]int {
	indegree := make(map[int]int, len(ready))
	for _, idx := range ready {
		indegree[idx] = 0
	}
	for _, targets := range edges {
		for _, t := range targets {
			indegree[t]++
		}
	}

	remaining := make(map[int]bool, len(ready))
	for _, idx := range ready {
		remaining[idx] = true
	}

	var layers [][]int
	for len(remaining) > 0 {
		var layer []int
		for _, idx := range ready {
			if remaining[idx] && indegree[idx] == 0 {
				layer = append(layer, idx)
			}
		}
		if len(layer) == 0 {
			// Cycle: place everything left in one final layer.
			log.Warn("tool dependency cycle detected; serializing remaining calls",
				slog.Int("remaining", len(remaining)))
			var rest []int
			for _, idx := range ready {
				if remaining[idx] {
					rest = append(rest, idx)
				}
			}
			layers = append(layers, rest)
			break
		}
		for _, idx := range layer {
			delete(remaining, idx)
			for _, t := range edges[idx] {
				indegree[t]--
			}
		}
		layers = append(layers, layer)
	}
	return layers
}

var citationRe = regexp.MustCompile(`https?://[^\s)>\]"']+`)

// extractCitations pulls source URLs out of fetched content.
func extractCitations(output string) []string {
	matches := citationRe.FindAllString(output, 8)
	seen := make(map[string]bool, len(matches))
	var cites []string
	for _, m := range matches {
		if !seen[m] {
			seen[m] = true
			cites = append(cites, m)
		}
	}
	return cites
}
