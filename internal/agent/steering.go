package agent

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/conductor/pkg/models"
)

// RunControls is the external control surface of a running loop: cancel,
// interrupt, and live steering. All methods are safe to call from any
// goroutine while the loop runs on its own.
type RunControls struct {
	mu sync.Mutex

	cancelled        bool
	interrupted      bool
	needsReinference bool

	interruptMessage string
	steeringQueue    []*models.Message
	followUpQueue    []*models.Message

	// abortStream cancels the in-flight LLM stream, when one exists.
	abortStream context.CancelFunc
}

// NewRunControls creates the control surface for one run.
func NewRunControls() *RunControls {
	return &RunControls{}
}

// BindStream registers the cancel function of the in-flight LLM stream so
// control operations can abort it. Returns an unbind function the loop
// defers after the stream completes.
func (c *RunControls) BindStream(cancel context.CancelFunc) func() {
	c.mu.Lock()
	c.abortStream = cancel
	aborted := c.cancelled || c.interrupted || c.needsReinference
	c.mu.Unlock()

	// A control operation that raced the bind still takes effect.
	if aborted && cancel != nil {
		cancel()
	}
	return func() {
		c.mu.Lock()
		c.abortStream = nil
		c.mu.Unlock()
	}
}

// Cancel stops the run. The in-flight stream is aborted; in-flight tool
// tasks complete and their results are preserved into history.
func (c *RunControls) Cancel() {
	c.mu.Lock()
	c.cancelled = true
	abort := c.abortStream
	c.mu.Unlock()
	if abort != nil {
		abort()
	}
}

// Interrupt stops the run and hands control back to the orchestrator with
// an optional user message explaining the interruption.
func (c *RunControls) Interrupt(message string) {
	c.mu.Lock()
	c.interrupted = true
	c.interruptMessage = message
	abort := c.abortStream
	c.mu.Unlock()
	if abort != nil {
		abort()
	}
}

// Steer injects a new user message into the running loop. The in-flight
// response is discarded and inference restarts with the steering message
// visible in history. The loop stays alive.
func (c *RunControls) Steer(message string) {
	msg := &models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleUser,
		Content:   message,
		Timestamp: time.Now(),
	}
	c.mu.Lock()
	c.steeringQueue = append(c.steeringQueue, msg)
	c.needsReinference = true
	abort := c.abortStream
	c.mu.Unlock()
	if abort != nil {
		abort()
	}
}

// IsCancelled reports whether Cancel was called.
func (c *RunControls) IsCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// IsInterrupted reports whether Interrupt was called.
func (c *RunControls) IsInterrupted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interrupted
}

// InterruptMessage returns the message passed to Interrupt.
func (c *RunControls) InterruptMessage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interruptMessage
}

// NeedsReinference reports whether a steer arrived since the last consume.
func (c *RunControls) NeedsReinference() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.needsReinference
}

// ConsumeReinference clears the steer flag and returns whether it was set.
func (c *RunControls) ConsumeReinference() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.needsReinference
	c.needsReinference = false
	return was
}

// DrainSteering removes and returns all queued steering messages in
// arrival order. The loop appends them to history before re-inferring.
func (c *RunControls) DrainSteering() []*models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	queued := c.steeringQueue
	c.steeringQueue = nil
	return queued
}

// PendingSteering reports whether steering messages are queued.
func (c *RunControls) PendingSteering() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.steeringQueue) > 0
}

// QueueFollowUp enqueues a user message to be taken up when the current
// task finishes. Unlike Steer it does not abort the in-flight response;
// the loop picks the next follow-up at the point it would otherwise stop.
func (c *RunControls) QueueFollowUp(message string) {
	msg := &models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleUser,
		Content:   message,
		Timestamp: time.Now(),
	}
	c.mu.Lock()
	c.followUpQueue = append(c.followUpQueue, msg)
	c.mu.Unlock()
}

// NextFollowUp removes and returns the oldest queued follow-up, or nil.
func (c *RunControls) NextFollowUp() *models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.followUpQueue) == 0 {
		return nil
	}
	msg := c.followUpQueue[0]
	c.followUpQueue = c.followUpQueue[1:]
	return msg
}

// PendingFollowUps reports how many follow-up messages are queued.
func (c *RunControls) PendingFollowUps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.followUpQueue)
}
