// Package providers implements agent.LLMClient backends for the loop.
//
// Each client handles the specifics of one API: streaming transport, message
// and tool format conversion, retry with backoff, and error classification.
// Streamed events are converted to agent.StreamChunk values; the terminal
// chunk carries the fully assembled agent.ModelResponse so the loop never
// reassembles provider output itself.
//
// Context-window overflows are surfaced as *agent.ContextLengthExceededError
// so the loop can compact history and retry with a reduced output budget.
package providers
