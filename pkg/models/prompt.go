package models

// PromptMessage is a single model-facing message produced by history
// synthesis. The model's API sees only user/assistant/system roles by
// convention; tool results are synthesized into user messages before
// reaching this type.
type PromptMessage struct {
	// Role is "user", "assistant", or "system".
	Role string `json:"role"`

	// Content is the plain-text content. Ignored when Parts is non-empty.
	Content string `json:"content,omitempty"`

	// Parts holds multi-modal content for vision-capable models.
	Parts []ContentPart `json:"parts,omitempty"`
}
