package agent

import (
	"context"
	"errors"
	"log/slog"
	"regexp"

	"github.com/haasonsaas/conductor/pkg/models"
)

// Capability names a model capability the router can detect and route on.
type Capability string

const (
	// CapabilityVision is required when the user message carries image parts.
	CapabilityVision Capability = "vision"
)

// ErrNoCredential is returned by credential resolvers when no key can be
// acquired for a provider.
var ErrNoCredential = errors.New("no credential available")

// CredentialResolver acquires a credential for a fallback provider. The
// local keychain is consulted first; implementations may then try a
// cloud-proxy path reserved for privileged users.
type CredentialResolver interface {
	Resolve(ctx context.Context, provider, model string) (string, error)
}

// CredentialResolverFunc adapts a function to CredentialResolver.
type CredentialResolverFunc func(ctx context.Context, provider, model string) (string, error)

// Resolve implements CredentialResolver.
func (f CredentialResolverFunc) Resolve(ctx context.Context, provider, model string) (string, error) {
	return f(ctx, provider, model)
}

// FallbackConfig maps capabilities to configured fallback models.
type FallbackConfig struct {
	// VisionModel is the model switched to when the current model lacks
	// vision. Empty disables vision fallback.
	VisionModel string `yaml:"vision_model"`

	// VisionProvider is the provider owning VisionModel.
	VisionProvider string `yaml:"vision_provider"`
}

// visionToolDemandRe matches requests for operations that must be performed
// by a tool on the image rather than by looking at it.
var visionToolDemandRe = regexp.MustCompile(`(?i)\b(annotate|draw|box|circle|highlight|mark\s*up|crop|redact)\b`)

// minimalVisionPrompt replaces the system prompt when a fallback model
// cannot call tools.
const minimalVisionPrompt = "You are a vision assistant. Describe and analyze the provided images precisely. " +
	"You cannot execute tools in this mode; answer directly in text."

// InferencePlan is the router's decision for one inference.
type InferencePlan struct {
	// Model is the effective model. Equal to the current model unless a
	// fallback was applied.
	Model string

	// Provider is the effective provider name.
	Provider string

	// StripImages removes image parts from the synthesized messages.
	StripImages bool

	// DisableTools clears the tool list for this inference.
	DisableTools bool

	// SystemOverride replaces the system prompt when non-empty.
	SystemOverride string

	// FellBack is true when the model was switched.
	FellBack bool
}

// FallbackRouter performs capability-based model switching for a single
// inference. The switch never outlives the inference it was planned for.
type FallbackRouter struct {
	config  *FallbackConfig
	creds   CredentialResolver
	emitter *Emitter
	log     *slog.Logger

	// lookup resolves model IDs to capability info.
	lookup func(model string) (ModelInfo, bool)
}

// NewFallbackRouter creates a router. creds may be nil, which makes every
// fallback credential acquisition fail.
func NewFallbackRouter(config *FallbackConfig, creds CredentialResolver, emitter *Emitter,
	lookup func(model string) (ModelInfo, bool), log *slog.Logger) *FallbackRouter {
	if config == nil {
		config = &FallbackConfig{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &FallbackRouter{
		config:  config,
		creds:   creds,
		emitter: emitter,
		lookup:  lookup,
		log:     log,
	}
}

// RequiredCapabilities inspects the most recent user message for required
// capabilities.
func RequiredCapabilities(msg *models.Message) []Capability {
	if msg == nil {
		return nil
	}
	for _, part := range msg.Parts {
		if part.Kind == models.ContentImage {
			return []Capability{CapabilityVision}
		}
	}
	for _, att := range msg.Attachments {
		if att.Type == "image" {
			return []Capability{CapabilityVision}
		}
	}
	return nil
}

// Plan decides the effective model and message shaping for one inference.
func (r *FallbackRouter) Plan(ctx context.Context, userMsg *models.Message, currentModel, currentProvider string) *InferencePlan {
	plan := &InferencePlan{Model: currentModel, Provider: currentProvider}

	caps := RequiredCapabilities(userMsg)
	if len(caps) == 0 {
		return plan
	}

	current, known := r.lookupModel(currentModel)
	if known && current.SupportsVision {
		return plan
	}

	// Tool-demanding image operations stay on the tool-capable primary
	// model; the image itself is dropped so the tool can act on the path.
	if userMsg != nil && visionToolDemandRe.MatchString(userMsg.Content) {
		plan.StripImages = true
		r.emitter.Notification("The request needs a tool operating on the image; staying on the current model with images stripped.")
		return plan
	}

	if r.config.VisionModel == "" {
		plan.StripImages = true
		r.emitter.APIKeyRequired(string(CapabilityVision), currentProvider)
		return plan
	}

	if err := r.acquireCredential(ctx, r.config.VisionProvider, r.config.VisionModel); err != nil {
		r.log.Warn("vision fallback credential unavailable",
			slog.String("provider", r.config.VisionProvider),
			slog.String("error", err.Error()))
		plan.StripImages = true
		r.emitter.APIKeyRequired(string(CapabilityVision), r.config.VisionProvider)
		return plan
	}

	plan.Model = r.config.VisionModel
	plan.Provider = r.config.VisionProvider
	plan.FellBack = true
	r.emitter.ModelFallback("missing capability", string(CapabilityVision), currentModel, plan.Model)

	if info, ok := r.lookupModel(plan.Model); ok && !info.SupportsTools {
		plan.DisableTools = true
		plan.SystemOverride = minimalVisionPrompt
		r.emitter.Notification("Tools are temporarily disabled: the vision fallback model cannot call tools.")
	}
	return plan
}

func (r *FallbackRouter) lookupModel(model string) (ModelInfo, bool) {
	if r.lookup == nil {
		return ModelInfo{}, false
	}
	return r.lookup(model)
}

func (r *FallbackRouter) acquireCredential(ctx context.Context, provider, model string) error {
	if r.creds == nil {
		return ErrNoCredential
	}
	key, err := r.creds.Resolve(ctx, provider, model)
	if err != nil {
		return err
	}
	if key == "" {
		return ErrNoCredential
	}
	return nil
}

// StripImageParts removes image parts from synthesized messages, leaving a
// textual placeholder so the model knows an image existed.
func StripImageParts(messages []PromptMessage) []PromptMessage {
	out := make([]PromptMessage, len(messages))
	for i, msg := range messages {
		out[i] = msg
		if len(msg.Parts) == 0 {
			continue
		}
		var parts []models.ContentPart
		stripped := false
		for _, part := range msg.Parts {
			if part.Kind == models.ContentImage {
				stripped = true
				continue
			}
			parts = append(parts, part)
		}
		if stripped {
			parts = append(parts, models.TextPart("[image omitted: current model cannot process images]"))
		}
		out[i].Parts = parts
		if len(parts) == 1 && parts[0].Kind == models.ContentText && out[i].Content == "" {
			out[i].Content = parts[0].Text
			out[i].Parts = nil
		}
	}
	return out
}
