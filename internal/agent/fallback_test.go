package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/haasonsaas/conductor/pkg/models"
)

func fallbackLookup(models map[string]ModelInfo) func(string) (ModelInfo, bool) {
	return func(id string) (ModelInfo, bool) {
		info, ok := models[id]
		return info, ok
	}
}

func imageMessage(content string) *models.Message {
	return &models.Message{
		Role:    models.RoleUser,
		Content: content,
		Parts: []models.ContentPart{
			models.TextPart(content),
			models.ImagePart("image/png", "abc"),
		},
	}
}

func staticCreds(key string, err error) CredentialResolver {
	return CredentialResolverFunc(func(ctx context.Context, provider, model string) (string, error) {
		return key, err
	})
}

func TestRequiredCapabilities(t *testing.T) {
	if caps := RequiredCapabilities(nil); caps != nil {
		t.Errorf("nil message: %v", caps)
	}
	if caps := RequiredCapabilities(&models.Message{Content: "plain"}); caps != nil {
		t.Errorf("text message: %v", caps)
	}
	if caps := RequiredCapabilities(imageMessage("look")); len(caps) != 1 || caps[0] != CapabilityVision {
		t.Errorf("image parts: %v", caps)
	}
	att := &models.Message{Attachments: []models.Attachment{{Type: "image", Path: "shot.png"}}}
	if caps := RequiredCapabilities(att); len(caps) != 1 || caps[0] != CapabilityVision {
		t.Errorf("image attachment: %v", caps)
	}
}

func TestFallbackNoopWhenModelHasVision(t *testing.T) {
	emitter := NewEmitter("run-test")
	router := NewFallbackRouter(nil, nil, emitter,
		fallbackLookup(map[string]ModelInfo{"primary": {ID: "primary", SupportsVision: true, SupportsTools: true}}),
		testLogger())

	plan := router.Plan(context.Background(), imageMessage("describe this"), "primary", "anthropic")
	if plan.FellBack || plan.StripImages || plan.Model != "primary" {
		t.Errorf("plan = %+v, want passthrough", plan)
	}
}

func TestFallbackToolDemandStaysOnPrimary(t *testing.T) {
	emitter := NewEmitter("run-test")
	router := NewFallbackRouter(
		&FallbackConfig{VisionModel: "vision-model", VisionProvider: "openai"},
		staticCreds("key", nil), emitter,
		fallbackLookup(map[string]ModelInfo{"primary": {ID: "primary", SupportsTools: true}}),
		testLogger())

	plan := router.Plan(context.Background(), imageMessage("crop the screenshot to the header"), "primary", "anthropic")
	if plan.FellBack {
		t.Error("tool-demanding request should not switch models")
	}
	if !plan.StripImages {
		t.Error("images should be stripped so the tool acts on the path")
	}
	events := drainEmitter(emitter)
	if len(eventsOfType(events, models.EventNotification)) != 1 {
		t.Error("expected a notification explaining the decision")
	}
}

func TestFallbackNoVisionModelConfigured(t *testing.T) {
	emitter := NewEmitter("run-test")
	router := NewFallbackRouter(nil, nil, emitter,
		fallbackLookup(map[string]ModelInfo{"primary": {ID: "primary"}}), testLogger())

	plan := router.Plan(context.Background(), imageMessage("describe this"), "primary", "anthropic")
	if plan.FellBack || !plan.StripImages {
		t.Errorf("plan = %+v, want strip without fallback", plan)
	}
	events := drainEmitter(emitter)
	if len(eventsOfType(events, models.EventAPIKeyRequired)) != 1 {
		t.Error("expected an api_key_required event")
	}
}

func TestFallbackCredentialFailureStripsImages(t *testing.T) {
	emitter := NewEmitter("run-test")
	router := NewFallbackRouter(
		&FallbackConfig{VisionModel: "vision-model", VisionProvider: "openai"},
		staticCreds("", ErrNoCredential), emitter,
		fallbackLookup(map[string]ModelInfo{"primary": {ID: "primary"}}), testLogger())

	plan := router.Plan(context.Background(), imageMessage("describe this"), "primary", "anthropic")
	if plan.FellBack {
		t.Error("fallback without a credential should not switch")
	}
	if !plan.StripImages {
		t.Error("images should be stripped")
	}
	events := drainEmitter(emitter)
	if len(eventsOfType(events, models.EventAPIKeyRequired)) != 1 {
		t.Error("expected an api_key_required event")
	}
}

func TestFallbackSwitchesModel(t *testing.T) {
	emitter := NewEmitter("run-test")
	router := NewFallbackRouter(
		&FallbackConfig{VisionModel: "vision-model", VisionProvider: "openai"},
		staticCreds("sk-test", nil), emitter,
		fallbackLookup(map[string]ModelInfo{
			"primary":      {ID: "primary"},
			"vision-model": {ID: "vision-model", SupportsVision: true, SupportsTools: true},
		}),
		testLogger())

	plan := router.Plan(context.Background(), imageMessage("describe this"), "primary", "anthropic")
	if !plan.FellBack || plan.Model != "vision-model" || plan.Provider != "openai" {
		t.Errorf("plan = %+v, want switch to vision-model", plan)
	}
	if plan.DisableTools || plan.SystemOverride != "" {
		t.Error("tool-capable fallback should keep tools and prompt")
	}
	events := drainEmitter(emitter)
	if len(eventsOfType(events, models.EventModelFallback)) != 1 {
		t.Error("expected a model_fallback event")
	}
}

func TestFallbackToolLessModelDisablesTools(t *testing.T) {
	emitter := NewEmitter("run-test")
	router := NewFallbackRouter(
		&FallbackConfig{VisionModel: "vision-model", VisionProvider: "openai"},
		staticCreds("sk-test", nil), emitter,
		fallbackLookup(map[string]ModelInfo{
			"primary":      {ID: "primary"},
			"vision-model": {ID: "vision-model", SupportsVision: true},
		}),
		testLogger())

	plan := router.Plan(context.Background(), imageMessage("describe this"), "primary", "anthropic")
	if !plan.FellBack || !plan.DisableTools {
		t.Errorf("plan = %+v, want fallback with tools disabled", plan)
	}
	if plan.SystemOverride == "" {
		t.Error("tool-less fallback should override the system prompt")
	}
}

func TestStripImagePartsLeavesPlaceholder(t *testing.T) {
	messages := []PromptMessage{
		{Role: string(models.RoleUser), Parts: []models.ContentPart{
			models.TextPart("look at this"),
			models.ImagePart("image/png", "abc"),
		}},
		{Role: string(models.RoleAssistant), Content: "sure"},
	}
	out := StripImageParts(messages)

	parts := out[0].Parts
	if len(parts) != 2 {
		t.Fatalf("parts = %d, want text plus placeholder", len(parts))
	}
	if !strings.Contains(parts[1].Text, "image omitted") {
		t.Errorf("placeholder = %q", parts[1].Text)
	}
	if out[1].Content != "sure" {
		t.Error("part-less message should pass through")
	}
}

func TestStripImagePartsCollapsesToContent(t *testing.T) {
	messages := []PromptMessage{
		{Role: string(models.RoleUser), Parts: []models.ContentPart{
			models.ImagePart("image/png", "abc"),
		}},
	}
	out := StripImageParts(messages)
	if out[0].Parts != nil {
		t.Errorf("Parts = %v, want collapsed", out[0].Parts)
	}
	if !strings.Contains(out[0].Content, "image omitted") {
		t.Errorf("Content = %q", out[0].Content)
	}
}
