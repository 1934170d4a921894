package tts

import (
	"math"
	"strings"

	"github.com/book-expert/voiceover-service/internal/core"
)

// Model id markers, checked in this order.
const (
	markerV1    = "v1"
	markerTurbo = "turbo"
	markerV3    = "v3"
)

// Speed is pinned so every chunk of a script is read at the same pace.
const fixedSpeed = 1.0

// Stability presets accepted by models with discrete stability.
const (
	StabilityCreative = 0.0
	StabilityNatural  = 0.5
	StabilityRobust   = 1.0
)

var stabilityPresets = []float64{StabilityCreative, StabilityNatural, StabilityRobust}

// Capabilities is the subset of voice settings a model honors.
type Capabilities struct {
	SimilarityBoost   bool
	Style             bool
	SpeakerBoost      bool
	DiscreteStability bool
}

// ResolveCapabilities classifies a model id. Unknown ids get the full set.
func ResolveCapabilities(modelID string) Capabilities {
	full := Capabilities{SimilarityBoost: true, Style: true, SpeakerBoost: true}
	id := strings.ToLower(modelID)

	switch {
	case strings.Contains(id, markerV1):
		full.Style = false
		full.SpeakerBoost = false
	case strings.Contains(id, markerTurbo):
		full.DiscreteStability = true
	case strings.Contains(id, markerV3):
		return Capabilities{}
	}

	return full
}

// OutgoingSettings is the voice_settings object sent on the wire.
type OutgoingSettings struct {
	Stability       float64  `json:"stability"`
	SimilarityBoost *float64 `json:"similarity_boost,omitempty"`
	Style           *float64 `json:"style,omitempty"`
	UseSpeakerBoost *bool    `json:"use_speaker_boost,omitempty"`
	Speed           float64  `json:"speed"`
}

// EffectiveSettings drops every field caps does not support and pins the speed.
func EffectiveSettings(settings core.VoiceSettings, caps Capabilities) OutgoingSettings {
	out := OutgoingSettings{Stability: settings.Stability, Speed: fixedSpeed}

	if caps.DiscreteStability {
		out.Stability = nearestPreset(settings.Stability)
	}

	if caps.SimilarityBoost {
		out.SimilarityBoost = settings.SimilarityBoost
	}

	if caps.Style {
		out.Style = settings.Style
	}

	if caps.SpeakerBoost {
		out.UseSpeakerBoost = settings.UseSpeakerBoost
	}

	return out
}

func nearestPreset(value float64) float64 {
	best := stabilityPresets[0]

	for _, preset := range stabilityPresets[1:] {
		if math.Abs(value-preset) < math.Abs(value-best) {
			best = preset
		}
	}

	return best
}

func validateSettings(settings core.VoiceSettings) error {
	fields := map[string]*float64{
		"stability":        &settings.Stability,
		"similarity_boost": settings.SimilarityBoost,
		"style":            settings.Style,
	}

	for _, name := range []string{"stability", "similarity_boost", "style"} {
		value := fields[name]
		if value == nil {
			continue
		}

		if math.IsNaN(*value) || *value < 0 || *value > 1 {
			return core.NewValidationError("%s must be between 0 and 1, got %v", name, *value)
		}
	}

	return nil
}
