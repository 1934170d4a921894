package tts_test

import (
	"encoding/json"
	"testing"

	"github.com/book-expert/voiceover-service/internal/core"
	"github.com/book-expert/voiceover-service/internal/tts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func float(value float64) *float64 { return &value }

func boolean(value bool) *bool { return &value }

func fullSettings() core.VoiceSettings {
	return core.VoiceSettings{
		Stability:       0.42,
		SimilarityBoost: float(0.8),
		Style:           float(0.3),
		UseSpeakerBoost: boolean(true),
	}
}

func TestResolveCapabilities(t *testing.T) {
	t.Parallel()

	tests := []struct {
		modelID  string
		expected tts.Capabilities
	}{
		{modelID: "eleven_multilingual_v2", expected: tts.Capabilities{SimilarityBoost: true, Style: true, SpeakerBoost: true}},
		{modelID: "eleven_monolingual_v1", expected: tts.Capabilities{SimilarityBoost: true}},
		{modelID: "eleven_turbo_v2_5", expected: tts.Capabilities{SimilarityBoost: true, Style: true, SpeakerBoost: true, DiscreteStability: true}},
		{modelID: "eleven_v3", expected: tts.Capabilities{}},
		{modelID: "eleven_turbo_v1", expected: tts.Capabilities{SimilarityBoost: true}},
		{modelID: "", expected: tts.Capabilities{SimilarityBoost: true, Style: true, SpeakerBoost: true}},
	}

	for _, testCase := range tests {
		t.Run(testCase.modelID, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, testCase.expected, tts.ResolveCapabilities(testCase.modelID))
		})
	}
}

func TestEffectiveSettings_V1DropsStyleAndSpeakerBoost(t *testing.T) {
	t.Parallel()

	out := tts.EffectiveSettings(fullSettings(), tts.ResolveCapabilities("eleven_monolingual_v1"))

	encoded, err := json.Marshal(out)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(encoded, &fields))

	assert.NotContains(t, fields, "style")
	assert.NotContains(t, fields, "use_speaker_boost")
	assert.InDelta(t, 0.8, fields["similarity_boost"], 1e-9)
	assert.InDelta(t, 0.42, fields["stability"], 1e-9)
	assert.InDelta(t, 1.0, fields["speed"], 1e-9)
}

func TestEffectiveSettings_V3KeepsOnlyStability(t *testing.T) {
	t.Parallel()

	out := tts.EffectiveSettings(fullSettings(), tts.ResolveCapabilities("eleven_v3"))

	encoded, err := json.Marshal(out)
	require.NoError(t, err)

	assert.JSONEq(t, `{"stability":0.42,"speed":1}`, string(encoded))
}

func TestEffectiveSettings_TurboSnapsStability(t *testing.T) {
	t.Parallel()

	caps := tts.ResolveCapabilities("eleven_turbo_v2")

	for input, expected := range map[float64]float64{0.1: 0.0, 0.42: 0.5, 0.74: 0.5, 0.9: 1.0, 1.0: 1.0} {
		out := tts.EffectiveSettings(core.VoiceSettings{Stability: input}, caps)
		assert.InDelta(t, expected, out.Stability, 1e-9, "input %v", input)
	}
}

func TestEffectiveSettings_FullModelKeepsEverything(t *testing.T) {
	t.Parallel()

	out := tts.EffectiveSettings(fullSettings(), tts.ResolveCapabilities("eleven_multilingual_v2"))

	require.NotNil(t, out.Style)
	require.NotNil(t, out.UseSpeakerBoost)
	assert.InDelta(t, 0.3, *out.Style, 1e-9)
	assert.True(t, *out.UseSpeakerBoost)
	assert.InDelta(t, 1.0, out.Speed, 1e-9)
}

func TestEffectiveSettings_UnsetOptionalFieldsOmitted(t *testing.T) {
	t.Parallel()

	out := tts.EffectiveSettings(core.VoiceSettings{Stability: 0.5}, tts.ResolveCapabilities("eleven_multilingual_v2"))

	encoded, err := json.Marshal(out)
	require.NoError(t, err)

	assert.JSONEq(t, `{"stability":0.5,"speed":1}`, string(encoded))
}
