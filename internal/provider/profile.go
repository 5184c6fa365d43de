package provider

import "github.com/nobody-qwert/cline-local/pkg/types"

// SamplingProfile names a sampling preset.
type SamplingProfile string

const (
	// ProfileIdea favours exploratory generation.
	ProfileIdea SamplingProfile = "idea"
	// ProfileStrict favours deterministic generation.
	ProfileStrict SamplingProfile = "strict"
)

// SamplingParams are the sampling settings sent to LM Studio.
type SamplingParams struct {
	Temperature   float64 `json:"temperature"`
	TopP          float64 `json:"topP"`
	TopK          int     `json:"topK"`
	RepeatPenalty float64 `json:"repeatPenalty"`
}

// Canonical profile defaults.
var (
	IdeaDefaults   = SamplingParams{Temperature: 0.9, TopP: 0.95, TopK: 40, RepeatPenalty: 1.05}
	StrictDefaults = SamplingParams{Temperature: 0.1, TopP: 1.0, TopK: 0, RepeatPenalty: 1.0}
)

// SelectProfile picks Idea in plan mode unless idea mode is explicitly
// disabled, and Strict otherwise.
func SelectProfile(mode types.Mode, ideaModeEnabled *bool) SamplingProfile {
	if mode == types.ModePlan && (ideaModeEnabled == nil || *ideaModeEnabled) {
		return ProfileIdea
	}
	return ProfileStrict
}

// ResolveSampling returns the profile for mode and its parameters. Idea reads
// the plan-mode settings and Strict the act-mode settings; each parameter
// falls back to the profile default on its own.
func ResolveSampling(cfg types.APIConfiguration, mode types.Mode) (SamplingProfile, SamplingParams) {
	profile := SelectProfile(mode, cfg.PlanIdeaModeEnabled)
	if profile == ProfileIdea {
		return profile, SamplingParams{
			Temperature:   orDefault(cfg.PlanModeLMStudioTemperature, IdeaDefaults.Temperature),
			TopP:          orDefault(cfg.PlanModeLMStudioTopP, IdeaDefaults.TopP),
			TopK:          orDefault(cfg.PlanModeLMStudioTopK, IdeaDefaults.TopK),
			RepeatPenalty: orDefault(cfg.PlanModeLMStudioRepeatPenalty, IdeaDefaults.RepeatPenalty),
		}
	}
	return profile, SamplingParams{
		Temperature:   orDefault(cfg.ActModeLMStudioTemperature, StrictDefaults.Temperature),
		TopP:          orDefault(cfg.ActModeLMStudioTopP, StrictDefaults.TopP),
		TopK:          orDefault(cfg.ActModeLMStudioTopK, StrictDefaults.TopK),
		RepeatPenalty: orDefault(cfg.ActModeLMStudioRepeatPenalty, StrictDefaults.RepeatPenalty),
	}
}

func orDefault[T any](v *T, def T) T {
	if v == nil {
		return def
	}
	return *v
}
