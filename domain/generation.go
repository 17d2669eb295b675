package domain

import "fmt"

// GenerationConfig holds the sampling knobs sent with every request.
type GenerationConfig struct {
	Temperature       float64 `json:"temperature" mapstructure:"temperature"`
	TopP              float64 `json:"top_p" mapstructure:"top_p"`
	MaxLength         int     `json:"max_length" mapstructure:"max_length"`
	RepetitionPenalty float64 `json:"repetition_penalty" mapstructure:"repetition_penalty"`
}

// Slider bounds offered to the browser.
const (
	MinTemperature       = 0.01
	MaxTemperature       = 5.0
	MinTopP              = 0.01
	MaxTopP              = 1.0
	MinMaxLength         = 32
	MaxMaxLength         = 4096
	MinRepetitionPenalty = 0.01
	MaxRepetitionPenalty = 5.0
)

func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		Temperature:       0.1,
		TopP:              0.9,
		MaxLength:         512,
		RepetitionPenalty: 1,
	}
}

func (c GenerationConfig) Validate() error {
	switch {
	case c.Temperature < MinTemperature || c.Temperature > MaxTemperature:
		return fmt.Errorf("temperature %.2f out of range [%.2f, %.2f]", c.Temperature, MinTemperature, MaxTemperature)
	case c.TopP < MinTopP || c.TopP > MaxTopP:
		return fmt.Errorf("top_p %.2f out of range [%.2f, %.2f]", c.TopP, MinTopP, MaxTopP)
	case c.MaxLength < MinMaxLength || c.MaxLength > MaxMaxLength:
		return fmt.Errorf("max_length %d out of range [%d, %d]", c.MaxLength, MinMaxLength, MaxMaxLength)
	case c.RepetitionPenalty < MinRepetitionPenalty || c.RepetitionPenalty > MaxRepetitionPenalty:
		return fmt.Errorf("repetition_penalty %.2f out of range [%.2f, %.2f]", c.RepetitionPenalty, MinRepetitionPenalty, MaxRepetitionPenalty)
	}
	return nil
}

// GenerationOverrides carries the optional per-request slider values.
type GenerationOverrides struct {
	Temperature       *float64 `json:"temperature,omitempty"`
	TopP              *float64 `json:"top_p,omitempty"`
	MaxLength         *int     `json:"max_length,omitempty"`
	RepetitionPenalty *float64 `json:"repetition_penalty,omitempty"`
}

// Apply returns base with every set override copied over it.
func (o *GenerationOverrides) Apply(base GenerationConfig) GenerationConfig {
	if o == nil {
		return base
	}
	if o.Temperature != nil {
		base.Temperature = *o.Temperature
	}
	if o.TopP != nil {
		base.TopP = *o.TopP
	}
	if o.MaxLength != nil {
		base.MaxLength = *o.MaxLength
	}
	if o.RepetitionPenalty != nil {
		base.RepetitionPenalty = *o.RepetitionPenalty
	}
	return base
}
