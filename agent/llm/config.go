package llm

import (
	"fmt"
	"strings"
	"time"

	contractx "github.com/opentender-lab/tenderdesk/agent/contract"
	openrouterx "github.com/opentender-lab/tenderdesk/pkg/openrouter"
)

// Config maps the three model tiers onto concrete provider models. A tier is
// a cost/capability selector; handlers never name a vendor model directly.
type Config struct {
	BaseURL            string        `envconfig:"BASE_URL" split_words:"true" default:"https://openrouter.ai/api/v1"`
	APIKey             string        `envconfig:"API_KEY" split_words:"true" required:"true"`
	Model              string        `envconfig:"MODEL" split_words:"true" required:"true"`
	MaxCompletionToken int           `envconfig:"MAX_COMPLETION_TOKEN" split_words:"true" default:"2000"`
	Temperature        float32       `envconfig:"TEMPERATURE" split_words:"true" default:"0.3"`
	Timeout            time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"30s"`
	SiteURL            string        `envconfig:"SITE_URL" split_words:"true"`
	SiteName           string        `envconfig:"SITE_NAME" split_words:"true"`

	SmallModel  string `envconfig:"SMALL_MODEL" split_words:"true"`
	MediumModel string `envconfig:"MEDIUM_MODEL" split_words:"true"`
	LargeModel  string `envconfig:"LARGE_MODEL" split_words:"true"`

	SmallTemperature  float32 `envconfig:"SMALL_TEMPERATURE" split_words:"true" default:"-1"`
	MediumTemperature float32 `envconfig:"MEDIUM_TEMPERATURE" split_words:"true" default:"-1"`
	LargeTemperature  float32 `envconfig:"LARGE_TEMPERATURE" split_words:"true" default:"-1"`
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("%w: llm api key is required", contractx.ErrValidation)
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("%w: default model is required", contractx.ErrValidation)
	}
	return nil
}

// OpenRouterFor resolves a tier to a provider model config, falling back to
// the default model when a tier override is unset.
func (c Config) OpenRouterFor(tier contractx.ModelTier) openrouterx.Config {
	modelName := strings.TrimSpace(c.Model)
	temp := c.Temperature

	switch tier {
	case contractx.TierSmall:
		if v := strings.TrimSpace(c.SmallModel); v != "" {
			modelName = v
		}
		if c.SmallTemperature >= 0 {
			temp = c.SmallTemperature
		}
	case contractx.TierMedium:
		if v := strings.TrimSpace(c.MediumModel); v != "" {
			modelName = v
		}
		if c.MediumTemperature >= 0 {
			temp = c.MediumTemperature
		}
	case contractx.TierLarge:
		if v := strings.TrimSpace(c.LargeModel); v != "" {
			modelName = v
		}
		if c.LargeTemperature >= 0 {
			temp = c.LargeTemperature
		}
	}

	maxCompletionToken := c.MaxCompletionToken
	return openrouterx.Config{
		BaseURL:            strings.TrimSpace(c.BaseURL),
		APIKey:             strings.TrimSpace(c.APIKey),
		Model:              modelName,
		MaxCompletionToken: &maxCompletionToken,
		Temperature:        temp,
		Timeout:            c.Timeout,
		SiteURL:            strings.TrimSpace(c.SiteURL),
		SiteName:           strings.TrimSpace(c.SiteName),
	}
}
