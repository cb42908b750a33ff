package prompt

import (
	_ "embed"
	"fmt"
	"strings"

	contractx "github.com/opentender-lab/tenderdesk/agent/contract"
)

var (
	//go:embed template/search.txt
	searchRaw string

	//go:embed template/analyze.txt
	analyzeRaw string

	//go:embed template/personalize.txt
	personalizeRaw string

	//go:embed template/rank.txt
	rankRaw string

	//go:embed template/apply.txt
	applyRaw string

	//go:embed template/review_contract.txt
	reviewContractRaw string

	//go:embed template/general.txt
	generalRaw string
)

// PromptSet holds the fixed instruction text per capability.
type PromptSet struct {
	byIntent map[contractx.Intent]string
}

// LoadPromptSet returns the embedded, trimmed instruction set. Safe to call
// concurrently; the embed is compile-time.
func LoadPromptSet() PromptSet {
	return PromptSet{
		byIntent: map[contractx.Intent]string{
			contractx.IntentSearch:         strings.TrimSpace(searchRaw),
			contractx.IntentAnalyze:        strings.TrimSpace(analyzeRaw),
			contractx.IntentPersonalize:    strings.TrimSpace(personalizeRaw),
			contractx.IntentRank:           strings.TrimSpace(rankRaw),
			contractx.IntentApply:          strings.TrimSpace(applyRaw),
			contractx.IntentReviewContract: strings.TrimSpace(reviewContractRaw),
			contractx.IntentGeneral:        strings.TrimSpace(generalRaw),
		},
	}
}

// For returns the instruction text for one capability.
func (p PromptSet) For(intent contractx.Intent) (string, error) {
	text, ok := p.byIntent[intent]
	if !ok || text == "" {
		return "", fmt.Errorf("%w: no instructions for intent=%s", contractx.ErrValidation, intent)
	}
	return text, nil
}
