package intent

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	contractx "github.com/opentender-lab/tenderdesk/agent/contract"
)

// ruleConfidence is the fixed confidence reported for rule-based (non
// probabilistic) classification.
const ruleConfidence = 1.0

// Keyword lists are policy data, bilingual Italian/English. The evaluation
// ORDER in Detect is the contract: several categories share vocabulary
// ("cerca"/"trova" appear in both ranking and search phrasing), so earlier
// predicates must win and the rank predicate explicitly excludes search
// verbs. Reordering the predicates changes classification outcomes.
var (
	analyzeKeywords = []string{
		"analizza", "analisi", "valuta", "valutazione", "requisiti",
		"analyze", "analysis", "assess", "eligibility", "idoneità",
	}
	applyKeywords = []string{
		"candidatura", "candidarmi", "domanda di partecipazione", "partecipare al bando",
		"apply", "application", "bozza di domanda", "prepara la domanda", "draft an application",
	}
	reviewContractKeywords = []string{
		"contratto", "clausole", "clausola", "capitolato",
		"contract", "clause", "review the contract", "rivedi il contratto",
	}
	rankKeywords = []string{
		"classifica", "ordina", "migliori", "più adatti", "priorità",
		"rank", "ranking", "best match", "top", "shortlist",
	}
	personalizeKeywords = []string{
		"preferenze", "profilo", "personalizza", "mio settore",
		"preferences", "profile", "personalize", "my sector",
	}
	searchVerbs = []string{
		"cerca", "trova", "cercami", "trovami", "search", "find", "look for",
	}
	domainNouns = []string{
		"bando", "bandi", "gara", "gare", "appalto", "appalti",
		"tender", "tenders", "avviso pubblico", "procurement",
	}
)

// Detect maps the transcript's last non-empty user message to an intent. It
// is a pure function: case-insensitive keyword predicates evaluated in fixed
// order, falling through to search on generic domain nouns, then general,
// then unknown when no user content exists at all.
func Detect(transcript contractx.Transcript) contractx.Intent {
	content := strings.ToLower(transcript.LastUserContent())
	if content == "" {
		return contractx.IntentUnknown
	}

	switch {
	case containsAny(content, analyzeKeywords):
		return contractx.IntentAnalyze
	case containsAny(content, applyKeywords):
		return contractx.IntentApply
	case containsAny(content, reviewContractKeywords):
		return contractx.IntentReviewContract
	case containsAny(content, rankKeywords) && !containsAny(content, searchVerbs):
		// A plain search phrased with ranking vocabulary ("trova i migliori
		// bandi") must stay a search; rank only wins without search verbs.
		return contractx.IntentRank
	case containsAny(content, personalizeKeywords):
		return contractx.IntentPersonalize
	case containsAny(content, searchVerbs), containsAny(content, domainNouns):
		return contractx.IntentSearch
	default:
		return contractx.IntentGeneral
	}
}

// DecisionRecorder receives the classification decision. The telemetry
// collector satisfies it; recording is best-effort and never blocks routing.
type DecisionRecorder interface {
	RecordDecision(ctx context.Context, rec contractx.Decision)
}

// Classifier wraps Detect with decision telemetry.
type Classifier struct {
	recorder DecisionRecorder
	now      func() time.Time
}

func NewClassifier(recorder DecisionRecorder) *Classifier {
	return &Classifier{
		recorder: recorder,
		now:      time.Now,
	}
}

// Classify resolves the intent for a turn and emits one Decision record.
func (c *Classifier) Classify(ctx context.Context, transcript contractx.Transcript, threadID string) contractx.Intent {
	resolved := Detect(transcript)
	if c != nil && c.recorder != nil {
		c.recorder.RecordDecision(ctx, contractx.Decision{
			ID:         uuid.NewString(),
			ThreadID:   threadID,
			Source:     "intent_rules",
			Intent:     resolved,
			Confidence: ruleConfidence,
			Timestamp:  c.now().UTC(),
		})
	}
	return resolved
}

func containsAny(content string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(content, kw) {
			return true
		}
	}
	return false
}
