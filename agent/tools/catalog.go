package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"
	contractx "github.com/opentender-lab/tenderdesk/agent/contract"
	toolwrapx "github.com/opentender-lab/tenderdesk/agent/toolwrap"
)

// Tool names. The response extractor keys off these to find domain payloads,
// so renaming one is a contract change.
const (
	ToolSearchTenders      = "search_tenders"
	ToolGetTenderDetails   = "get_tender_details"
	ToolAnalyzeDocument    = "analyze_tender_document"
	ToolGetUserProfile     = "get_user_profile"
	ToolUpdatePreferences  = "update_user_preferences"
	ToolSaveDraft          = "save_application_draft"
	ToolSendApplication    = "send_application_email"
	ToolRetrieveContract   = "retrieve_contract"
	ToolSaveContractReview = "save_contract_review"
)

// Catalog builds the wrapped toolset for each capability from the narrow
// external-collaborator interfaces. The orchestration core never talks to a
// provider directly; everything goes through these wrappers.
type Catalog struct {
	searcher     contractx.TenderSearcher
	profiles     contractx.ProfileStore
	applications contractx.ApplicationStore
	documents    contractx.DocumentRetriever
	mailer       contractx.Mailer

	opts []toolwrapx.Option
}

func NewCatalog(
	searcher contractx.TenderSearcher,
	profiles contractx.ProfileStore,
	applications contractx.ApplicationStore,
	documents contractx.DocumentRetriever,
	mailer contractx.Mailer,
	opts ...toolwrapx.Option,
) *Catalog {
	return &Catalog{
		searcher:     searcher,
		profiles:     profiles,
		applications: applications,
		documents:    documents,
		mailer:       mailer,
		opts:         opts,
	}
}

// ForIntent returns the fixed tool list bound to a capability handler.
func (c *Catalog) ForIntent(intent contractx.Intent) ([]*toolwrapx.Tool, error) {
	switch intent {
	case contractx.IntentSearch:
		return c.build(c.searchTenders)
	case contractx.IntentAnalyze:
		return c.build(c.getTenderDetails, c.analyzeDocument)
	case contractx.IntentPersonalize:
		return c.build(c.getUserProfile, c.updatePreferences)
	case contractx.IntentRank:
		return c.build(c.searchTenders, c.getUserProfile)
	case contractx.IntentApply:
		return c.build(c.getTenderDetails, c.getUserProfile, c.saveDraft, c.sendApplication)
	case contractx.IntentReviewContract:
		return c.build(c.retrieveContract, c.saveContractReview)
	case contractx.IntentGeneral:
		return c.build()
	default:
		return nil, fmt.Errorf("%w: no toolset for intent=%s", contractx.ErrValidation, intent)
	}
}

func (c *Catalog) build(factories ...func() (*toolwrapx.Tool, error)) ([]*toolwrapx.Tool, error) {
	out := make([]*toolwrapx.Tool, 0, len(factories))
	for _, factory := range factories {
		tool, err := factory()
		if err != nil {
			return nil, err
		}
		out = append(out, tool)
	}
	return out, nil
}

/* ------------------------------ search tools ----------------------------- */

// searchResult is the payload shape of search_tenders output: the result rows
// plus the query metadata the formatter extracts.
type searchResult struct {
	Query   string             `json:"query"`
	Filters map[string]any     `json:"filters,omitempty"`
	Results []contractx.Tender `json:"results"`
}

func (c *Catalog) searchTenders() (*toolwrapx.Tool, error) {
	params := map[string]*schema.ParameterInfo{
		"query": {Type: schema.String, Desc: "Natural language tender search query", Required: true},
		"region": {Type: schema.String, Desc: "Italian region filter, e.g. Lombardia"},
		"category": {Type: schema.String, Desc: "Tender category filter, e.g. software"},
		"min_amount": {Type: schema.Number, Desc: "Minimum tender amount in EUR"},
		"max_amount": {Type: schema.Number, Desc: "Maximum tender amount in EUR"},
		"open_only": {Type: schema.Boolean, Desc: "Only tenders still accepting applications"},
	}
	return toolwrapx.New(ToolSearchTenders,
		"Search public tenders by free-text query with optional filters.",
		params,
		func(ctx context.Context, args map[string]any) (any, error) {
			if c.searcher == nil {
				return nil, fmt.Errorf("%w: tender search provider is not configured", contractx.ErrUserFixable)
			}
			query := stringArg(args, "query")
			filters := contractx.SearchFilters{
				Region:    stringArg(args, "region"),
				Category:  stringArg(args, "category"),
				MinAmount: floatArg(args, "min_amount"),
				MaxAmount: floatArg(args, "max_amount"),
				OpenOnly:  boolArg(args, "open_only"),
			}
			results, err := c.searcher.Search(ctx, query, filters)
			if err != nil {
				return nil, err
			}
			out := searchResult{
				Query:   query,
				Results: results,
			}
			if fm := filtersMap(filters); len(fm) > 0 {
				out.Filters = fm
			}
			return out, nil
		},
		c.opts...)
}

func (c *Catalog) getTenderDetails() (*toolwrapx.Tool, error) {
	params := map[string]*schema.ParameterInfo{
		"tender_id": {Type: schema.String, Desc: "Identifier of the tender", Required: true},
	}
	return toolwrapx.New(ToolGetTenderDetails,
		"Fetch the full record of a single tender by id.",
		params,
		func(ctx context.Context, args map[string]any) (any, error) {
			if c.searcher == nil {
				return nil, fmt.Errorf("%w: tender search provider is not configured", contractx.ErrUserFixable)
			}
			tender, err := c.searcher.Details(ctx, stringArg(args, "tender_id"))
			if err != nil {
				return nil, err
			}
			if tender == nil {
				return nil, fmt.Errorf("%w: no tender found for that id, verify the id or search again", contractx.ErrLLMRecoverable)
			}
			return tender, nil
		},
		c.opts...)
}

func (c *Catalog) analyzeDocument() (*toolwrapx.Tool, error) {
	params := map[string]*schema.ParameterInfo{
		"tender_id": {Type: schema.String, Desc: "Identifier of the tender whose documents to inspect", Required: true},
		"question":  {Type: schema.String, Desc: "What to look for in the tender documents", Required: true},
	}
	return toolwrapx.New(ToolAnalyzeDocument,
		"Retrieve tender document passages relevant to a question.",
		params,
		func(ctx context.Context, args map[string]any) (any, error) {
			if c.documents == nil {
				return nil, fmt.Errorf("%w: document retrieval is not configured", contractx.ErrUserFixable)
			}
			passages, err := c.documents.Retrieve(ctx, stringArg(args, "tender_id"), stringArg(args, "question"))
			if err != nil {
				return nil, err
			}
			if strings.TrimSpace(passages) == "" {
				return nil, fmt.Errorf("%w: no relevant passages found, rephrase the question", contractx.ErrLLMRecoverable)
			}
			return passages, nil
		},
		c.opts...)
}

/* ------------------------------ profile tools ---------------------------- */

func (c *Catalog) getUserProfile() (*toolwrapx.Tool, error) {
	params := map[string]*schema.ParameterInfo{
		"user_id": {Type: schema.String, Desc: "Identifier of the user", Required: true},
	}
	return toolwrapx.New(ToolGetUserProfile,
		"Load the user's company profile and tender preferences.",
		params,
		func(ctx context.Context, args map[string]any) (any, error) {
			if c.profiles == nil {
				return nil, fmt.Errorf("%w: profile storage is not configured", contractx.ErrUserFixable)
			}
			profile, err := c.profiles.GetProfile(ctx, stringArg(args, "user_id"))
			if err != nil {
				return nil, err
			}
			if profile == nil {
				return nil, fmt.Errorf("%w: ask the user to complete their profile first", contractx.ErrUserFixable)
			}
			return profile, nil
		},
		c.opts...)
}

func (c *Catalog) updatePreferences() (*toolwrapx.Tool, error) {
	params := map[string]*schema.ParameterInfo{
		"user_id": {Type: schema.String, Desc: "Identifier of the user", Required: true},
		"patch":   {Type: schema.Object, Desc: "Preference fields to update", Required: true},
	}
	return toolwrapx.New(ToolUpdatePreferences,
		"Update the user's tender preferences.",
		params,
		func(ctx context.Context, args map[string]any) (any, error) {
			if c.profiles == nil {
				return nil, fmt.Errorf("%w: profile storage is not configured", contractx.ErrUserFixable)
			}
			patch, _ := args["patch"].(map[string]any)
			if err := c.profiles.UpdatePreferences(ctx, stringArg(args, "user_id"), patch); err != nil {
				return nil, err
			}
			return map[string]any{"updated": true}, nil
		},
		c.opts...)
}

/* ---------------------------- application tools -------------------------- */

func (c *Catalog) saveDraft() (*toolwrapx.Tool, error) {
	params := map[string]*schema.ParameterInfo{
		"user_id":   {Type: schema.String, Desc: "Identifier of the user", Required: true},
		"tender_id": {Type: schema.String, Desc: "Tender the application targets", Required: true},
		"body":      {Type: schema.String, Desc: "Full application draft text", Required: true},
	}
	return toolwrapx.New(ToolSaveDraft,
		"Persist a drafted tender application for later editing.",
		params,
		func(ctx context.Context, args map[string]any) (any, error) {
			if c.applications == nil {
				return nil, fmt.Errorf("%w: application storage is not configured", contractx.ErrUserFixable)
			}
			id, err := c.applications.SaveDraft(ctx, contractx.ApplicationDraft{
				UserID:   stringArg(args, "user_id"),
				TenderID: stringArg(args, "tender_id"),
				Body:     stringArg(args, "body"),
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"draft_id": id}, nil
		},
		c.opts...)
}

func (c *Catalog) sendApplication() (*toolwrapx.Tool, error) {
	params := map[string]*schema.ParameterInfo{
		"to":      {Type: schema.String, Desc: "Destination email address", Required: true},
		"subject": {Type: schema.String, Desc: "Email subject", Required: true},
		"body":    {Type: schema.String, Desc: "Email body", Required: true},
	}
	return toolwrapx.New(ToolSendApplication,
		"Send the drafted application by email.",
		params,
		func(ctx context.Context, args map[string]any) (any, error) {
			if c.mailer == nil {
				return nil, fmt.Errorf("%w: outbound email is not configured", contractx.ErrUserFixable)
			}
			to := stringArg(args, "to")
			if !strings.Contains(to, "@") {
				return nil, fmt.Errorf("%w: destination address %q is not a valid email", contractx.ErrUserFixable, to)
			}
			if err := c.mailer.Send(ctx, to, stringArg(args, "subject"), stringArg(args, "body")); err != nil {
				return nil, err
			}
			return map[string]any{"sent": true, "to": to}, nil
		},
		c.opts...)
}

/* ------------------------------ contract tools --------------------------- */

func (c *Catalog) retrieveContract() (*toolwrapx.Tool, error) {
	params := map[string]*schema.ParameterInfo{
		"contract_id": {Type: schema.String, Desc: "Identifier of the contract document", Required: true},
		"question":    {Type: schema.String, Desc: "Clause or topic to retrieve, empty for the full text"},
	}
	return toolwrapx.New(ToolRetrieveContract,
		"Retrieve contract text relevant to a clause or topic.",
		params,
		func(ctx context.Context, args map[string]any) (any, error) {
			if c.documents == nil {
				return nil, fmt.Errorf("%w: document retrieval is not configured", contractx.ErrUserFixable)
			}
			text, err := c.documents.Retrieve(ctx, stringArg(args, "contract_id"), stringArg(args, "question"))
			if err != nil {
				return nil, err
			}
			if strings.TrimSpace(text) == "" {
				return nil, fmt.Errorf("%w: contract document is empty or missing", contractx.ErrLLMRecoverable)
			}
			return text, nil
		},
		c.opts...)
}

func (c *Catalog) saveContractReview() (*toolwrapx.Tool, error) {
	params := map[string]*schema.ParameterInfo{
		"contract_id": {Type: schema.String, Desc: "Identifier of the reviewed contract", Required: true},
		"review":      {Type: schema.Object, Desc: "Structured review: risks, obligations, deadlines, verdict", Required: true},
	}
	return toolwrapx.New(ToolSaveContractReview,
		"Record the structured contract review so it reaches the caller.",
		params,
		func(ctx context.Context, args map[string]any) (any, error) {
			review, _ := args["review"].(map[string]any)
			if len(review) == 0 {
				return nil, fmt.Errorf("%w: review object is empty, produce the structured review first", contractx.ErrLLMRecoverable)
			}
			return contractx.ContractReview{
				ContractID: stringArg(args, "contract_id"),
				Review:     review,
			}, nil
		},
		c.opts...)
}

/* -------------------------------- helpers -------------------------------- */

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return strings.TrimSpace(v)
}

func floatArg(args map[string]any, key string) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

func boolArg(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func filtersMap(f contractx.SearchFilters) map[string]any {
	out := map[string]any{}
	if f.Region != "" {
		out["region"] = f.Region
	}
	if f.Category != "" {
		out["category"] = f.Category
	}
	if f.MinAmount > 0 {
		out["min_amount"] = f.MinAmount
	}
	if f.MaxAmount > 0 {
		out["max_amount"] = f.MaxAmount
	}
	if f.OpenOnly {
		out["open_only"] = true
	}
	return out
}
