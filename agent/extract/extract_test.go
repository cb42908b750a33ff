package extract

import (
	"testing"

	contractx "github.com/opentender-lab/tenderdesk/agent/contract"
)

func toolMsg(name, content string) contractx.Message {
	return contractx.Message{
		Role:       contractx.RoleTool,
		Name:       name,
		Content:    content,
		ToolCallID: "call-1",
	}
}

func assistantMsg(content string) contractx.Message {
	return contractx.Message{Role: contractx.RoleAssistant, Content: content}
}

func TestFormatTextOnly(t *testing.T) {
	t.Parallel()

	transcript := contractx.Transcript{
		{Role: contractx.RoleUser, Content: "ciao"},
		assistantMsg("Ciao! Come posso aiutarti con i bandi pubblici?"),
	}

	env := Format(transcript, "")
	if env.Text != "Ciao! Come posso aiutarti con i bandi pubblici?" {
		t.Errorf("unexpected text: %q", env.Text)
	}
	if env.Tenders != nil {
		t.Error("expected nil tenders when no qualifying tool ran")
	}
	if env.Metadata != nil {
		t.Error("expected nil metadata when no qualifying tool ran")
	}
}

func TestFormatStringEncodedArray(t *testing.T) {
	t.Parallel()

	// Tool output is a JSON string wrapping the array, not the array itself.
	transcript := contractx.Transcript{
		{Role: contractx.RoleUser, Content: "trova bandi"},
		toolMsg("search_tenders", `"[{\"title\":\"X\"}]"`),
		assistantMsg("Ho trovato 1 bando."),
	}

	env := Format(transcript, "")
	if len(env.Tenders) != 1 {
		t.Fatalf("expected 1 tender, got %d", len(env.Tenders))
	}
	if env.Tenders[0].Title != "X" {
		t.Errorf("unexpected title: %q", env.Tenders[0].Title)
	}
	if env.Metadata == nil || env.Metadata.ResultCount != 1 {
		t.Errorf("expected result count 1, got %+v", env.Metadata)
	}
}

func TestFormatNativeArray(t *testing.T) {
	t.Parallel()

	transcript := contractx.Transcript{
		toolMsg("search_tenders", `[{"title":"A"},{"title":"B"}]`),
		assistantMsg("Due bandi trovati."),
	}

	env := Format(transcript, "")
	if len(env.Tenders) != 2 {
		t.Fatalf("expected 2 tenders, got %d", len(env.Tenders))
	}
	if env.Metadata.ResultCount != 2 {
		t.Errorf("expected result count 2, got %d", env.Metadata.ResultCount)
	}
}

func TestFormatEmbeddedArray(t *testing.T) {
	t.Parallel()

	transcript := contractx.Transcript{
		toolMsg("search_tenders", `Found these matches: [{"title":"Ponte [lotto 2]"}] end of list`),
		assistantMsg("Un bando trovato."),
	}

	env := Format(transcript, "")
	if len(env.Tenders) != 1 {
		t.Fatalf("expected 1 tender, got %d", len(env.Tenders))
	}
	if env.Tenders[0].Title != "Ponte [lotto 2]" {
		t.Errorf("unexpected title: %q", env.Tenders[0].Title)
	}
}

func TestFormatObjectWithMetadata(t *testing.T) {
	t.Parallel()

	transcript := contractx.Transcript{
		toolMsg("search_tenders", `{"query":"software","filters":{"region":"Lazio"},"results":[{"title":"Portale"}]}`),
		assistantMsg("Ecco i risultati."),
	}

	env := Format(transcript, "")
	if len(env.Tenders) != 1 {
		t.Fatalf("expected 1 tender, got %d", len(env.Tenders))
	}
	if env.Metadata == nil {
		t.Fatal("expected metadata")
	}
	if env.Metadata.Query != "software" {
		t.Errorf("unexpected query: %q", env.Metadata.Query)
	}
	if env.Metadata.Filters["region"] != "Lazio" {
		t.Errorf("unexpected filters: %v", env.Metadata.Filters)
	}
	if env.Metadata.ResultCount != 1 {
		t.Errorf("unexpected result count: %d", env.Metadata.ResultCount)
	}
}

func TestFormatEmptyResultIsNonNil(t *testing.T) {
	t.Parallel()

	transcript := contractx.Transcript{
		toolMsg("search_tenders", `[]`),
		assistantMsg("Nessun bando trovato."),
	}

	env := Format(transcript, "")
	if env.Tenders == nil {
		t.Fatal("expected non-nil empty tenders when the tool ran with zero rows")
	}
	if len(env.Tenders) != 0 {
		t.Fatalf("expected 0 tenders, got %d", len(env.Tenders))
	}
	if env.Metadata == nil || env.Metadata.ResultCount != 0 {
		t.Errorf("expected result count 0, got %+v", env.Metadata)
	}
}

func TestFormatUnparseableDegradesToText(t *testing.T) {
	t.Parallel()

	transcript := contractx.Transcript{
		toolMsg("search_tenders", `the upstream service said nothing useful`),
		assistantMsg("Non sono riuscito a recuperare i risultati."),
	}

	env := Format(transcript, "")
	if env.Tenders != nil {
		t.Error("expected nil tenders for unparseable output")
	}
	if env.Text == "" {
		t.Error("expected text to survive")
	}
}

func TestFormatConcatenatesToolResultsInOrder(t *testing.T) {
	t.Parallel()

	transcript := contractx.Transcript{
		toolMsg("search_tenders", `[{"title":"Old"}]`),
		toolMsg("search_tenders", `{"query":"edilizia","results":[{"title":"New A"},{"title":"New B"}]}`),
		assistantMsg("Aggiornato."),
	}

	env := Format(transcript, "")
	if len(env.Tenders) != 3 {
		t.Fatalf("expected all 3 tenders across both calls, got %d", len(env.Tenders))
	}
	wantTitles := []string{"Old", "New A", "New B"}
	for i, want := range wantTitles {
		if env.Tenders[i].Title != want {
			t.Errorf("tender %d: expected %q, got %q", i, want, env.Tenders[i].Title)
		}
	}
	if env.Metadata == nil || env.Metadata.ResultCount != 3 {
		t.Errorf("expected result count 3, got %+v", env.Metadata)
	}
	if env.Metadata.Query != "edilizia" {
		t.Errorf("expected query from the object-form call, got %q", env.Metadata.Query)
	}
}

func TestFormatSkipsUnparseableMessageKeepsOthers(t *testing.T) {
	t.Parallel()

	transcript := contractx.Transcript{
		toolMsg("search_tenders", `[{"title":"Good"}]`),
		toolMsg("search_tenders", `the upstream service said nothing useful`),
		assistantMsg("Ecco cosa ho trovato."),
	}

	env := Format(transcript, "")
	if len(env.Tenders) != 1 || env.Tenders[0].Title != "Good" {
		t.Fatalf("a garbled later message must not hide earlier results, got %+v", env.Tenders)
	}
	if env.Metadata == nil || env.Metadata.ResultCount != 1 {
		t.Errorf("expected result count 1, got %+v", env.Metadata)
	}
}

func TestFormatContractReview(t *testing.T) {
	t.Parallel()

	transcript := contractx.Transcript{
		toolMsg("save_contract_review", `{"contract_id":"c-9","review":{"risk":"medium"}}`),
		assistantMsg("Revisione completata."),
	}

	env := Format(transcript, "")
	if env.ContractReview == nil {
		t.Fatal("expected contract review")
	}
	if env.ContractReview.ContractID != "c-9" {
		t.Errorf("unexpected contract id: %q", env.ContractReview.ContractID)
	}
	if env.ContractReview.Review["risk"] != "medium" {
		t.Errorf("unexpected review payload: %v", env.ContractReview.Review)
	}
	if env.Tenders != nil {
		t.Error("expected nil tenders alongside a review-only turn")
	}
}

func TestFormatAccumulatedTextOverride(t *testing.T) {
	t.Parallel()

	transcript := contractx.Transcript{
		assistantMsg("final transcript text"),
	}

	env := Format(transcript, "streamed text wins")
	if env.Text != "streamed text wins" {
		t.Errorf("unexpected text: %q", env.Text)
	}
}
