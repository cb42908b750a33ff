package tenderapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	contractx "github.com/opentender-lab/tenderdesk/agent/contract"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(Config{URL: server.URL, Token: "token"})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return client
}

func TestSearchBuildsQuery(t *testing.T) {
	t.Parallel()

	var gotPath, gotAuth string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.String()
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{"tenders":[{"title":"Portale regionale"}]}`)
	})

	tenders, err := client.Search(context.Background(), "software", contractx.SearchFilters{
		Region:    "Lazio",
		MinAmount: 50000,
		OpenOnly:  true,
	})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(tenders) != 1 || tenders[0].Title != "Portale regionale" {
		t.Fatalf("unexpected tenders: %+v", tenders)
	}

	if gotAuth != "Bearer token" {
		t.Errorf("unexpected auth header: %q", gotAuth)
	}
	for _, want := range []string{"q=software", "region=Lazio", "min_amount=50000", "open_only=true"} {
		if !strings.Contains(gotPath, want) {
			t.Errorf("query missing %q: %s", want, gotPath)
		}
	}
}

func TestDetailsNotFoundIsRecoverable(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})

	_, err := client.Details(context.Background(), "missing-id")
	if !errors.Is(err, contractx.ErrLLMRecoverable) {
		t.Fatalf("Details() error = %v, want ErrLLMRecoverable", err)
	}
}

func TestServerErrorIsTransient(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})

	_, err := client.Search(context.Background(), "x", contractx.SearchFilters{})
	if !errors.Is(err, contractx.ErrTransient) {
		t.Fatalf("Search() error = %v, want ErrTransient", err)
	}
}

func TestRateLimitIsTransient(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	})

	_, err := client.Search(context.Background(), "x", contractx.SearchFilters{})
	if !errors.Is(err, contractx.ErrTransient) {
		t.Fatalf("Search() error = %v, want ErrTransient", err)
	}
}

func TestDetailsEmptyID(t *testing.T) {
	t.Parallel()

	client, err := NewClient(Config{URL: "http://localhost:1"})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if _, err := client.Details(context.Background(), "  "); !errors.Is(err, contractx.ErrLLMRecoverable) {
		t.Fatalf("Details() error = %v, want ErrLLMRecoverable", err)
	}
}
