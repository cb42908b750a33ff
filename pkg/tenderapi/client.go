package tenderapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	contractx "github.com/opentender-lab/tenderdesk/agent/contract"
)

const maxResponseSizeBytes = 4 << 20

type Config struct {
	URL     string        `split_words:"true" required:"true"`
	Token   string        `split_words:"true"`
	Timeout time.Duration `split_words:"true" default:"10s"`
}

// Client talks to the public-tender search API. It implements the searcher
// contract; the orchestration core never sees HTTP details.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var _ contractx.TenderSearcher = (*Client)(nil)

func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.URL)
	if baseURL == "" {
		return nil, errors.New("tender api url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   strings.TrimSpace(cfg.Token),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

func MustNew(cfg Config) *Client {
	client, err := NewClient(cfg)
	if err != nil {
		panic(err)
	}
	return client
}

// Search queries GET /tenders with the free-text query and filters.
func (c *Client) Search(ctx context.Context, query string, filters contractx.SearchFilters) ([]contractx.Tender, error) {
	params := url.Values{}
	params.Set("q", query)
	if filters.Region != "" {
		params.Set("region", filters.Region)
	}
	if filters.Category != "" {
		params.Set("category", filters.Category)
	}
	if filters.MinAmount > 0 {
		params.Set("min_amount", strconv.FormatFloat(filters.MinAmount, 'f', -1, 64))
	}
	if filters.MaxAmount > 0 {
		params.Set("max_amount", strconv.FormatFloat(filters.MaxAmount, 'f', -1, 64))
	}
	if filters.OpenOnly {
		params.Set("open_only", "true")
	}

	var payload struct {
		Tenders []contractx.Tender `json:"tenders"`
	}
	if err := c.getJSON(ctx, "/tenders?"+params.Encode(), &payload); err != nil {
		return nil, err
	}
	return payload.Tenders, nil
}

// Details fetches GET /tenders/{id}. A 404 is recoverable: the model asked
// for an id that does not exist.
func (c *Client) Details(ctx context.Context, tenderID string) (*contractx.Tender, error) {
	id := strings.TrimSpace(tenderID)
	if id == "" {
		return nil, fmt.Errorf("%w: tender id is required", contractx.ErrLLMRecoverable)
	}

	var tender contractx.Tender
	if err := c.getJSON(ctx, "/tenders/"+url.PathEscape(id), &tender); err != nil {
		return nil, err
	}
	return &tender, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build tender api request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: tender api request: %v", contractx.ErrTransient, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes))
	if err != nil {
		return fmt.Errorf("%w: read tender api response: %v", contractx.ErrTransient, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: tender api: not found", contractx.ErrLLMRecoverable)
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: tender api status=%d", contractx.ErrTransient, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("tender api status=%d body=%s", resp.StatusCode, string(raw))
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode tender api response: %v", contractx.ErrLLMRecoverable, err)
	}
	return nil
}
