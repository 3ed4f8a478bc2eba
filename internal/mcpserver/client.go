package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to a finaiguard API.
type Config struct {
	APIURL       string // Base URL, e.g. "http://localhost:8080"
	DefaultChain string // Chain used when a tool call names none
}

// FinaiguardClient is a pure HTTP client for the finaiguard API.
type FinaiguardClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewFinaiguardClient creates a new client for the finaiguard API.
func NewFinaiguardClient(cfg Config) *FinaiguardClient {
	if cfg.DefaultChain == "" {
		cfg.DefaultChain = "default"
	}
	return &FinaiguardClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// RecordInput is a transaction record as submitted by a tool call. Amount
// stays a decimal string end to end.
type RecordInput struct {
	ID           string            `json:"id"`
	Wallet       string            `json:"wallet"`
	Counterparty string            `json:"counterparty,omitempty"`
	Asset        string            `json:"asset"`
	Amount       string            `json:"amount"`
	Timestamp    string            `json:"timestamp"`
	Network      string            `json:"network,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

func (c *FinaiguardClient) chain(id string) string {
	if id == "" {
		return c.cfg.DefaultChain
	}
	return id
}

func chainPath(chainID, suffix string) string {
	return "/v1/chains/" + url.PathEscape(chainID) + suffix
}

// do makes an HTTP request and returns the raw response body.
func (c *FinaiguardClient) do(ctx context.Context, method, path string, query url.Values, contentType string, body io.Reader) ([]byte, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

// doRequest makes a JSON request and returns the JSON response body.
func (c *FinaiguardClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}
	raw, err := c.do(ctx, method, path, query, "application/json", reqBody)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

// SubmitRecord evaluates and commits one record.
func (c *FinaiguardClient) SubmitRecord(ctx context.Context, chainID string, rec RecordInput) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, chainPath(c.chain(chainID), "/records"), nil, rec)
}

// Retract appends a retraction superseding the entry at seq.
func (c *FinaiguardClient) Retract(ctx context.Context, chainID string, seq uint64, reason string) (json.RawMessage, error) {
	path := chainPath(c.chain(chainID), "/entries/"+strconv.FormatUint(seq, 10)+"/retract")
	return c.doRequest(ctx, http.MethodPost, path, nil, map[string]string{"reason": reason})
}

// Head returns the (possibly signed) head attestation of a chain.
func (c *FinaiguardClient) Head(ctx context.Context, chainID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, chainPath(c.chain(chainID), "/head"), nil, nil)
}

// Verify runs a full integrity check of a chain.
func (c *FinaiguardClient) Verify(ctx context.Context, chainID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, chainPath(c.chain(chainID), "/verify"), nil, nil)
}

// ListChains returns the IDs of every chain with at least one entry.
func (c *FinaiguardClient) ListChains(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/chains", nil, nil)
}

// WalletAssessments lists indexed assessments involving address. cursor is
// the nextCursor of a previous page, or empty for the first page.
func (c *FinaiguardClient) WalletAssessments(ctx context.Context, address string, limit int, cursor string) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/wallets/"+url.PathEscape(address)+"/assessments", q, nil)
}

// Export downloads a chain as "csv" (optionally bounded by from/to) or
// "jsonl". Bounds are ignored for jsonl, which always covers the full chain.
func (c *FinaiguardClient) Export(ctx context.Context, chainID, format string, from, to *uint64) ([]byte, error) {
	switch format {
	case "csv":
		q := url.Values{}
		if from != nil {
			q.Set("from", strconv.FormatUint(*from, 10))
		}
		if to != nil {
			q.Set("to", strconv.FormatUint(*to, 10))
		}
		return c.do(ctx, http.MethodGet, chainPath(c.chain(chainID), "/export.csv"), q, "", nil)
	case "jsonl":
		return c.do(ctx, http.MethodGet, chainPath(c.chain(chainID), "/export.jsonl"), nil, "", nil)
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
}

// VerifyDocument submits a JSONL chain document for offline verification.
func (c *FinaiguardClient) VerifyDocument(ctx context.Context, document string) (json.RawMessage, error) {
	raw, err := c.do(ctx, http.MethodPost, "/v1/verify", nil, "application/x-ndjson", bytes.NewBufferString(document))
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}
