package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *FinaiguardClient
	now    func() time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *FinaiguardClient) *Handlers {
	return &Handlers{client: client, now: time.Now}
}

// HandleEvaluateRecord screens and commits one transaction record.
func (h *Handlers) HandleEvaluateRecord(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rec := RecordInput{
		ID:           req.GetString("id", ""),
		Wallet:       req.GetString("wallet", ""),
		Counterparty: req.GetString("counterparty", ""),
		Asset:        req.GetString("asset", ""),
		Amount:       req.GetString("amount", ""),
		Timestamp:    req.GetString("timestamp", ""),
		Network:      req.GetString("network", ""),
	}
	for _, f := range []struct{ name, value string }{
		{"id", rec.ID}, {"wallet", rec.Wallet}, {"asset", rec.Asset}, {"amount", rec.Amount},
	} {
		if f.value == "" {
			return mcp.NewToolResultError(f.name + " is required"), nil
		}
	}
	if rec.Timestamp == "" {
		rec.Timestamp = h.now().UTC().Format(time.RFC3339Nano)
	} else if _, err := time.Parse(time.RFC3339Nano, rec.Timestamp); err != nil {
		return mcp.NewToolResultError("timestamp must be RFC 3339"), nil
	}
	if origin := req.GetString("origin", ""); origin != "" {
		rec.Metadata = map[string]string{"origin": origin}
	}

	raw, err := h.client.SubmitRecord(ctx, req.GetString("chain", ""), rec)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Evaluation failed: %v", err)), nil
	}

	text, err := formatCommitted(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse result: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleRetractEntry supersedes a committed assessment.
func (h *Handlers) HandleRetractEntry(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	seq := req.GetInt("sequence", -1)
	if seq < 0 {
		return mcp.NewToolResultError("sequence is required"), nil
	}
	reason := req.GetString("reason", "")
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}

	raw, err := h.client.Retract(ctx, req.GetString("chain", ""), uint64(seq), reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Retraction failed: %v", err)), nil
	}

	text, err := formatCommitted(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse result: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleChainHead returns the head attestation of a chain.
func (h *Handlers) HandleChainHead(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.Head(ctx, req.GetString("chain", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get head: %v", err)), nil
	}

	text, err := formatHead(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse head: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleVerifyChain runs a server-side integrity check.
func (h *Handlers) HandleVerifyChain(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.Verify(ctx, req.GetString("chain", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Verification failed: %v", err)), nil
	}

	text, err := formatVerification(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse verification: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListChains lists non-empty chains.
func (h *Handlers) HandleListChains(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListChains(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list chains: %v", err)), nil
	}

	var resp struct {
		Chains []string `json:"chains"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse chains: %v", err)), nil
	}
	if len(resp.Chains) == 0 {
		return mcp.NewToolResultText("No chains have entries yet."), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Found %d chain(s):\n  %s",
		len(resp.Chains), strings.Join(resp.Chains, "\n  "))), nil
}

// HandleWalletAssessments lists assessments involving a wallet.
func (h *Handlers) HandleWalletAssessments(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("address", "")
	if address == "" {
		return mcp.NewToolResultError("address is required"), nil
	}
	limit := req.GetInt("limit", 20)

	raw, err := h.client.WalletAssessments(ctx, address, limit, req.GetString("cursor", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list assessments: %v", err)), nil
	}

	text, err := formatWalletAssessments(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse assessments: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleExportChain downloads a chain export.
func (h *Handlers) HandleExportChain(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format := req.GetString("format", "csv")
	if format != "csv" && format != "jsonl" {
		return mcp.NewToolResultError("format must be csv or jsonl"), nil
	}
	from, err := optionalSequence(req, "from")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	to, err := optionalSequence(req, "to")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	body, err := h.client.Export(ctx, req.GetString("chain", ""), format, from, to)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Export failed: %v", err)), nil
	}
	return mcp.NewToolResultText(string(body)), nil
}

// HandleVerifyDocument verifies a JSONL document supplied by the caller.
func (h *Handlers) HandleVerifyDocument(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	doc := req.GetString("document", "")
	if strings.TrimSpace(doc) == "" {
		return mcp.NewToolResultError("document is required"), nil
	}

	raw, err := h.client.VerifyDocument(ctx, doc)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Verification failed: %v", err)), nil
	}

	text, err := formatVerification(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse verification: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

func optionalSequence(req mcp.CallToolRequest, key string) (*uint64, error) {
	if _, ok := req.GetArguments()[key]; !ok {
		return nil, nil
	}
	v := req.GetInt(key, -1)
	if v < 0 {
		return nil, fmt.Errorf("%s must be a non-negative integer", key)
	}
	u := uint64(v)
	return &u, nil
}

// --- Formatting helpers ---

type verdictInfo struct {
	RuleID       string `json:"ruleId"`
	Triggered    bool   `json:"triggered"`
	Inapplicable bool   `json:"inapplicable"`
	Severity     string `json:"severity"`
	Rationale    string `json:"rationale"`
}

type recordInfo struct {
	Wallet       string `json:"wallet"`
	Counterparty string `json:"counterparty"`
	Asset        string `json:"asset"`
	Amount       string `json:"amount"`
}

type assessmentInfo struct {
	RecordID         string        `json:"recordId"`
	Record           recordInfo    `json:"record"`
	ReferenceVersion string        `json:"referenceVersion"`
	Verdicts         []verdictInfo `json:"verdicts"`
	Score            string        `json:"score"`
	Tier             string        `json:"tier"`
	Supersedes       *uint64       `json:"supersedes"`
	RetractionReason string        `json:"retractionReason"`
}

type entryInfo struct {
	ChainID   string `json:"chainId"`
	Sequence  uint64 `json:"sequence"`
	EntryHash string `json:"entryHash"`
}

func formatCommitted(raw json.RawMessage) (string, error) {
	var resp struct {
		Assessment     *assessmentInfo `json:"assessment"`
		Entry          *entryInfo      `json:"entry"`
		ReferenceError string          `json:"referenceError"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Assessment == nil || resp.Entry == nil {
		return "", fmt.Errorf("unexpected response format")
	}
	a, e := resp.Assessment, resp.Entry

	var sb strings.Builder
	if a.Supersedes != nil {
		fmt.Fprintf(&sb, "Retraction of entry %d committed\n", *a.Supersedes)
		fmt.Fprintf(&sb, "  Reason: %s\n", a.RetractionReason)
	} else {
		fmt.Fprintf(&sb, "Record %s: %s (score %s)\n", a.RecordID, a.Tier, a.Score)
		if a.Tier == "BLOCK" {
			sb.WriteString("  Do NOT proceed with this transfer.\n")
		}
	}
	fmt.Fprintf(&sb, "  Chain: %s | Sequence: %d\n", e.ChainID, e.Sequence)
	fmt.Fprintf(&sb, "  Entry hash: %s\n", e.EntryHash)
	if a.ReferenceVersion != "" {
		fmt.Fprintf(&sb, "  Reference data: %s\n", a.ReferenceVersion)
	}
	if resp.ReferenceError != "" {
		fmt.Fprintf(&sb, "  Warning: reference data unavailable (%s)\n", resp.ReferenceError)
	}

	var triggered, inapplicable []verdictInfo
	for _, v := range a.Verdicts {
		switch {
		case v.Triggered:
			triggered = append(triggered, v)
		case v.Inapplicable:
			inapplicable = append(inapplicable, v)
		}
	}
	if len(triggered) > 0 {
		sb.WriteString("\nTriggered rules:\n")
		for _, v := range triggered {
			fmt.Fprintf(&sb, "  - %s (+%s): %s\n", v.RuleID, v.Severity, v.Rationale)
		}
	}
	if len(inapplicable) > 0 {
		sb.WriteString("\nNot evaluated:\n")
		for _, v := range inapplicable {
			fmt.Fprintf(&sb, "  - %s: %s\n", v.RuleID, v.Rationale)
		}
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func formatHead(raw json.RawMessage) (string, error) {
	var a struct {
		ChainID   string  `json:"chainId"`
		Algorithm string  `json:"algorithm"`
		Length    uint64  `json:"length"`
		Sequence  *uint64 `json:"sequence"`
		HeadHash  string  `json:"headHash"`
		ProofHash string  `json:"proofHash"`
		IssuedAt  string  `json:"issuedAt"`
		Signature string  `json:"signature"`
		Signer    string  `json:"signer"`
	}
	if err := json.Unmarshal(raw, &a); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Chain %s (%s):\n", a.ChainID, a.Algorithm)
	if a.Sequence == nil {
		sb.WriteString("  Empty chain\n")
	} else {
		fmt.Fprintf(&sb, "  Length: %d | Head sequence: %d\n", a.Length, *a.Sequence)
	}
	fmt.Fprintf(&sb, "  Head hash: %s\n", a.HeadHash)
	fmt.Fprintf(&sb, "  Proof hash: %s\n", a.ProofHash)
	fmt.Fprintf(&sb, "  Issued at: %s\n", a.IssuedAt)
	if a.Signature != "" {
		fmt.Fprintf(&sb, "  Signed by: %s\n", a.Signer)
	} else {
		sb.WriteString("  Unsigned\n")
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func formatVerification(raw json.RawMessage) (string, error) {
	var resp struct {
		ChainID string `json:"chainId"`
		Result  *struct {
			Valid             bool    `json:"valid"`
			FirstInvalidIndex *uint64 `json:"firstInvalidIndex"`
			Reason            string  `json:"reason"`
			Checked           uint64  `json:"checked"`
			Algorithm         string  `json:"algorithm"`
			HeadHash          string  `json:"headHash"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	r := resp.Result
	if r == nil {
		return "", fmt.Errorf("unexpected verification response format")
	}

	subject := "Document"
	if resp.ChainID != "" {
		subject = "Chain " + resp.ChainID
	}
	if r.Valid {
		text := fmt.Sprintf("%s is intact: %d entries verified (%s)", subject, r.Checked, r.Algorithm)
		if r.HeadHash != "" {
			text += "\n  Head hash: " + r.HeadHash
		}
		return text, nil
	}
	idx := uint64(0)
	if r.FirstInvalidIndex != nil {
		idx = *r.FirstInvalidIndex
	}
	return fmt.Sprintf("%s FAILED verification at entry %d: %s", subject, idx, r.Reason), nil
}

func formatWalletAssessments(raw json.RawMessage) (string, error) {
	var resp struct {
		Wallet      string `json:"wallet"`
		Assessments []struct {
			ChainID    string          `json:"chainId"`
			Sequence   uint64          `json:"sequence"`
			Assessment *assessmentInfo `json:"assessment"`
		} `json:"assessments"`
		NextCursor string `json:"nextCursor"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Assessments) == 0 {
		return fmt.Sprintf("No assessments found for %s.", resp.Wallet), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d assessment(s) for %s:\n\n", len(resp.Assessments), resp.Wallet)
	for i, ix := range resp.Assessments {
		a := ix.Assessment
		if a == nil {
			continue
		}
		if a.Supersedes != nil {
			fmt.Fprintf(&sb, "%d. %s#%d retracts #%d: %s\n", i+1, ix.ChainID, ix.Sequence, *a.Supersedes, a.RetractionReason)
			continue
		}
		fmt.Fprintf(&sb, "%d. %s#%d %s %s (score %s)\n", i+1, ix.ChainID, ix.Sequence, a.RecordID, a.Tier, a.Score)
		fmt.Fprintf(&sb, "   %s %s from %s", a.Record.Amount, a.Record.Asset, a.Record.Wallet)
		if a.Record.Counterparty != "" {
			fmt.Fprintf(&sb, " to %s", a.Record.Counterparty)
		}
		sb.WriteString("\n")
	}
	if resp.NextCursor != "" {
		fmt.Fprintf(&sb, "\nMore results available, cursor: %s\n", resp.NextCursor)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}
