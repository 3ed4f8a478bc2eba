package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the finaiguard MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var chainArg = mcp.WithString("chain",
	mcp.Description("Audit chain ID (e.g. 'desk-1'). Defaults to the server's default chain."))

var ToolEvaluateRecord = mcp.NewTool("evaluate_record",
	mcp.WithDescription(
		"Screen a transaction against the compliance rules and commit the assessment to the audit chain. "+
			"Returns the risk tier (CLEAR/WATCH/ALERT/BLOCK), the score and each triggered rule with its rationale. "+
			"Use this before executing a transfer; a BLOCK tier means the transfer must not proceed."),
	chainArg,
	mcp.WithString("id",
		mcp.Required(),
		mcp.Description("Caller-assigned transaction ID, unique within the chain")),
	mcp.WithString("wallet",
		mcp.Required(),
		mcp.Description("Originating wallet address (e.g. '0x1234...')")),
	mcp.WithString("counterparty",
		mcp.Description("Receiving wallet address")),
	mcp.WithString("asset",
		mcp.Required(),
		mcp.Description("Asset symbol (e.g. 'USDC', 'ETH')")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount as a decimal string (e.g. '1250.50')")),
	mcp.WithString("timestamp",
		mcp.Description("RFC 3339 transaction time. Defaults to now.")),
	mcp.WithString("network",
		mcp.Description("Network the transfer settles on (e.g. 'base')")),
	mcp.WithString("origin",
		mcp.Description("Declared ISO 3166 jurisdiction of the originator, if known")),
)

var ToolRetractEntry = mcp.NewTool("retract_entry",
	mcp.WithDescription(
		"Supersede a committed assessment with a retraction entry. "+
			"The original entry is never changed; the retraction is appended and references it."),
	chainArg,
	mcp.WithNumber("sequence",
		mcp.Required(),
		mcp.Description("Sequence number of the entry to retract")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("Why the assessment is withdrawn (e.g. 'duplicate submission')")),
)

var ToolChainHead = mcp.NewTool("chain_head",
	mcp.WithDescription(
		"Get the head attestation of an audit chain: its length, head hash and short proof hash, "+
			"signed when the server has an attestation key."),
	chainArg,
)

var ToolVerifyChain = mcp.NewTool("verify_chain",
	mcp.WithDescription(
		"Recompute every hash of an audit chain from genesis and report whether it is intact. "+
			"On failure, reports the first entry that does not check out."),
	chainArg,
)

var ToolListChains = mcp.NewTool("list_chains",
	mcp.WithDescription("List every audit chain with at least one entry."),
)

var ToolWalletAssessments = mcp.NewTool("wallet_assessments",
	mcp.WithDescription(
		"List recent risk assessments in which a wallet was the originator or the counterparty, newest first."),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("Wallet address (e.g. '0x1234...')")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of assessments to return (default 20, max 200)")),
	mcp.WithString("cursor",
		mcp.Description("nextCursor from a previous call, to fetch the following page")),
)

var ToolExportChain = mcp.NewTool("export_chain",
	mcp.WithDescription(
		"Export an audit chain for regulators or auditors. 'csv' is a human-readable report "+
			"and accepts a sequence range; 'jsonl' is the self-verifying chain document."),
	chainArg,
	mcp.WithString("format",
		mcp.Description("Export format"),
		mcp.Enum("csv", "jsonl")),
	mcp.WithNumber("from",
		mcp.Description("First sequence to include (csv only)")),
	mcp.WithNumber("to",
		mcp.Description("Sequence to stop before (csv only)")),
)

var ToolVerifyDocument = mcp.NewTool("verify_document",
	mcp.WithDescription(
		"Verify a JSONL chain document previously produced by export_chain, without trusting the server's stored copy."),
	mcp.WithString("document",
		mcp.Required(),
		mcp.Description("Full JSONL document text")),
)
