package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the metering MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolCheckFeatureAccess = mcp.NewTool("check_feature_access",
	mcp.WithDescription(
		"Check whether a user may run a billable SEO feature once, without consuming anything. "+
			"Returns allow/deny, the remaining monthly quota and any upgrade or credit prompt. "+
			"Call this before running keyword expansions, briefs, audits and similar actions."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("The application user id")),
	mcp.WithString("feature",
		mcp.Required(),
		mcp.Description("Feature key, e.g. 'expansions', 'briefs', 'audits', 'serpSnapshots'"),
		mcp.Enum("seedKeywords", "expansions", "clustering", "briefs", "audits", "metaGen",
			"aeo", "searchVolume", "serpSnapshots", "aiVisibility", "aiSimulator", "predictiveSeo")),
	mcp.WithNumber("credit_cost",
		mcp.Description("Override the credit cost of this action. Omit to use the plan's cost.")),
)

var ToolGetUsageSummary = mcp.NewTool("get_usage_summary",
	mcp.WithDescription(
		"Show a user's plan tier, billing cycle, credit balance and per-feature usage against quota "+
			"(including free-tier daily counters)."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("The application user id")),
)

var ToolListPlans = mcp.NewTool("list_plans",
	mcp.WithDescription(
		"List the pricing tiers with their monthly quotas, daily caps, burst allowances "+
			"and the one-time credit packs."),
)
