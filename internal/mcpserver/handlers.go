package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *MeteringClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *MeteringClient) *Handlers {
	return &Handlers{client: client}
}

// HandleCheckFeatureAccess runs an access check.
func (h *Handlers) HandleCheckFeatureAccess(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	feature := req.GetString("feature", "")
	if userID == "" || feature == "" {
		return mcp.NewToolResultError("user_id and feature are required"), nil
	}
	cost := int64(-1)
	if v, ok := req.GetArguments()["credit_cost"].(float64); ok {
		if v < 0 {
			return mcp.NewToolResultError("credit_cost must not be negative"), nil
		}
		cost = int64(v)
	}

	raw, err := h.client.CheckAccess(ctx, userID, feature, cost)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check access: %v", err)), nil
	}

	text, err := formatDecision(feature, raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse decision: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetUsageSummary returns a user's usage.
func (h *Handlers) HandleGetUsageSummary(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	raw, err := h.client.GetUsage(ctx, userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get usage: %v", err)), nil
	}

	text, err := formatUsage(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse usage: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListPlans returns the plan catalog.
func (h *Handlers) HandleListPlans(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListPlans(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list plans: %v", err)), nil
	}

	text, err := formatPlans(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse plans: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// Wire shapes of the API responses.

type decisionResponse struct {
	Decision struct {
		Allowed        bool   `json:"allowed"`
		Code           string `json:"code"`
		Reason         string `json:"reason"`
		RemainingQuota *int64 `json:"remainingQuota"`
		UpgradePrompt  string `json:"upgradePrompt"`
		BurstUsed      bool   `json:"burstUsed"`
	} `json:"decision"`
}

type usageResponse struct {
	Usage struct {
		UserID             string    `json:"userId"`
		Tier               string    `json:"tier"`
		SubscriptionStatus string    `json:"subscriptionStatus"`
		BillingCycleStart  time.Time `json:"billingCycleStart"`
		BillingCycleEnd    time.Time `json:"billingCycleEnd"`
		CreditsBalance     int64     `json:"creditsBalance"`
		BurstEligible      bool      `json:"burstEligible"`
		Features           []struct {
			Feature   string `json:"feature"`
			Label     string `json:"label"`
			Used      int64  `json:"used"`
			Quota     int64  `json:"quota"`
			DailyUsed int64  `json:"dailyUsed"`
			DailyCap  *int64 `json:"dailyCap"`
		} `json:"features"`
	} `json:"usage"`
}

type plansResponse struct {
	Plans []struct {
		Tier            string           `json:"tier"`
		Name            string           `json:"name"`
		MonthlyPriceUSD int              `json:"monthlyPriceUsd"`
		Quotas          map[string]int64 `json:"quotas"`
		DailyCaps       map[string]int64 `json:"dailyCaps"`
		BurstAllowances map[string]int64 `json:"burstAllowances"`
	} `json:"plans"`
	CreditPacks []struct {
		Name        string `json:"name"`
		Credits     int64  `json:"credits"`
		AmountCents int64  `json:"amountCents"`
	} `json:"creditPacks"`
}

func formatDecision(feature string, raw json.RawMessage) (string, error) {
	var resp decisionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	d := resp.Decision

	var sb strings.Builder
	if d.Allowed {
		fmt.Fprintf(&sb, "ALLOWED: %s (%s)\n", feature, d.Code)
	} else {
		fmt.Fprintf(&sb, "DENIED: %s (%s)\n", feature, d.Code)
	}
	if d.Reason != "" {
		fmt.Fprintf(&sb, "  Reason: %s\n", d.Reason)
	}
	if d.RemainingQuota != nil {
		fmt.Fprintf(&sb, "  Remaining: %d\n", *d.RemainingQuota)
	}
	if d.BurstUsed {
		sb.WriteString("  Burst allowance in use\n")
	}
	if d.UpgradePrompt != "" {
		fmt.Fprintf(&sb, "  %s\n", d.UpgradePrompt)
	}
	return sb.String(), nil
}

func formatUsage(raw json.RawMessage) (string, error) {
	var resp usageResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	u := resp.Usage

	var sb strings.Builder
	fmt.Fprintf(&sb, "User %s on %s (%s)\n", u.UserID, u.Tier, u.SubscriptionStatus)
	fmt.Fprintf(&sb, "  Cycle: %s to %s\n", u.BillingCycleStart.Format(time.DateOnly), u.BillingCycleEnd.Format(time.DateOnly))
	fmt.Fprintf(&sb, "  Credits: %d\n", u.CreditsBalance)
	if u.BurstEligible {
		sb.WriteString("  Burst eligible\n")
	}
	sb.WriteString("\n")
	for _, f := range u.Features {
		if f.DailyCap != nil {
			fmt.Fprintf(&sb, "  %-26s %d/%d today\n", f.Label, f.DailyUsed, *f.DailyCap)
			continue
		}
		if f.Quota == 0 && f.Used == 0 {
			continue
		}
		fmt.Fprintf(&sb, "  %-26s %d/%d this cycle\n", f.Label, f.Used, f.Quota)
	}
	return sb.String(), nil
}

func formatPlans(raw json.RawMessage) (string, error) {
	var resp plansResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, p := range resp.Plans {
		fmt.Fprintf(&sb, "%s (%s): $%d/month\n", p.Name, p.Tier, p.MonthlyPriceUSD)
		for _, k := range sortedKeys(p.Quotas) {
			if p.Quotas[k] == 0 {
				continue
			}
			line := fmt.Sprintf("  %s: %d/month", k, p.Quotas[k])
			if c, ok := p.DailyCaps[k]; ok {
				line = fmt.Sprintf("  %s: %d/day", k, c)
			}
			if b := p.BurstAllowances[k]; b > 0 {
				line += fmt.Sprintf(" (+%d burst)", b)
			}
			sb.WriteString(line + "\n")
		}
		for _, k := range sortedKeys(p.DailyCaps) {
			if p.Quotas[k] == 0 {
				fmt.Fprintf(&sb, "  %s: %d/day\n", k, p.DailyCaps[k])
			}
		}
		sb.WriteString("\n")
	}
	if len(resp.CreditPacks) > 0 {
		sb.WriteString("Credit packs:\n")
		for _, cp := range resp.CreditPacks {
			fmt.Fprintf(&sb, "  %s: $%d.%02d\n", cp.Name, cp.AmountCents/100, cp.AmountCents%100)
		}
	}
	return sb.String(), nil
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
