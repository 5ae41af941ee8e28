package runner

import (
	"fmt"
	"strings"

	"github.com/soulstream/soulstream/pkg/claudecode"
)

// classifyProcessError maps a dead subprocess to a human-readable
// message based on its stderr tail.
func classifyProcessError(stderrTail string, exitErr error) string {
	lower := strings.ToLower(stderrTail)

	switch {
	case strings.Contains(lower, "usage limit") || strings.Contains(lower, "rate limit"):
		return "usage limit reached, try again later"
	case strings.Contains(lower, "authentication") || strings.Contains(lower, "oauth") ||
		strings.Contains(lower, "invalid api key") || strings.Contains(lower, "401"):
		return "authentication failed, check the active credential profile"
	case strings.Contains(lower, "network") || strings.Contains(lower, "econnrefused") ||
		strings.Contains(lower, "enotfound") || strings.Contains(lower, "etimedout"):
		return "network error while reaching the agent"
	}

	if exitErr != nil {
		return fmt.Sprintf("agent process terminated abnormally: %v", exitErr)
	}
	return "agent process terminated abnormally"
}

// formatRateLimitWarning renders an allowed_warning event for debug
// consumers.
func formatRateLimitWarning(info *claudecode.RateLimitInfo) string {
	util := "unknown"
	if v, ok := info.UtilizationValue(); ok {
		util = fmt.Sprintf("%.0f%%", v*100)
	}
	return fmt.Sprintf("rate limit warning: %s utilization %s", info.RateLimitType, util)
}
