package health

import (
	"context"
	"fmt"
)

// PingCheck reports unhealthy when ping fails. Used for the statistics
// database.
func PingCheck(what string, ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := ping(ctx); err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: what + " unreachable",
				Error:   err.Error(),
			}
		}
		return CheckResult{Status: StatusHealthy, Message: what + " ok"}
	}
}

// StateCheck turns a boolean probe into a check. describe returns whether
// the component is up and details to attach either way.
func StateCheck(what string, describe func() (bool, map[string]any)) Check {
	return func(ctx context.Context) CheckResult {
		up, details := describe()
		if !up {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: what + " unavailable",
				Details: details,
			}
		}
		return CheckResult{Status: StatusHealthy, Message: what + " ok", Details: details}
	}
}

// BacklogCheck degrades when more than limit releases are held at once,
// which only happens when the loop stops draining expiries.
func BacklogCheck(pending func() int, limit int) Check {
	return func(ctx context.Context) CheckResult {
		n := pending()
		details := map[string]any{"pending": n, "limit": limit}
		if n > limit {
			return CheckResult{
				Status:  StatusDegraded,
				Message: fmt.Sprintf("%d releases held", n),
				Details: details,
			}
		}
		return CheckResult{Status: StatusHealthy, Details: details}
	}
}
