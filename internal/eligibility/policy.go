// Package eligibility decides whether a source IP may draw from the faucet.
//
// Evaluate is pure: it never reads the clock or the store. Callers load the
// IP's usage history, pass the current instant, and persist Decision.Record
// themselves when the decision is an allow.
package eligibility

import (
	"time"

	"github.com/OmarB97/trynano-server/internal/config"
	"github.com/OmarB97/trynano-server/internal/models"
)

const (
	ReasonTooRecent    = "used too recently"
	ReasonLimitReached = "limit reached, retry after reset window"
)

// Policy holds the throttling thresholds.
type Policy struct {
	// ThrottleDuration is the minimum gap between two successful invocations.
	ThrottleDuration time.Duration
	// InvokeLimit is the number of invocations allowed inside ResetWindow.
	InvokeLimit int
	// ResetWindow is how long after the last invocation the counter rolls over.
	ResetWindow time.Duration
	// RetentionWindow is how long a usage record is kept after its last update.
	RetentionWindow time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		ThrottleDuration: 600 * time.Second,
		InvokeLimit:      10,
		ResetWindow:      24 * time.Hour,
		RetentionWindow:  48 * time.Hour,
	}
}

func NewPolicy(cfg config.EligibilityConfig) Policy {
	return Policy{
		ThrottleDuration: cfg.ThrottleDuration,
		InvokeLimit:      cfg.InvokeLimit,
		ResetWindow:      cfg.ResetWindow,
		RetentionWindow:  cfg.RetentionWindow,
	}
}

// Decision is the outcome of Evaluate. On an allow, Record is the updated
// history to persist. On a reject, Record is the history exactly as passed in
// and RetryAfter is the time until the blocking condition clears.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
	Record     *models.IpUsageRecord
}

// Evaluate applies the policy to ip's history at now. A nil history means the
// IP has never used the faucet (or its record has been purged).
func (p Policy) Evaluate(ip string, now time.Time, history *models.IpUsageRecord) (Decision, error) {
	if history == nil {
		rec, err := models.NewIpUsageRecord(ip, 1, now, now.Add(p.RetentionWindow))
		if err != nil {
			return Decision{}, err
		}
		return Decision{Allowed: true, Record: rec}, nil
	}
	if ip == "" {
		return Decision{}, models.ErrEmptyIP
	}

	elapsed := now.Sub(history.LastUsed)
	if elapsed < p.ThrottleDuration {
		return Decision{
			Reason:     ReasonTooRecent,
			RetryAfter: p.ThrottleDuration - elapsed,
			Record:     history,
		}, nil
	}

	withinWindow := elapsed < p.ResetWindow
	if history.Count+1 > p.InvokeLimit && withinWindow {
		return Decision{
			Reason:     ReasonLimitReached,
			RetryAfter: p.ResetWindow - elapsed,
			Record:     history,
		}, nil
	}

	count := history.Count + 1
	if !withinWindow {
		count = 1
	}
	rec, err := models.NewIpUsageRecord(ip, count, now, now.Add(p.RetentionWindow))
	if err != nil {
		return Decision{}, err
	}
	return Decision{Allowed: true, Record: rec}, nil
}
