package challenge

import (
	"time"

	"github.com/opensource-finance/warden/internal/domain"
)

// verifyHoneypot checks the two invisible signals: the hidden field must be
// empty and the form must not come back faster than minElapsed. A positive
// maxElapsed also bounds the elapsed time from above.
func verifyHoneypot(value string, elapsed, minElapsed, maxElapsed time.Duration) string {
	if value != "" {
		return domain.ReasonHoneypotTriggered
	}
	if elapsed < minElapsed {
		return domain.ReasonTooFast
	}
	if maxElapsed > 0 && elapsed > maxElapsed {
		return domain.ReasonTooSlow
	}
	return ""
}
