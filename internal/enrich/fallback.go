package enrich

import (
	"context"
	"fmt"
	"strings"

	"github.com/firefart/dmarcmonitor/internal/engine"
)

// Fallback produces a deterministic summary from the facts alone. It is used
// when enrichment is disabled or the API stayed unreachable, and it never
// fails.
type Fallback struct{}

func (Fallback) Summarize(_ context.Context, facts Facts) (string, error) {
	if len(facts.Decisions) == 0 {
		return "No DMARC aggregate reports were received in this window.", nil
	}

	flagged := facts.flagged()
	if len(flagged) == 0 {
		return fmt.Sprintf("All %d analyzed reports look healthy. Email authentication is working as expected.", len(facts.Decisions)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d analyzed reports show authentication problems.\n\n", len(flagged), len(facts.Decisions))

	for _, d := range flagged {
		fmt.Fprintf(&b, "%s [%s]: %.1f%% of %d messages authenticated", d.Domain, d.Severity, d.CurrentRate, d.TotalMessages)
		if d.Delta > 0 {
			fmt.Fprintf(&b, ", down %.1f points from the %.1f%% baseline", d.Delta, d.BaselineRate)
		}
		b.WriteString(".\n")
		if len(d.NewSources) > 0 {
			fmt.Fprintf(&b, "  %d previously unseen sending sources appeared: %s.\n", len(d.NewSources), strings.Join(d.NewSources, ", "))
		}
		switch {
		case len(d.FlaggedRecords) > 0 && allSPFOnlyFailures(d):
			b.WriteString("  DKIM is passing but SPF is not. Check that all legitimate senders are listed in the SPF record.\n")
		case len(d.FlaggedRecords) > 0 && allDKIMOnlyFailures(d):
			b.WriteString("  SPF is passing but DKIM is not. Check the DKIM signing configuration of your mail provider.\n")
		case len(d.FlaggedRecords) > 0:
			b.WriteString("  Some sources fail both DKIM and SPF. Verify whether these are forgotten services or spoofing attempts.\n")
		}
	}

	b.WriteString("\nReview the flagged sources below and update your SPF/DKIM configuration where a sender is legitimate.")
	return b.String(), nil
}

func allSPFOnlyFailures(d engine.AlertDecision) bool {
	for _, rec := range d.FlaggedRecords {
		if rec.DKIMResult != "pass" || rec.SPFResult == "pass" {
			return false
		}
	}
	return len(d.FlaggedRecords) > 0
}

func allDKIMOnlyFailures(d engine.AlertDecision) bool {
	for _, rec := range d.FlaggedRecords {
		if rec.SPFResult != "pass" || rec.DKIMResult == "pass" {
			return false
		}
	}
	return len(d.FlaggedRecords) > 0
}
