// Package compose renders the engine's decisions into the outbound
// notification body. The section structure is fixed, the prose inside the
// summary section varies with enrichment.
package compose

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/firefart/dmarcmonitor/internal/engine"
)

const divider = "============================================================"

// Resolver annotates source IPs with their PTR names. Best effort, a nil
// resolver or a failed lookup just omits the annotation.
type Resolver interface {
	CachedDNSLookup(ip string) ([]string, error)
}

type RunStats struct {
	MessagesSeen  int
	Duplicates    int
	ParseFailures int
}

type Summary struct {
	RunID       string
	WindowStart time.Time
	WindowEnd   time.Time
	GeneratedAt time.Time
	Decisions   []engine.AlertDecision
	Narrative   string
	Stats       RunStats
}

func (s Summary) flagged() []engine.AlertDecision {
	var result []engine.AlertDecision
	for _, d := range s.Decisions {
		if d.RequiresAttention {
			result = append(result, d)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Severity != result[j].Severity {
			return result[i].Severity > result[j].Severity
		}
		return result[i].Domain < result[j].Domain
	})
	return result
}

func (s Summary) clean() []engine.AlertDecision {
	var result []engine.AlertDecision
	for _, d := range s.Decisions {
		if !d.RequiresAttention && !d.Degenerate {
			result = append(result, d)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Domain < result[j].Domain
	})
	return result
}

func (s Summary) nothingToReport() bool {
	for _, d := range s.Decisions {
		if !d.Degenerate {
			return false
		}
	}
	return true
}

// Headline returns the classification line used in the mail subject.
func (s Summary) Headline() string {
	if s.nothingToReport() {
		return "nothing to report"
	}
	if flagged := s.flagged(); len(flagged) > 0 {
		return fmt.Sprintf("issues detected: %d domains require attention", len(flagged))
	}
	return "all clean"
}

// Render produces the notification body. Sections appear in a fixed order:
// headline, executive summary, flagged domains, clean domains, narrative,
// footer.
func Render(s Summary, resolver Resolver) string {
	var b strings.Builder

	flagged := s.flagged()
	clean := s.clean()

	switch {
	case s.nothingToReport():
		b.WriteString("DMARC MONITOR - NOTHING TO REPORT\n")
	case len(flagged) > 0:
		b.WriteString("DMARC MONITOR - ISSUES DETECTED\n")
	default:
		b.WriteString("DMARC MONITOR - ALL CLEAN\n")
	}
	b.WriteString(divider + "\n\n")

	domains := make(map[string]struct{})
	totalMessages := 0
	authenticatedMessages := 0
	for _, d := range s.Decisions {
		domains[d.Domain] = struct{}{}
		totalMessages += d.TotalMessages
		authenticatedMessages += d.AuthenticatedMessages
	}

	b.WriteString("EXECUTIVE SUMMARY\n")
	fmt.Fprintf(&b, "- Mails processed: %d\n", s.Stats.MessagesSeen)
	fmt.Fprintf(&b, "- Reports analyzed: %d\n", len(s.Decisions))
	fmt.Fprintf(&b, "- Domains covered: %d\n", len(domains))
	fmt.Fprintf(&b, "- Domains requiring attention: %d\n", len(flagged))
	fmt.Fprintf(&b, "- Messages: %d total, %d authenticated\n", totalMessages, authenticatedMessages)
	fmt.Fprintf(&b, "- Duplicates skipped: %d\n", s.Stats.Duplicates)
	fmt.Fprintf(&b, "- Unparsable attachments: %d\n", s.Stats.ParseFailures)
	b.WriteString("\n")

	if len(flagged) > 0 {
		b.WriteString("DOMAINS REQUIRING ATTENTION\n")
		b.WriteString(divider + "\n")
		for _, d := range flagged {
			b.WriteString("\n")
			fmt.Fprintf(&b, "%s [%s] (report %s from %s)\n", d.Domain, d.Severity, d.ReportID, d.OrgName)
			fmt.Fprintf(&b, "  Authentication rate: %.1f%% of %d messages (baseline %.1f%%, change %+.1f)\n",
				d.CurrentRate, d.TotalMessages, d.BaselineRate, -d.Delta)
			if len(d.NewSources) > 0 {
				fmt.Fprintf(&b, "  Previously unseen sources: %s\n", strings.Join(d.NewSources, ", "))
			}
			if len(d.FlaggedRecords) > 0 {
				b.WriteString("  Failing sources:\n")
				for _, rec := range d.FlaggedRecords {
					fmt.Fprintf(&b, "    %-39s %6d messages  dkim=%s spf=%s%s\n",
						rec.SourceIP, rec.Count, resultOrNone(rec.DKIMResult), resultOrNone(rec.SPFResult),
						ptrAnnotation(resolver, rec.SourceIP))
				}
			}
		}
		b.WriteString("\n")
	}

	if len(clean) > 0 && !s.nothingToReport() {
		b.WriteString("CLEAN DOMAINS\n")
		for _, d := range clean {
			fmt.Fprintf(&b, "- %s (%.1f%%)\n", d.Domain, d.CurrentRate)
		}
		b.WriteString("\n")
	}

	if s.Narrative != "" {
		b.WriteString("SUMMARY\n")
		b.WriteString(divider + "\n")
		b.WriteString(s.Narrative)
		b.WriteString("\n\n")
	}

	b.WriteString("--\n")
	fmt.Fprintf(&b, "run %s covering %s to %s\n", s.RunID,
		s.WindowStart.UTC().Format(time.RFC3339), s.WindowEnd.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "generated at %s\n", s.GeneratedAt.UTC().Format(time.RFC3339))

	return b.String()
}

// Error renders the body of the failure notification sent to the admin
// recipients when a run aborts.
func Error(runID string, when time.Time, err error) string {
	var b strings.Builder
	b.WriteString("DMARC MONITOR - RUN FAILED\n")
	b.WriteString(divider + "\n\n")
	fmt.Fprintf(&b, "Run %s aborted at %s.\n\n", runID, when.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Error: %v\n\n", err)
	b.WriteString("The failure is recorded in the run ledger. The retry trigger will re-attempt\n")
	b.WriteString("the same window, already stored reports are skipped as duplicates.\n")
	return b.String()
}

func resultOrNone(result string) string {
	if result == "" {
		return "none"
	}
	return result
}

func ptrAnnotation(resolver Resolver, ip string) string {
	if resolver == nil {
		return ""
	}
	names, err := resolver.CachedDNSLookup(ip)
	if err != nil || len(names) == 0 {
		return ""
	}
	return fmt.Sprintf("  (%s)", strings.Join(names, ", "))
}
