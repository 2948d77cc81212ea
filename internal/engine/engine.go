// Package engine holds the trend and alert decision logic. Evaluate is a
// pure function over the report, the domain history and the configured
// thresholds so decisions can be recomputed and tested without any I/O.
package engine

import (
	"sort"

	"github.com/firefart/dmarcmonitor/internal/dmarc"
	"github.com/firefart/dmarcmonitor/internal/store"
)

type Severity int

const (
	SeverityClean Severity = iota
	SeverityModerate
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "CRITICAL"
	case SeverityHigh:
		return "HIGH"
	case SeverityModerate:
		return "MODERATE"
	default:
		return "CLEAN"
	}
}

// Thresholds are the alerting knobs, validated at startup and passed by
// value. All comparisons are strict, a value exactly at a threshold does not
// trigger.
type Thresholds struct {
	AuthSuccessRateMin      float64
	AuthRateDropThreshold   float64
	NewSourcesThreshold     int
	MinimumMessagesForAlert int
}

// AlertDecision is the outcome of evaluating one report. It is computed
// fresh every run and never persisted, only the report facts feeding it are.
type AlertDecision struct {
	Domain                string
	OrgName               string
	ReportID              string
	TotalMessages         int
	AuthenticatedMessages int
	CurrentRate           float64
	BaselineRate          float64
	Delta                 float64
	Severity              Severity
	NewSources            []string
	FlaggedRecords        []dmarc.SourceRecord
	RequiresAttention     bool
	Degenerate            bool
}

// Evaluate compares a report against the domain's history. history must not
// contain the report itself, the caller queries it before inserting.
func Evaluate(report *dmarc.AggregateReport, history *store.DomainHistory, thresholds Thresholds) AlertDecision {
	decision := AlertDecision{
		Domain:                report.Domain,
		OrgName:               report.OrgName,
		ReportID:              report.ReportID,
		TotalMessages:         report.TotalMessages(),
		AuthenticatedMessages: report.AuthenticatedMessages(),
	}

	// a report without messages carries no signal, it must render as
	// "nothing to report" instead of a confident "clean"
	if decision.TotalMessages == 0 {
		decision.Degenerate = true
		return decision
	}

	decision.CurrentRate = 100 * float64(decision.AuthenticatedMessages) / float64(decision.TotalMessages)
	decision.BaselineRate = baselineRate(history, decision.CurrentRate)
	decision.Delta = decision.BaselineRate - decision.CurrentRate
	decision.NewSources = newSources(report, history)
	decision.FlaggedRecords = flaggedRecords(report)

	decision.RequiresAttention = decision.TotalMessages >= thresholds.MinimumMessagesForAlert &&
		(decision.CurrentRate < thresholds.AuthSuccessRateMin ||
			decision.Delta > thresholds.AuthRateDropThreshold ||
			len(decision.NewSources) > thresholds.NewSourcesThreshold)

	if decision.RequiresAttention {
		switch {
		case decision.CurrentRate < thresholds.AuthSuccessRateMin/2:
			decision.Severity = SeverityCritical
		case decision.CurrentRate < thresholds.AuthSuccessRateMin:
			decision.Severity = SeverityHigh
		default:
			// flagged by the drop or new sources rule while the absolute
			// rate is still fine
			decision.Severity = SeverityModerate
		}
	}

	return decision
}

// baselineRate is the arithmetic mean over the historical per report rates.
// With no usable history the baseline equals the current rate, so the drop
// rule can never fire on a first observation.
func baselineRate(history *store.DomainHistory, currentRate float64) float64 {
	sum := 0.0
	n := 0
	for _, h := range history.Reports {
		if h.TotalMessages == 0 {
			continue
		}
		sum += h.Rate()
		n++
	}
	if n == 0 {
		return currentRate
	}
	return sum / float64(n)
}

// newSources lists the source IPs of the report that none of the historical
// reports have seen, sorted ascending for deterministic output.
func newSources(report *dmarc.AggregateReport, history *store.DomainHistory) []string {
	seen := make(map[string]struct{})
	var result []string
	for _, rec := range report.Records {
		if _, ok := seen[rec.SourceIP]; ok {
			continue
		}
		seen[rec.SourceIP] = struct{}{}
		if !history.HasSource(rec.SourceIP) {
			result = append(result, rec.SourceIP)
		}
	}
	sort.Strings(result)
	return result
}

// flaggedRecords returns every record that did not authenticate, ordered by
// descending message count with ties broken by source IP.
func flaggedRecords(report *dmarc.AggregateReport) []dmarc.SourceRecord {
	var result []dmarc.SourceRecord
	for _, rec := range report.Records {
		if !rec.Authenticated {
			result = append(result, rec)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Count != result[j].Count {
			return result[i].Count > result[j].Count
		}
		return result[i].SourceIP < result[j].SourceIP
	})
	return result
}
