package compose

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firefart/dmarcmonitor/internal/dmarc"
	"github.com/firefart/dmarcmonitor/internal/engine"
)

type fakeResolver struct {
	names map[string][]string
}

func (f *fakeResolver) CachedDNSLookup(ip string) ([]string, error) {
	if names, ok := f.names[ip]; ok {
		return names, nil
	}
	return nil, errors.New("nxdomain")
}

func testSummary() Summary {
	return Summary{
		RunID:       "run-1",
		WindowStart: time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC),
		WindowEnd:   time.Date(2025, 8, 2, 0, 0, 0, 0, time.UTC),
		GeneratedAt: time.Date(2025, 8, 2, 0, 5, 0, 0, time.UTC),
		Narrative:   "narrative goes here",
		Stats:       RunStats{MessagesSeen: 7, Duplicates: 1, ParseFailures: 2},
		Decisions: []engine.AlertDecision{
			{
				Domain:                "bad.com",
				OrgName:               "google.com",
				ReportID:              "r1",
				TotalMessages:         16,
				AuthenticatedMessages: 15,
				CurrentRate:           93.8,
				BaselineRate:          88.4,
				Delta:                 -5.4,
				Severity:              engine.SeverityHigh,
				RequiresAttention:     true,
				NewSources:            []string{"198.51.100.7"},
				FlaggedRecords: []dmarc.SourceRecord{
					{SourceIP: "198.51.100.7", Count: 1, DKIMResult: "fail", SPFResult: "fail"},
				},
			},
			{
				Domain:                "worse.com",
				OrgName:               "yahoo.com",
				ReportID:              "r2",
				TotalMessages:         100,
				AuthenticatedMessages: 20,
				CurrentRate:           20.0,
				BaselineRate:          95.0,
				Delta:                 75.0,
				Severity:              engine.SeverityCritical,
				RequiresAttention:     true,
				FlaggedRecords: []dmarc.SourceRecord{
					{SourceIP: "203.0.113.9", Count: 80, DKIMResult: "fail", SPFResult: "fail"},
				},
			},
			{
				Domain:                "clean.com",
				TotalMessages:         50,
				AuthenticatedMessages: 50,
				CurrentRate:           100,
				BaselineRate:          100,
			},
		},
	}
}

func TestRenderSections(t *testing.T) {
	body := Render(testSummary(), nil)

	// fixed section order
	headline := strings.Index(body, "DMARC MONITOR - ISSUES DETECTED")
	executive := strings.Index(body, "EXECUTIVE SUMMARY")
	attention := strings.Index(body, "DOMAINS REQUIRING ATTENTION")
	clean := strings.Index(body, "CLEAN DOMAINS")
	narrative := strings.Index(body, "\nSUMMARY\n")
	footer := strings.Index(body, "run run-1 covering")

	require.NotEqual(t, -1, headline)
	require.NotEqual(t, -1, executive)
	require.NotEqual(t, -1, attention)
	require.NotEqual(t, -1, clean)
	require.NotEqual(t, -1, narrative)
	require.NotEqual(t, -1, footer)
	assert.True(t, headline < executive && executive < attention && attention < clean && clean < narrative && narrative < footer)

	// severity ordering, worst first
	assert.Less(t, strings.Index(body, "worse.com [CRITICAL]"), strings.Index(body, "bad.com [HIGH]"))

	assert.Contains(t, body, "- Mails processed: 7")
	assert.Contains(t, body, "- Reports analyzed: 3")
	assert.Contains(t, body, "- Domains requiring attention: 2")
	assert.Contains(t, body, "- Duplicates skipped: 1")
	assert.Contains(t, body, "- Unparsable attachments: 2")
	assert.Contains(t, body, "- clean.com (100.0%)")
	assert.Contains(t, body, "narrative goes here")
}

func TestRenderDeterministic(t *testing.T) {
	first := Render(testSummary(), nil)
	second := Render(testSummary(), nil)
	assert.Equal(t, first, second)
}

func TestRenderAllClean(t *testing.T) {
	s := testSummary()
	s.Decisions = s.Decisions[2:]
	body := Render(s, nil)
	assert.Contains(t, body, "DMARC MONITOR - ALL CLEAN")
	assert.NotContains(t, body, "DOMAINS REQUIRING ATTENTION")
	assert.Equal(t, "all clean", s.Headline())
}

func TestRenderNothingToReport(t *testing.T) {
	s := testSummary()
	s.Decisions = []engine.AlertDecision{
		{Domain: "empty.com", Degenerate: true},
	}
	body := Render(s, nil)
	assert.Contains(t, body, "DMARC MONITOR - NOTHING TO REPORT")
	assert.NotContains(t, body, "CLEAN DOMAINS")
	assert.Equal(t, "nothing to report", s.Headline())

	s.Decisions = nil
	assert.Equal(t, "nothing to report", s.Headline())
}

func TestRenderHeadlineIssues(t *testing.T) {
	assert.Equal(t, "issues detected: 2 domains require attention", testSummary().Headline())
}

func TestRenderPTRAnnotation(t *testing.T) {
	resolver := &fakeResolver{names: map[string][]string{
		"203.0.113.9": {"mail.attacker.net"},
	}}
	body := Render(testSummary(), resolver)
	assert.Contains(t, body, "(mail.attacker.net)")
	// failed lookup leaves the other source unannotated
	assert.Contains(t, body, "198.51.100.7")
	assert.NotContains(t, body, "(198.51.100.7)")
}

func TestErrorBody(t *testing.T) {
	body := Error("run-9", time.Date(2025, 8, 1, 10, 0, 0, 0, time.UTC), errors.New("imap connect refused"))
	assert.Contains(t, body, "DMARC MONITOR - RUN FAILED")
	assert.Contains(t, body, "run-9")
	assert.Contains(t, body, "imap connect refused")
}
