package dmarc

import (
	"fmt"
	"strings"
	"time"
)

// AggregateReport is the domain model of one parsed DMARC report. It is
// immutable after FromXML and is what the store and the decision engine
// operate on.
type AggregateReport struct {
	OrgName  string
	Domain   string
	ReportID string
	Begin    time.Time
	End      time.Time
	Policy   string
	ADKIM    string
	ASPF     string
	Records  []SourceRecord
}

// SourceRecord is one sending source entry within a report. Authenticated is
// precomputed at conversion time from the auth results and the published
// alignment modes.
type SourceRecord struct {
	SourceIP      string
	Count         int
	DKIMResult    string
	SPFResult     string
	HeaderFrom    string
	Authenticated bool
}

func (r *AggregateReport) TotalMessages() int {
	total := 0
	for _, rec := range r.Records {
		total += rec.Count
	}
	return total
}

func (r *AggregateReport) AuthenticatedMessages() int {
	total := 0
	for _, rec := range r.Records {
		if rec.Authenticated {
			total += rec.Count
		}
	}
	return total
}

// FromXML converts a decoded XMLReport into the domain model. It validates
// the report invariants, normalizes result strings and computes per record
// authentication. Records with a non positive count are dropped. All errors
// are *ParseError.
func FromXML(filename string, x *XMLReport) (*AggregateReport, error) {
	domain := normalizeDomain(x.PolicyPublished.Domain)
	if domain == "" {
		return nil, newParseError(filename, fmt.Errorf("report has no policy domain"))
	}

	begin := time.Unix(x.ReportMetadata.DateRange.Begin, 0).UTC()
	end := time.Unix(x.ReportMetadata.DateRange.End, 0).UTC()
	if begin.After(end) {
		return nil, newParseError(filename, fmt.Errorf("report period begin %s is after end %s", begin, end))
	}

	adkim := strings.ToLower(strings.TrimSpace(x.PolicyPublished.Adkim))
	aspf := strings.ToLower(strings.TrimSpace(x.PolicyPublished.Aspf))

	report := &AggregateReport{
		OrgName:  strings.TrimSpace(x.ReportMetadata.OrgName),
		Domain:   domain,
		ReportID: strings.TrimSpace(x.ReportMetadata.ReportID),
		Begin:    begin,
		End:      end,
		Policy:   strings.ToLower(strings.TrimSpace(x.PolicyPublished.P)),
		ADKIM:    adkim,
		ASPF:     aspf,
	}

	for _, rec := range x.Records {
		if rec.Row.Count <= 0 {
			continue
		}

		headerFrom := normalizeDomain(rec.Identifiers.HeaderFrom)
		if headerFrom == "" {
			// some reporters leave header_from empty, the policy domain is
			// the best identifier we have then
			headerFrom = domain
		}

		sr := SourceRecord{
			SourceIP:      strings.TrimSpace(rec.Row.SourceIP),
			Count:         rec.Row.Count,
			HeaderFrom:    headerFrom,
			Authenticated: recordAuthenticated(rec, headerFrom, adkim, aspf),
		}
		if len(rec.AuthResults.Dkim) > 0 {
			sr.DKIMResult = strings.ToLower(strings.TrimSpace(rec.AuthResults.Dkim[0].Result))
		}
		if len(rec.AuthResults.Spf) > 0 {
			sr.SPFResult = strings.ToLower(strings.TrimSpace(rec.AuthResults.Spf[0].Result))
		}
		report.Records = append(report.Records, sr)
	}

	return report, nil
}

// recordAuthenticated implements the DMARC pass condition: at least one
// aligned DKIM pass or one aligned SPF pass. When the reporter did not
// include usable auth result domains the policy evaluated results are used
// instead, the reporter computed those with alignment already.
func recordAuthenticated(rec Record, headerFrom, adkim, aspf string) bool {
	usable := false
	for _, dkim := range rec.AuthResults.Dkim {
		if normalizeDomain(dkim.Domain) == "" {
			continue
		}
		usable = true
		if strings.EqualFold(strings.TrimSpace(dkim.Result), "pass") && aligned(headerFrom, dkim.Domain, adkim) {
			return true
		}
	}
	for _, spf := range rec.AuthResults.Spf {
		if normalizeDomain(spf.Domain) == "" {
			continue
		}
		usable = true
		if strings.EqualFold(strings.TrimSpace(spf.Result), "pass") && aligned(headerFrom, spf.Domain, aspf) {
			return true
		}
	}
	if usable {
		return false
	}
	return strings.EqualFold(rec.Row.PolicyEvaluated.Dkim, "pass") ||
		strings.EqualFold(rec.Row.PolicyEvaluated.Spf, "pass")
}
