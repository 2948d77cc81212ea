// Package enrich is the boundary to the language model that turns the
// structured run facts into prose. The Anthropic client can always be
// swapped for the deterministic Fallback at the call site, a run never
// depends on the API being reachable.
package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/firefart/dmarcmonitor/internal/engine"
)

// ErrUnavailable wraps every failure of the enrichment API after the retries
// are exhausted. Callers degrade to the fallback summary when they see it.
var ErrUnavailable = errors.New("enrichment unavailable")

// Facts is the structured input for a summary, assembled from the run's
// decisions.
type Facts struct {
	WindowStart   time.Time
	WindowEnd     time.Time
	Decisions     []engine.AlertDecision
	Duplicates    int
	ParseFailures int
}

func (f Facts) flagged() []engine.AlertDecision {
	var result []engine.AlertDecision
	for _, d := range f.Decisions {
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

type Summarizer interface {
	Summarize(ctx context.Context, facts Facts) (string, error)
}

type Anthropic struct {
	apiKey     string
	model      string
	maxTokens  int
	baseURL    string
	retries    int
	httpClient *http.Client
	logger     *slog.Logger
}

func NewAnthropic(baseURL, apiKey, model string, maxTokens, retries int, timeout time.Duration, logger *slog.Logger) *Anthropic {
	return &Anthropic{
		apiKey:    apiKey,
		model:     model,
		maxTokens: maxTokens,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		retries:   retries,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Summarize asks the model for a prose summary of the facts. Transport
// errors and non 2xx responses are retried with exponential backoff, after
// the last attempt the error wraps ErrUnavailable.
func (a *Anthropic) Summarize(ctx context.Context, facts Facts) (string, error) {
	prompt := renderPrompt(facts)

	backoff := 500 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt <= a.retries; attempt++ {
		if attempt > 0 {
			a.logger.Debug("retrying enrichment call",
				slog.Int("attempt", attempt),
				slog.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		text, err := a.call(ctx, prompt)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	return "", fmt.Errorf("%w: %w", ErrUnavailable, lastErr)
}

func (a *Anthropic) call(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(messagesRequest{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		Messages:  []message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("could not marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("could not read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("api returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var parsed messagesResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("could not unmarshal response: %w", err)
	}
	if len(parsed.Content) == 0 || parsed.Content[0].Text == "" {
		return "", fmt.Errorf("api returned an empty response")
	}

	return parsed.Content[0].Text, nil
}

func renderPrompt(facts Facts) string {
	var b strings.Builder
	b.WriteString("You are helping a small business understand their email authentication health.\n")
	b.WriteString("Summarize the following DMARC monitoring results in plain language and suggest concrete fixes.\n")
	b.WriteString("Keep it short, no markdown.\n\n")
	fmt.Fprintf(&b, "Reporting window: %s to %s\n",
		facts.WindowStart.Format(time.RFC3339), facts.WindowEnd.Format(time.RFC3339))
	fmt.Fprintf(&b, "Reports analyzed: %d (%d duplicates skipped, %d attachments unparsable)\n\n",
		len(facts.Decisions), facts.Duplicates, facts.ParseFailures)

	for _, d := range facts.Decisions {
		if d.Degenerate {
			fmt.Fprintf(&b, "Domain %s (report %s from %s): empty report, no messages.\n", d.Domain, d.ReportID, d.OrgName)
			continue
		}
		fmt.Fprintf(&b, "Domain %s (report %s from %s): %d messages, %.1f%% authenticated (baseline %.1f%%), severity %s.\n",
			d.Domain, d.ReportID, d.OrgName, d.TotalMessages, d.CurrentRate, d.BaselineRate, d.Severity)
		if len(d.NewSources) > 0 {
			fmt.Fprintf(&b, "  Previously unseen sending sources: %s\n", strings.Join(d.NewSources, ", "))
		}
		for _, rec := range d.FlaggedRecords {
			fmt.Fprintf(&b, "  Failing source %s: %d messages, dkim=%s spf=%s\n",
				rec.SourceIP, rec.Count, valueOrNone(rec.DKIMResult), valueOrNone(rec.SPFResult))
		}
	}

	return b.String()
}

func valueOrNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
