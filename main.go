package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/firefart/dmarcmonitor/internal/compose"
	"github.com/firefart/dmarcmonitor/internal/config"
	"github.com/firefart/dmarcmonitor/internal/dmarc"
	"github.com/firefart/dmarcmonitor/internal/dns"
	"github.com/firefart/dmarcmonitor/internal/engine"
	"github.com/firefart/dmarcmonitor/internal/enrich"
	"github.com/firefart/dmarcmonitor/internal/helper"
	"github.com/firefart/dmarcmonitor/internal/mailbox"
	"github.com/firefart/dmarcmonitor/internal/notify"
	"github.com/firefart/dmarcmonitor/internal/runlock"
	"github.com/firefart/dmarcmonitor/internal/store"

	charmlog "github.com/charmbracelet/log"
	goimap "github.com/emersion/go-imap"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"

	// needed to handle other charsets too
	_ "github.com/emersion/go-message/charset"
)

type app struct {
	config     *config.Configuration
	logger     *slog.Logger
	store      *store.Store
	dns        *dns.CachedDNSResolver
	summarizer enrich.Summarizer
	sender     notify.Sender
	devMode    bool
}

type runState struct {
	counts    store.RunCounts
	decisions []engine.AlertDecision
}

type cliOptions struct {
	devMode bool
	dryRun  bool
	confirm bool
	domain  string
	out     string
}

func main() {
	debug := flag.Bool("debug", false, "Print debug output")
	devMode := flag.Bool("dev", false, "enable dev mode (no message moves or deletes, print notifications instead of sending)")
	configFile := flag.String("config", "", "Config File to use")
	dryRun := flag.Bool("dry-run", false, "purge: only report what would be removed")
	confirm := flag.Bool("confirm", false, "purge: required to actually delete data")
	domain := flag.String("domain", "", "export: restrict the export to one domain")
	out := flag.String("out", "", "export: output file (default stdout)")
	flag.Parse()

	// bootstrap logger until the config tells us about the logfile
	logger := newLogger(*debug, config.LoggingConfig{})

	if *configFile == "" {
		logger.Error("please supply a config file")
		os.Exit(1)
	}

	settings, err := config.New(config.Defaults(), *configFile)
	if err != nil {
		logger.Error("could not read config", slog.String("file", *configFile), slog.Any("err", err))
		os.Exit(1)
	}

	logger = newLogger(*debug, settings.Logging)

	command := flag.Arg(0)
	if command == "" {
		command = "run"
	}

	// trap Ctrl+C and call cancel on the context
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	defer func() {
		signal.Stop(c)
		cancel()
	}()

	go func() {
		<-c
		logger.Info("CTRL+C received")
		cancel()
	}()

	opts := cliOptions{
		devMode: *devMode,
		dryRun:  *dryRun,
		confirm: *confirm,
		domain:  *domain,
		out:     *out,
	}

	if err := run(ctx, command, settings, logger, opts); err != nil {
		logger.Error("run failed", slog.Any("err", err))
		os.Exit(1)
	}
}

// newLogger builds the console handler, colored on a TTY, and fans out to a
// rotating JSON logfile when one is configured.
func newLogger(debug bool, conf config.LoggingConfig) *slog.Logger {
	opts := charmlog.Options{ReportTimestamp: true}
	if debug {
		opts.Level = charmlog.DebugLevel
	}
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		opts.Formatter = charmlog.LogfmtFormatter
	}
	console := charmlog.NewWithOptions(os.Stderr, opts)

	if conf.File == "" {
		return slog.New(console)
	}

	fileOpts := charmlog.Options{ReportTimestamp: true, Formatter: charmlog.JSONFormatter}
	if debug {
		fileOpts.Level = charmlog.DebugLevel
	}
	file := charmlog.NewWithOptions(&lumberjack.Logger{
		Filename:   conf.File,
		MaxSize:    conf.MaxSizeMB,
		MaxBackups: conf.MaxBackups,
		MaxAge:     conf.MaxAgeDays,
	}, fileOpts)

	return slog.New(multiHandler{handlers: []slog.Handler{console, file}})
}

// multiHandler fans slog records out to several handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs *multierror.Error
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}
	return errs.ErrorOrNil()
}

func (m multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithAttrs(attrs)
	}
	return multiHandler{handlers: handlers}
}

func (m multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithGroup(name)
	}
	return multiHandler{handlers: handlers}
}

func run(ctx context.Context, command string, settings *config.Configuration, logger *slog.Logger, opts cliOptions) error {
	switch command {
	case "run":
		return runPipeline(ctx, settings, logger, opts, false)
	case "catchup":
		return runPipeline(ctx, settings, logger, opts, true)
	case "retry":
		return runRetry(ctx, settings, logger, opts)
	case "stats":
		return runStats(ctx, settings, logger)
	case "purge":
		return runPurge(ctx, settings, logger, opts)
	case "export":
		return runExport(ctx, settings, logger, opts)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

// runRetry re-runs the pipeline only when the most recent finished run
// failed. Meant for a cron entry a few hours after the main schedule.
func runRetry(ctx context.Context, settings *config.Configuration, logger *slog.Logger, opts cliOptions) error {
	st, err := store.Open(settings.Database.Path, logger)
	if err != nil {
		return err
	}

	failure, hasFailure, err := st.LastFailure(ctx)
	if err != nil {
		_ = st.Close()
		return err
	}
	success, hasSuccess, err := st.LastSuccess(ctx)
	if err != nil {
		_ = st.Close()
		return err
	}
	if err := st.Close(); err != nil {
		return err
	}

	if !retryNeeded(failure, hasFailure, success, hasSuccess) {
		logger.Info("last run succeeded, nothing to retry")
		return nil
	}

	logger.Info("last run failed, retrying",
		slog.String("failed-run", failure.ID),
		slog.String("error", failure.Error))
	return runPipeline(ctx, settings, logger, opts, false)
}

// retryNeeded reports whether the most recent finished run failed. A success
// newer than the last failure means the window was already re-covered.
func retryNeeded(failure store.RunRecord, hasFailure bool, success store.RunRecord, hasSuccess bool) bool {
	if !hasFailure {
		return false
	}
	if hasSuccess && success.FinishedAt.After(failure.FinishedAt) {
		return false
	}
	return true
}

func runStats(ctx context.Context, settings *config.Configuration, logger *slog.Logger) error {
	st, err := store.Open(settings.Database.Path, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := st.Stats(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Database: %s (%d bytes)\n", settings.Database.Path, stats.SizeBytes)
	fmt.Printf("Reports:  %d (%d source records, %d runs)\n", stats.Reports, stats.Records, stats.Runs)
	if !stats.OldestReport.IsZero() {
		fmt.Printf("Range:    %s to %s\n",
			stats.OldestReport.Format(time.RFC3339), stats.NewestReport.Format(time.RFC3339))
	}
	for _, d := range stats.Domains {
		fmt.Printf("  %-40s %d reports\n", d.Domain, d.Reports)
	}
	return nil
}

func runPurge(ctx context.Context, settings *config.Configuration, logger *slog.Logger, opts cliOptions) error {
	if !opts.dryRun && !opts.confirm {
		return fmt.Errorf("purge deletes data, pass -confirm to proceed or -dry-run to preview")
	}

	st, err := store.Open(settings.Database.Path, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	cutoff := time.Now().UTC().AddDate(0, 0, -settings.Database.RetentionDays)
	result, err := st.PurgeOlderThan(ctx, cutoff, opts.dryRun)
	if err != nil {
		return err
	}

	verb := "removed"
	if result.DryRun {
		verb = "would remove"
	}
	fmt.Printf("%s %d reports, %d source records and %d run entries older than %s\n",
		verb, result.Reports, result.Records, result.Runs, cutoff.Format(time.RFC3339))
	return nil
}

func runExport(ctx context.Context, settings *config.Configuration, logger *slog.Logger, opts cliOptions) error {
	st, err := store.Open(settings.Database.Path, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if opts.out == "" {
		return st.ExportCSV(ctx, os.Stdout, opts.domain)
	}

	f, err := os.Create(opts.out) // nolint: gosec
	if err != nil {
		return fmt.Errorf("could not create %s: %w", opts.out, err)
	}
	if err := st.ExportCSV(ctx, f, opts.domain); err != nil {
		_ = f.Close()
		return err
	}
	// a failed close can mean a short write, the export must not report
	// success then
	if err := f.Close(); err != nil {
		return fmt.Errorf("could not close %s: %w", opts.out, err)
	}
	return nil
}

func runPipeline(ctx context.Context, settings *config.Configuration, logger *slog.Logger, opts cliOptions, catchup bool) error {
	lock, err := runlock.Acquire(settings.LockFile)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Error("could not release run lock", slog.Any("err", err))
		}
	}()

	st, err := store.Open(settings.Database.Path, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("could not close store", slog.Any("err", err))
		}
	}()

	var resolver *dns.CachedDNSResolver
	if settings.DNS.Enabled {
		resolver = dns.NewCachedDNSResolver(ctx, settings.DNS.Server,
			settings.DNS.ConnectTimeout.Duration, settings.DNS.Timeout.Duration,
			settings.DNS.CacheTimeout.Duration, logger)
	}

	var summarizer enrich.Summarizer = enrich.Fallback{}
	if settings.Enrichment.Enabled {
		summarizer = enrich.NewAnthropic(settings.Enrichment.BaseURL, settings.Enrichment.APIKey,
			settings.Enrichment.Model, settings.Enrichment.MaxTokens, settings.Enrichment.Retries,
			settings.Enrichment.Timeout.Duration, logger)
	}

	a := &app{
		config:     settings,
		logger:     logger,
		store:      st,
		dns:        resolver,
		summarizer: summarizer,
		sender:     notify.NewSMTPSender(settings.Notifications.SMTP, logger),
		devMode:    opts.devMode,
	}

	runID := uuid.New().String()
	started := time.Now().UTC()
	if err := st.StartRun(ctx, runID, started); err != nil {
		return err
	}
	logger.Info("starting run", slog.String("id", runID))

	since, err := lookbackWindow(ctx, st, settings.Lookback, started, catchup)
	if err != nil {
		return a.fail(ctx, runID, &runState{}, err)
	}
	logger.Info("fetching messages", slog.Time("since", since))

	state := &runState{}
	if err := a.imapLoop(ctx, since, state); err != nil {
		return a.fail(ctx, runID, state, err)
	}

	summary := compose.Summary{
		RunID:       runID,
		WindowStart: since,
		WindowEnd:   started,
		GeneratedAt: time.Now().UTC(),
		Decisions:   state.decisions,
		Stats: compose.RunStats{
			MessagesSeen:  state.counts.MessagesSeen,
			Duplicates:    state.counts.Duplicates,
			ParseFailures: state.counts.ParseFailures,
		},
	}
	summary.Narrative = a.narrative(ctx, summary, since, started)

	if err := a.notifyResult(ctx, summary); err != nil {
		return a.fail(ctx, runID, state, err)
	}

	if err := st.FinishRun(ctx, runID, store.StatusSuccess, state.counts, "", time.Now().UTC()); err != nil {
		return err
	}
	logger.Info("run finished",
		slog.String("id", runID),
		slog.Int("messages", state.counts.MessagesSeen),
		slog.Int("reports", state.counts.ReportsStored),
		slog.Int("duplicates", state.counts.Duplicates),
		slog.Int("parse-failures", state.counts.ParseFailures))
	return nil
}

// fail records the failed run in the ledger and notifies the admin
// recipients. The success row is not advanced so the next run covers the
// same window again.
func (a *app) fail(ctx context.Context, runID string, state *runState, runErr error) error {
	// the ledger write must go through even when the context is cancelled
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err := a.store.FinishRun(cleanupCtx, runID, store.StatusFailure, state.counts, runErr.Error(), time.Now().UTC()); err != nil {
		a.logger.Error("could not record run failure", slog.Any("err", err))
	}

	body := compose.Error(runID, time.Now().UTC(), runErr)
	if a.devMode {
		fmt.Println(body)
		return runErr
	}
	if a.config.Notifications.Enabled {
		m := notify.Mail{
			From:    a.config.Notifications.From,
			To:      a.config.Notifications.AdminTo,
			Subject: a.config.Notifications.SubjectPrefix + " run failed",
			Body:    body,
		}
		if err := a.sender.Send(cleanupCtx, m); err != nil {
			a.logger.Error("could not send failure notification", slog.Any("err", err))
		}
	}
	return runErr
}

func (a *app) narrative(ctx context.Context, summary compose.Summary, since, until time.Time) string {
	facts := enrich.Facts{
		WindowStart:   since,
		WindowEnd:     until,
		Decisions:     summary.Decisions,
		Duplicates:    summary.Stats.Duplicates,
		ParseFailures: summary.Stats.ParseFailures,
	}

	narrative, err := a.summarizer.Summarize(ctx, facts)
	if err != nil {
		// enrichment never aborts the run, degrade to the deterministic text
		a.logger.Warn("enrichment unavailable, using fallback summary", slog.Any("err", err))
		narrative, _ = enrich.Fallback{}.Summarize(ctx, facts)
	}
	return narrative
}

func (a *app) notifyResult(ctx context.Context, summary compose.Summary) error {
	var resolver compose.Resolver
	if a.dns != nil {
		resolver = a.dns
	}
	body := compose.Render(summary, resolver)
	headline := summary.Headline()
	hasIssues := strings.HasPrefix(headline, "issues")

	if a.devMode {
		fmt.Println(body)
		return nil
	}
	if !a.config.Notifications.Enabled {
		a.logger.Info("notifications disabled, skipping mail", slog.String("headline", headline))
		return nil
	}
	if !hasIssues && (a.config.Notifications.Quiet || !a.config.Notifications.SendCleanStatus) {
		a.logger.Info("nothing to alert on, skipping clean notification")
		return nil
	}

	return a.sender.Send(ctx, notify.Mail{
		From:    a.config.Notifications.From,
		To:      a.config.Notifications.To,
		Subject: a.config.Notifications.SubjectPrefix + " " + headline,
		Body:    body,
	})
}

// lookbackWindow computes the IMAP search window start from the run ledger,
// clamped so it never exceeds the maximum and always covers at least the
// default lookback.
func lookbackWindow(ctx context.Context, st *store.Store, conf config.LookbackConfig, now time.Time, catchup bool) (time.Time, error) {
	earliest := now.Add(-conf.Max.Duration)
	if catchup {
		return earliest, nil
	}

	last, ok, err := st.LastSuccess(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		// never ran successfully, do the initial catch up
		return earliest, nil
	}

	since := last.FinishedAt
	if since.Before(earliest) {
		since = earliest
	}
	if latest := now.Add(-conf.Default.Duration); since.After(latest) {
		since = latest
	}
	return since, nil
}

// run in batch sizes as some IMAP servers have pretty
// short timeouts and the imap library does not handle
// reconnects
func (a *app) imapLoop(ctx context.Context, since time.Time, state *runState) error {
	seen := make(map[uint32]struct{})
	hasMore := true
	for hasMore {
		a.logger.Debug("starting new imap loop", slog.Int("batch-size", a.config.IMAP.BatchSize))
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			var err error
			hasMore, err = a.fetchBatch(ctx, since, seen, state)
			if err != nil {
				return err
			}
		}
	}

	return nil
}

func (a *app) fetchBatch(ctx context.Context, since time.Time, seen map[uint32]struct{}, state *runState) (bool, error) {
	c, err := mailbox.Connect(a.config.IMAP, a.logger)
	if err != nil {
		return false, fmt.Errorf("could not connect to %s: %w", a.config.IMAP.Host, err)
	}

	a.logger.Debug("connected to imap server")

	if err := c.Login(a.config.IMAP.User, a.config.IMAP.Pass); err != nil {
		return false, fmt.Errorf("could not login: %w", err)
	}

	a.logger.Debug("successful login")

	defer func() {
		if err := c.Logout(); err != nil {
			a.logger.Error("error on logout", slog.Any("err", err))
			return
		}
	}()

	hasFolder, err := mailbox.HasFolder(c, a.config.IMAP.Folder)
	if err != nil {
		return false, fmt.Errorf("could not check if folder %s exists: %w", a.config.IMAP.Folder, err)
	}

	if !hasFolder {
		return false, fmt.Errorf("imap folder %s not found in account", a.config.IMAP.Folder)
	}

	if a.config.IMAP.ProcessedFolder != "" && !a.devMode {
		if err := mailbox.EnsureFolder(c, a.config.IMAP.ProcessedFolder); err != nil {
			return false, fmt.Errorf("could not ensure processed folder %s: %w", a.config.IMAP.ProcessedFolder, err)
		}
	}

	mbox, err := c.Select(a.config.IMAP.Folder, false)
	if err != nil {
		return false, fmt.Errorf("could not select folder %s: %w", a.config.IMAP.Folder, err)
	}

	a.logger.Info("opened folder",
		slog.String("name", mbox.Name),
		slog.Uint64("messages", uint64(mbox.Messages)),
		slog.Uint64("unseen", uint64(mbox.Unseen)))

	ids, err := mailbox.SearchSince(c, since)
	if err != nil {
		return false, fmt.Errorf("could not search for mails: %w", err)
	}

	// skip everything this run already handled, the messages may stay in
	// the folder when neither delete nor move is configured
	var pending []uint32
	for _, id := range ids {
		if _, ok := seen[id]; !ok {
			pending = append(pending, id)
		}
	}

	a.logger.Debug("found mails in window", slog.Int("total", len(ids)), slog.Int("pending", len(pending)))

	if len(pending) == 0 {
		// no mails to process
		return false, nil
	}

	seqset := new(goimap.SeqSet)
	hasMore := false
	if a.config.IMAP.BatchSize >= len(pending) {
		// we got fewer ids than the batchsize, add them all
		seqset.AddNum(pending...)
	} else {
		seqset.AddNum(pending[:a.config.IMAP.BatchSize]...)
		hasMore = true
	}

	a.logger.Debug("fetching messages", slog.String("set", seqset.String()))

	messages := make(chan *goimap.Message)
	done := make(chan error)

	// Get the whole message body
	section := &goimap.BodySectionName{}
	items := []goimap.FetchItem{
		section.FetchItem(),
		goimap.FetchBodyStructure,
		goimap.FetchEnvelope,
		goimap.FetchFlags,
		goimap.FetchInternalDate,
		goimap.FetchUid,
	}
	go func() {
		done <- c.UidFetch(seqset, items, messages)
	}()

	type handled struct {
		subject string
		valid   bool
	}
	processed := make(map[uint32]handled)
	for msg := range messages {
		a.logger.Info("processing email", slog.String("subject", msg.Envelope.Subject), slog.Uint64("uid", uint64(msg.Uid)))
		valid, err := a.processMessage(ctx, msg, state)
		if err != nil {
			// drain the remaining messages so the fetch goroutine can finish
			for range messages {
			}
			<-done
			return false, fmt.Errorf("could not process message %d: %w", msg.Uid, err)
		}
		if !valid {
			a.logger.Info("message does not seem to be a dmarc report", slog.String("subject", msg.Envelope.Subject))
		}
		processed[msg.Uid] = handled{subject: msg.Envelope.Subject, valid: valid}
		state.counts.MessagesSeen++
	}

	a.logger.Debug("waiting for fetch to finish")

	if err := <-done; err != nil {
		return false, fmt.Errorf("error on fetch: %w", err)
	}

	for id := range processed {
		seen[id] = struct{}{}
	}

	if !a.devMode {
		expunge := false
		for uid, h := range processed {
			switch {
			case a.config.IMAP.ProcessedFolder != "":
				// junk in a dedicated reports folder should not accumulate,
				// non-reports move with the rest
				a.logger.Debug("moving message", slog.String("subject", h.subject), slog.Uint64("uid", uint64(uid)))
				if err := mailbox.MoveMessage(c, uid, a.config.IMAP.ProcessedFolder); err != nil {
					a.logger.Error("could not move message", slog.Uint64("uid", uint64(uid)), slog.Any("err", err))
					continue
				}
				expunge = true
			case a.config.IMAP.DeleteProcessed && h.valid:
				a.logger.Debug("marking message as deleted", slog.String("subject", h.subject), slog.Uint64("uid", uint64(uid)))
				if err := mailbox.MarkMessageAsDeleted(c, uid); err != nil {
					a.logger.Error("could not set delete flag", slog.Uint64("uid", uint64(uid)), slog.Any("err", err))
					continue
				}
				expunge = true
			}
		}

		if expunge {
			a.logger.Debug("running expunge command")
			if err := c.Expunge(nil); err != nil {
				return false, fmt.Errorf("could not expunge: %w", err)
			}
		}
	}

	return hasMore, nil
}

func (a *app) processMessage(ctx context.Context, msg *goimap.Message, state *runState) (bool, error) {
	// indicates if the email contained at least one parseable dmarc report
	validDmarcReport := false
	r := msg.GetBody(&goimap.BodySectionName{})
	if r == nil {
		return false, fmt.Errorf("server didn't return message body")
	}
	m, err := mail.CreateReader(r)
	if err != nil {
		return false, fmt.Errorf("could not create reader: %w", err)
	}
	defer m.Close()

	var parseErrs *multierror.Error

outer:
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
			p, err := m.NextPart()
			if err == io.EOF {
				break outer
			} else if err != nil {
				return false, fmt.Errorf("could not get next part: %w", err)
			}

			switch h := p.Header.(type) {
			case *mail.InlineHeader:
				// This is the message's text (can be plain-text or HTML)
				b, err := io.ReadAll(p.Body)
				if err != nil {
					return false, fmt.Errorf("could not read inline body: %w", err)
				}

				// sometimes the report is inlined so we check the magic bytes
				if !helper.IsSupportedArchive(b) && !looksLikeReport(b) {
					continue
				}
				a.logger.Debug("found inline report candidate")

				filename := "report.xml"
				if _, params, err := h.ContentDisposition(); err == nil {
					if name, ok := params["filename"]; ok {
						filename = name
					}
				}

				ok, err := a.handleAttachment(ctx, filename, b, state, &parseErrs)
				if err != nil {
					return false, err
				}
				validDmarcReport = validDmarcReport || ok
			case *mail.AttachmentHeader:
				filename, err := h.Filename()
				if err != nil {
					return false, fmt.Errorf("could not get attachment filename: %w", err)
				}

				b, err := io.ReadAll(p.Body)
				if err != nil {
					return false, fmt.Errorf("could not read attachment: %w", err)
				}

				ok, err := a.handleAttachment(ctx, filename, b, state, &parseErrs)
				if err != nil {
					return false, err
				}
				validDmarcReport = validDmarcReport || ok
			default:
				a.logger.Debug("unhandled header type", slog.Any("header", p.Header))
			}
		}
	}

	if err := parseErrs.ErrorOrNil(); err != nil {
		a.logger.Warn("some attachments could not be parsed", slog.Any("err", err))
	}

	return validDmarcReport, nil
}

// handleAttachment runs one attachment through the pipeline: decode, check
// for duplicates, evaluate against the domain's history and persist. Parse
// failures are collected and skipped, everything else aborts the run.
func (a *app) handleAttachment(ctx context.Context, filename string, content []byte, state *runState, parseErrs **multierror.Error) (bool, error) {
	a.logger.Info("got attachment", slog.String("filename", filename))

	report, err := parseAttachment(filename, content)
	if err != nil {
		var parseErr *dmarc.ParseError
		if errors.As(err, &parseErr) {
			state.counts.ParseFailures++
			*parseErrs = multierror.Append(*parseErrs, err)
			return false, nil
		}
		return false, err
	}

	now := time.Now().UTC()

	exists, err := a.store.HasReport(ctx, store.Key(report))
	if err != nil {
		return false, err
	}
	if exists {
		a.logger.Info("skipping duplicate report",
			slog.String("domain", report.Domain),
			slog.String("report-id", report.ReportID))
		state.counts.Duplicates++
		return true, nil
	}

	// query history before inserting so the report never compares against
	// itself
	history, err := a.store.HistoryForDomain(ctx, report.Domain, now,
		a.config.Database.RetentionDays, a.config.Database.MaxReports)
	if err != nil {
		return false, err
	}

	decision := engine.Evaluate(report, history, engine.Thresholds{
		AuthSuccessRateMin:      a.config.Thresholds.AuthSuccessRateMin,
		AuthRateDropThreshold:   a.config.Thresholds.AuthRateDropThreshold,
		NewSourcesThreshold:     a.config.Thresholds.NewSourcesThreshold,
		MinimumMessagesForAlert: a.config.Thresholds.MinimumMessagesForAlert,
	})

	if err := a.store.InsertReport(ctx, report, now); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			state.counts.Duplicates++
			return true, nil
		}
		return false, err
	}

	state.counts.ReportsStored++
	state.decisions = append(state.decisions, decision)
	a.logger.Info("evaluated report",
		slog.String("domain", decision.Domain),
		slog.String("severity", decision.Severity.String()),
		slog.Bool("requires-attention", decision.RequiresAttention))
	return true, nil
}

func parseAttachment(filename string, content []byte) (*dmarc.AggregateReport, error) {
	xmlFilename, xmlReport, err := dmarc.ReadAttachment(filename, content)
	if err != nil {
		return nil, err
	}
	return dmarc.FromXML(xmlFilename, xmlReport)
}

func looksLikeReport(content []byte) bool {
	trimmed := strings.TrimLeft(string(content), " \t\r\n")
	return strings.HasPrefix(trimmed, "<?xml") || strings.HasPrefix(trimmed, "<feedback")
}
