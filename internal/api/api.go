// Package api wires the ReferralPipe engine together and serves its HTTP
// endpoints: Twilio status callbacks, an operational run trigger and health.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/BTreeMap/ReferralPipe/internal/lifecycle"
	"github.com/BTreeMap/ReferralPipe/internal/messaging"
	"github.com/BTreeMap/ReferralPipe/internal/models"
	"github.com/BTreeMap/ReferralPipe/internal/referrals"
	"github.com/BTreeMap/ReferralPipe/internal/runlock"
	"github.com/BTreeMap/ReferralPipe/internal/schedule"
	"github.com/BTreeMap/ReferralPipe/internal/scheduler"
	"github.com/BTreeMap/ReferralPipe/internal/store"
	"github.com/BTreeMap/ReferralPipe/internal/trace"
	"github.com/BTreeMap/ReferralPipe/internal/triage"
	"github.com/BTreeMap/ReferralPipe/internal/twiliosms"
)

// Default configuration values.
const (
	DefaultAddr           = ":8080"
	DefaultRunSchedule    = "*/15 * * * *"
	DefaultOutboxPoll     = 5 * time.Second
	DefaultShutdownWindow = 10 * time.Second
)

// Opts holds configuration options for the application.
type Opts struct {
	Addr            string
	RunSchedule     string
	RedisURL        string
	LinkBaseURL     string
	CallbackBaseURL string
	WebhookToken    string
	Windows         schedule.Windows
	LockDelay       time.Duration
	LinkIDLength    int
	IgnoreStatus    bool
	OutboxPoll      time.Duration
	Sender          twiliosms.Sender
	TwilioOpts      []twiliosms.Option
	Templates       map[models.Status]string
}

// Option defines a configuration option for the application.
type Option func(*Opts)

// WithAddr sets the HTTP listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithRunSchedule sets the cron expression that triggers scheduling runs.
func WithRunSchedule(expr string) Option {
	return func(o *Opts) { o.RunSchedule = expr }
}

// WithRedisURL keeps run leases in Redis instead of the database.
func WithRedisURL(url string) Option {
	return func(o *Opts) { o.RedisURL = url }
}

// WithLinkBaseURL sets the URL prefix of links sent in text messages.
func WithLinkBaseURL(url string) Option {
	return func(o *Opts) { o.LinkBaseURL = url }
}

// WithCallbackBaseURL sets the public base URL Twilio posts status updates to.
func WithCallbackBaseURL(url string) Option {
	return func(o *Opts) { o.CallbackBaseURL = url }
}

// WithWebhookToken enables Twilio signature checks on status callbacks.
func WithWebhookToken(token string) Option {
	return func(o *Opts) { o.WebhookToken = token }
}

// WithWindows sets the contact timing windows.
func WithWindows(w schedule.Windows) Option {
	return func(o *Opts) { o.Windows = w }
}

// WithLockDelay sets how long a run lease is held before it expires.
func WithLockDelay(d time.Duration) Option {
	return func(o *Opts) { o.LockDelay = d }
}

// WithLinkIDLength sets the length of generated link ids.
func WithLinkIDLength(n int) Option {
	return func(o *Opts) { o.LinkIDLength = n }
}

// WithIgnoreStatusRequirement lets provider updates apply to referrals that
// are not in an engaged provider status. Other transitions still follow the
// transition table.
func WithIgnoreStatusRequirement(ignore bool) Option {
	return func(o *Opts) { o.IgnoreStatus = ignore }
}

// WithOutboxPoll sets how often queued contact attempts are picked up.
func WithOutboxPoll(d time.Duration) Option {
	return func(o *Opts) { o.OutboxPoll = d }
}

// WithSender replaces the Twilio client built from TwilioOpts.
func WithSender(s twiliosms.Sender) Option {
	return func(o *Opts) { o.Sender = s }
}

// WithTwilioOptions passes options to the Twilio client.
func WithTwilioOptions(opts ...twiliosms.Option) Option {
	return func(o *Opts) { o.TwilioOpts = append(o.TwilioOpts, opts...) }
}

// WithTemplates overrides message templates per status.
func WithTemplates(t map[models.Status]string) Option {
	return func(o *Opts) { o.Templates = t }
}

// App holds the wired engine components.
type App struct {
	opts      Opts
	st        store.Store
	redis     *runlock.RedisLocker
	machine   *lifecycle.Machine
	run       *schedule.Run
	resolver  *trace.Resolver
	intake    *referrals.Service
	outcomes  *messaging.OutcomeHandler
	templates *messaging.Templates
}

// NewApp opens the store, checks the triage table and builds every engine
// component. A triage table that fails its checksum stops startup.
func NewApp(ctx context.Context, storeOpts []store.Option, opts ...Option) (*App, error) {
	cfg := Opts{
		Addr:        DefaultAddr,
		RunSchedule: DefaultRunSchedule,
		OutboxPoll:  DefaultOutboxPoll,
		Windows:     schedule.DefaultWindows(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	st, err := store.Open(storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	a := &App{opts: cfg, st: st}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	if err := a.st.SeedTriageParameters(ctx, triage.DefaultParameters()); err != nil {
		return fmt.Errorf("failed to seed triage parameters: %w", err)
	}
	params, err := a.st.ListTriageParameters(ctx)
	if err != nil {
		return fmt.Errorf("failed to load triage parameters: %w", err)
	}
	scorer, err := triage.NewScorer(params)
	if err != nil {
		return fmt.Errorf("triage reference table rejected: %w", err)
	}

	var locker runlock.Locker = a.st
	if a.opts.RedisURL != "" {
		a.redis, err = runlock.NewRedisLockerFromURL(ctx, a.opts.RedisURL)
		if err != nil {
			return err
		}
		locker = a.redis
		slog.Info("App.build: run leases kept in Redis")
	}

	templates, err := messaging.NewTemplates(a.opts.LinkBaseURL, a.opts.Templates)
	if err != nil {
		return err
	}

	a.machine = lifecycle.NewMachine(lifecycle.WithIgnoreStatusRequirementForUpdate(a.opts.IgnoreStatus))
	var runOpts []schedule.RunOption
	if a.opts.LockDelay > 0 {
		runOpts = append(runOpts, schedule.WithLockDelay(a.opts.LockDelay))
	}
	if a.opts.LinkIDLength > 0 {
		runOpts = append(runOpts, schedule.WithLinkIDLength(a.opts.LinkIDLength))
	}
	a.run = schedule.NewRun(a.st, locker, a.st, a.machine, schedule.NewEvaluator(a.opts.Windows), runOpts...)
	a.resolver = trace.NewResolver(a.st, a.machine)
	a.intake = referrals.NewService(a.st, scorer)
	a.outcomes = messaging.NewOutcomeHandler(a.st, a.machine)
	a.templates = templates
	return nil
}

// Store returns the application's store.
func (a *App) Store() store.Store {
	return a.st
}

// RunOnce executes a single contact scheduling run.
func (a *App) RunOnce(ctx context.Context, scope schedule.Scope) (int, error) {
	return a.run.Execute(ctx, scope)
}

// Trace applies a batch of trace results.
func (a *App) Trace(ctx context.Context, results []trace.TraceResult) (trace.Summary, error) {
	return a.resolver.Resolve(ctx, results)
}

// Import creates referrals from inputs. Rejected inputs are logged and
// skipped; other errors stop the import.
func (a *App) Import(ctx context.Context, inputs []referrals.Input) (created, rejected int, err error) {
	for _, in := range inputs {
		_, err := a.intake.Create(ctx, in)
		var verr *referrals.ValidationError
		switch {
		case err == nil:
			created++
		case errors.As(err, &verr), errors.Is(err, referrals.ErrDuplicateUbrn):
			slog.Warn("App.Import: referral rejected", "ubrn", in.Ubrn, "error", err)
			rejected++
		default:
			return created, rejected, err
		}
	}
	return created, rejected, nil
}

func (a *App) callbackURL() string {
	if a.opts.CallbackBaseURL == "" {
		return ""
	}
	return a.opts.CallbackBaseURL + TwilioStatusPath
}

// Server returns the HTTP server for the application's endpoints.
func (a *App) Server() *Server {
	var webhookOpts []messaging.WebhookOption
	if a.opts.WebhookToken != "" {
		webhookOpts = append(webhookOpts, messaging.WithSignatureValidation(a.opts.WebhookToken, a.callbackURL()))
	}
	return NewServer(a.run, messaging.NewTwilioStatusWebhook(a.outcomes, webhookOpts...), a.st)
}

func (a *App) sender() (twiliosms.Sender, error) {
	if a.opts.Sender != nil {
		return a.opts.Sender, nil
	}
	opts := a.opts.TwilioOpts
	if cb := a.callbackURL(); cb != "" {
		opts = append([]twiliosms.Option{twiliosms.WithCallbackURL(cb)}, opts...)
	}
	client, err := twiliosms.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Twilio client: %w", err)
	}
	return client, nil
}

// Serve delivers queued contact attempts, runs the scheduling job on its cron
// schedule and serves HTTP until ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	sender, err := a.sender()
	if err != nil {
		return err
	}
	notifier := messaging.NewNotifier(a.st, sender, a.templates, messaging.WithOutcomes(a.outcomes))
	outbox := store.NewOutboxSender(a.st, notifier.Send, a.opts.OutboxPoll, store.WithAbandonHandler(notifier.Abandon))
	if err := outbox.RecoverStaleMessages(ctx); err != nil {
		slog.Warn("App.Serve: failed to recover stale outbox messages", "error", err)
	}

	sched := scheduler.NewScheduler(scheduler.WithJobTimeout(a.run.LockDelay()))
	err = sched.AddJob(schedule.LockName, a.opts.RunSchedule, func(ctx context.Context) error {
		n, err := a.run.Execute(ctx, schedule.Scope{})
		if errors.Is(err, runlock.ErrAlreadyRunning) {
			slog.Info("App.Serve: scheduling run skipped", "reason", err)
			return nil
		}
		if err != nil {
			return err
		}
		slog.Info("App.Serve: scheduling run finished", "scheduled", n)
		return nil
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              a.opts.Addr,
		Handler:           a.Server().Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("App.Serve: HTTP server listening", "addr", a.opts.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	outboxCtx, stopOutbox := context.WithCancel(ctx)
	outboxDone := make(chan struct{})
	go func() {
		defer close(outboxDone)
		outbox.Run(outboxCtx)
	}()
	sched.Start()

	select {
	case <-ctx.Done():
		slog.Info("App.Serve: shutting down")
	case err = <-errCh:
		slog.Error("App.Serve: HTTP server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownWindow)
	defer cancel()
	if shutErr := srv.Shutdown(shutdownCtx); shutErr != nil {
		slog.Warn("App.Serve: HTTP shutdown incomplete", "error", shutErr)
	}
	sched.Stop()
	stopOutbox()
	<-outboxDone
	return err
}

// Close releases the store and any Redis connection.
func (a *App) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	errs = append(errs, a.st.Close())
	return errors.Join(errs...)
}

// Run builds the application and serves until SIGINT or SIGTERM.
func Run(storeOpts []store.Option, opts ...Option) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, storeOpts, opts...)
	if err != nil {
		return err
	}
	defer app.Close()
	return app.Serve(ctx)
}
