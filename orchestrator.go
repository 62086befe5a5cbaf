package main

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Per-target final states.
const (
	StatusReserved  = "reserved"
	StatusExhausted = "exhausted"
	StatusSkipped   = "skipped"
)

// TargetReport is the final state of one of today's targets.
type TargetReport struct {
	Index    int
	Target   ReservationTarget
	Status   string
	Attempts int
	Detail   string
}

// Report is what a run achieved.
type Report struct {
	TodayReservationNum int
	Reserved            int
	Cycles              int
	Targets             []TargetReport
}

// Summary is the one-line overall outcome.
func (r Report) Summary() string {
	switch {
	case r.TodayReservationNum == 0:
		return "no targets scheduled today"
	case r.Reserved == r.TodayReservationNum:
		return "all targets reserved"
	case r.Reserved > 0:
		return "partial success"
	default:
		return "time window exhausted without success"
	}
}

type orchestratorOptions struct {
	Action     bool
	Getenv     func(string) string
	Clock      Clock
	Logger     Logger
	NewSession SessionFactory
	Recorder   Recorder
}

// Orchestrator runs the race and the polling cycles over today's targets.
type Orchestrator struct {
	cfg        *Config
	creds      *CredentialSource
	clock      Clock
	logical    logicalClock
	logger     Logger
	newSession SessionFactory
	race       *Race
	loop       *RetryLoop

	success  []bool
	skipped  map[int]bool
	attempts []int
	details  []string
	sessions map[string]Session
}

// NewOrchestrator resolves credentials up front, so a credential problem
// aborts before any session is opened.
func NewOrchestrator(cfg *Config, opts orchestratorOptions) (*Orchestrator, error) {
	creds, err := ResolveCredentials(opts.Action, opts.Getenv)
	if err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}

	s := cfg.Strategy
	return &Orchestrator{
		cfg:        cfg,
		creds:      creds,
		clock:      opts.Clock,
		logical:    newLogicalClock(opts.Clock, opts.Action),
		logger:     opts.Logger,
		newSession: opts.NewSession,
		race:       NewRace(s, opts.Clock, opts.Logger, opts.NewSession, opts.Recorder, cfg.ReserveNextDay),
		loop:       NewRetryLoop(s, opts.Clock, opts.Action, cfg.EndTime, opts.Logger, opts.Recorder, cfg.ReserveNextDay),
		success:    make([]bool, len(cfg.Reserve)),
		skipped:    map[int]bool{},
		attempts:   make([]int, len(cfg.Reserve)),
		details:    make([]string, len(cfg.Reserve)),
		sessions:   map[string]Session{},
	}, nil
}

// TodayTargets returns the indexes of targets scheduled for today.
func (o *Orchestrator) TodayTargets() []int {
	day := o.logical.Weekday()
	var idx []int
	for i, t := range o.cfg.Reserve {
		if t.ActiveOn(day) {
			idx = append(idx, i)
		}
	}
	return idx
}

// entries pairs today's targets with their accounts. Targets without an
// account are reported as skipped.
func (o *Orchestrator) entries() []raceEntry {
	var out []raceEntry
	for _, i := range o.TodayTargets() {
		t := o.cfg.Reserve[i]
		account, err := o.creds.For(i, t)
		if err != nil {
			o.logger.Log("Skipping %s: %v", t.Label(), err)
			o.details[i] = err.Error()
			o.skipped[i] = true
			continue
		}
		out = append(out, raceEntry{Index: i, Target: t, Account: account})
	}
	return out
}

func (o *Orchestrator) logSettings(mode string) {
	s := o.cfg.Strategy
	o.logger.Log("%s: end time %s, challenge %s, reserve next day %v, max attempt %d, sleep %v, reuse session %v",
		mode, o.cfg.EndTime, o.cfg.Challenge, o.cfg.ReserveNextDay, s.MaxAttempt, s.SleepInterval, o.cfg.ReuseSession)
}

// Run races the opening instant once, then polls until every target of the
// day is reserved or the end time passes.
func (o *Orchestrator) Run(ctx context.Context) (Report, error) {
	o.logSettings("Reserve")
	o.logger.Log("Start time %s (%s)", o.logical.TimeOfDay(), o.logical.Location())

	today := o.TodayTargets()
	report := Report{TodayReservationNum: len(today)}
	if len(today) == 0 {
		o.logger.Log("Today not set to reserve")
		return report, nil
	}

	entries := o.entries()

	deadline := o.cfg.Deadline().On(o.logical.Now(), o.logical.Location())
	raceRes, err := o.race.Run(ctx, deadline, entries)
	if err != nil {
		return o.report(report), err
	}
	for i := range raceRes.Succeeded {
		o.success[i] = true
	}
	if o.cfg.ReuseSession {
		for user, sess := range raceRes.Sessions {
			o.sessions[user] = sess
		}
	}

	for !o.allDone(entries) && !o.loop.pastCutoff() {
		if err := ctx.Err(); err != nil {
			return o.report(report), err
		}
		report.Cycles++
		if err := o.cycle(ctx, entries); err != nil {
			return o.report(report), err
		}
		o.logger.Log("Cycle %d done at %s, success %v", report.Cycles, o.logical.TimeOfDay(), o.successList(today))
		if !o.allDone(entries) {
			o.clock.Sleep(o.cfg.Strategy.SleepInterval)
		}
	}

	report = o.report(report)
	o.logger.Log("Run finished: %s (%d/%d)", report.Summary(), report.Reserved, report.TodayReservationNum)
	return report, nil
}

// Debug makes a single pass over today's targets and stops at the first success.
func (o *Orchestrator) Debug(ctx context.Context) (Report, error) {
	o.logSettings("Debug")

	today := o.TodayTargets()
	report := Report{TodayReservationNum: len(today), Cycles: 1}
	if len(today) == 0 {
		o.logger.Log("Today not set to reserve")
		return report, nil
	}

	for _, e := range o.entries() {
		if err := ctx.Err(); err != nil {
			return o.report(report), err
		}
		ok, err := o.attemptTarget(ctx, e, map[string]bool{})
		if err != nil {
			return o.report(report), err
		}
		if ok {
			break
		}
	}
	return o.report(report), nil
}

// cycle is one polling pass over the targets still open.
func (o *Orchestrator) cycle(ctx context.Context, entries []raceEntry) error {
	authFailed := map[string]bool{}
	for _, e := range entries {
		if o.success[e.Index] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if o.loop.pastCutoff() {
			return nil
		}
		if _, err := o.attemptTarget(ctx, e, authFailed); err != nil {
			return err
		}
	}
	return nil
}

// attemptTarget opens (or reuses) a session and runs the retry loop for e.
// Only fatal errors and cancellation are returned.
func (o *Orchestrator) attemptTarget(ctx context.Context, e raceEntry, authFailed map[string]bool) (bool, error) {
	user := e.Account.Username
	if authFailed[user] {
		return false, nil
	}

	o.logger.Log("----------- %s -- %s -- %s try -----------", maskUsername(user), e.Target.Times, strings.Join(e.Target.Seats, ","))

	sess, err := o.session(ctx, e.Account)
	if err != nil {
		if IsFatalError(err) {
			return false, err
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if IsAuthError(err) {
			authFailed[user] = true
		}
		o.logger.Log("Session for %s unavailable: %v", maskUsername(user), err)
		o.details[e.Index] = err.Error()
		return false, nil
	}

	out, err := o.loop.Run(ctx, sess, e.Index, e.Account, e.Target)
	o.attempts[e.Index] += out.Attempts
	if err != nil {
		return false, err
	}

	o.details[e.Index] = out.Reason
	if out.Err != nil {
		o.details[e.Index] = fmt.Sprintf("%s: %v", out.Reason, out.Err)
	}
	if out.Reason == StopTokenMissing || out.Reason == StopError {
		delete(o.sessions, user)
	}
	if out.Success {
		o.success[e.Index] = true
	}
	return out.Success, nil
}

// session returns a logged-in session for account, reusing one across cycles
// when configured to.
func (o *Orchestrator) session(ctx context.Context, account Credential) (Session, error) {
	if o.cfg.ReuseSession {
		if sess, ok := o.sessions[account.Username]; ok {
			return sess, nil
		}
	}

	sess, err := o.newSession(account)
	if err != nil {
		return nil, err
	}
	if err := sess.Warmup(ctx); err != nil {
		return nil, err
	}
	if err := sess.Login(ctx, account.Username, account.Password); err != nil {
		return nil, err
	}

	if o.cfg.ReuseSession {
		o.sessions[account.Username] = sess
	}
	return sess, nil
}

func (o *Orchestrator) allDone(entries []raceEntry) bool {
	for _, e := range entries {
		if !o.success[e.Index] {
			return false
		}
	}
	return true
}

func (o *Orchestrator) successList(today []int) []bool {
	out := make([]bool, len(today))
	for k, i := range today {
		out[k] = o.success[i]
	}
	return out
}

func (o *Orchestrator) report(r Report) Report {
	r.Targets = r.Targets[:0]
	r.Reserved = 0

	for _, i := range o.TodayTargets() {
		tr := TargetReport{Index: i, Target: o.cfg.Reserve[i], Attempts: o.attempts[i], Detail: o.details[i]}
		switch {
		case o.success[i]:
			tr.Status = StatusReserved
			r.Reserved++
		case o.skipped[i]:
			tr.Status = StatusSkipped
		default:
			tr.Status = StatusExhausted
		}
		r.Targets = append(r.Targets, tr)
	}
	return r
}

// raceDeadline is exposed for the CLI banner.
func (o *Orchestrator) raceDeadline() time.Time {
	return o.cfg.Deadline().On(o.logical.Now(), o.logical.Location())
}
