package main

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// Monday 2024-05-06 in UTC+8.
var (
	mondayBeforeRace = time.Date(2024, 5, 6, 19, 8, 20, 0, beijing)
	mondayAfterRace  = time.Date(2024, 5, 6, 19, 9, 30, 0, beijing)
)

func orchestratorConfig(targets ...ReservationTarget) *Config {
	s := DefaultStrategy()
	s.MaxAttempt = 3
	return &Config{
		Reserve:        targets,
		Strategy:       s,
		EndTime:        MustTimeOfDay("19:10:00"),
		ReserveNextDay: true,
		Challenge:      ChallengeNone,
	}
}

func dayTarget(room string, days ...string) ReservationTarget {
	t := raceTarget(room, "001")
	t.DaysOfWeek = days
	return t
}

type orchestratorFixture struct {
	clock    *fakeClock
	factory  *fakeFactory
	recorder *memRecorder
	submits  atomic.Int32
}

// newOrchestratorFixture builds sessions whose submits share one counter, so
// outcomes can be scripted across sessions.
func newOrchestratorFixture(start time.Time, outcome func(n int) SubmissionResult) *orchestratorFixture {
	f := &orchestratorFixture{clock: newFakeClock(start), recorder: &memRecorder{}}
	f.factory = &fakeFactory{build: func(c Credential) *fakeSession {
		return &fakeSession{
			clock:         f.clock,
			user:          c.Username,
			fetchLatency:  20 * time.Millisecond,
			submitLatency: 30 * time.Millisecond,
			submit: func(int, SubmitRequest, string) (SubmissionResult, error) {
				return outcome(int(f.submits.Add(1))), nil
			},
		}
	}}
	return f
}

func (f *orchestratorFixture) orchestrator(t *testing.T, cfg *Config, env map[string]string) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(cfg, orchestratorOptions{
		Action:     true,
		Getenv:     envFunc(env),
		Clock:      f.clock,
		Logger:     nopLogger{},
		NewSession: f.factory.New,
		Recorder:   f.recorder,
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	return o
}

func succeedAlways(int) SubmissionResult { return SubmissionResult{Success: true} }
func failAlways(int) SubmissionResult    { return rejectedResult() }

func TestOrchestratorOnlyTodaysTargets(t *testing.T) {
	f := newOrchestratorFixture(mondayAfterRace, succeedAlways)
	cfg := orchestratorConfig(dayTarget("4219", "Monday"), dayTarget("4220", "Tuesday"))
	o := f.orchestrator(t, cfg, map[string]string{"USERNAMES": "mon,tue", "PASSWORDS": "p1,p2"})

	report, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.TodayReservationNum != 1 {
		t.Errorf("TodayReservationNum = %d, want 1", report.TodayReservationNum)
	}
	if report.Reserved != 1 || report.Summary() != "all targets reserved" {
		t.Errorf("report = %+v (%s)", report, report.Summary())
	}
	for _, s := range f.factory.sessions {
		if s.user == "tue" {
			t.Error("Tuesday's account was used on Monday")
		}
		for _, sub := range s.submits {
			if sub.Req.RoomID != "4219" {
				t.Errorf("submitted for room %s", sub.Req.RoomID)
			}
		}
	}
}

func TestOrchestratorCredentialMismatchMakesNoCalls(t *testing.T) {
	f := newOrchestratorFixture(mondayAfterRace, succeedAlways)
	cfg := orchestratorConfig(dayTarget("4219", "Monday"), dayTarget("4220", "Monday"))

	_, err := NewOrchestrator(cfg, orchestratorOptions{
		Action:     true,
		Getenv:     envFunc(map[string]string{"USERNAMES": "a,b", "PASSWORDS": "only-one"}),
		Clock:      f.clock,
		NewSession: f.factory.New,
	})
	if !IsFatalError(err) {
		t.Fatalf("err = %v, want fatal config error", err)
	}
	if f.factory.count() != 0 {
		t.Errorf("%d sessions opened despite the config error", f.factory.count())
	}
}

func TestOrchestratorNothingToday(t *testing.T) {
	f := newOrchestratorFixture(mondayAfterRace, succeedAlways)
	o := f.orchestrator(t, orchestratorConfig(dayTarget("4219", "Sunday")), map[string]string{"USERNAMES": "u", "PASSWORDS": "p"})

	report, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.TodayReservationNum != 0 || f.factory.count() != 0 {
		t.Errorf("report = %+v, sessions = %d", report, f.factory.count())
	}
}

func TestOrchestratorRaceThenRetry(t *testing.T) {
	// Every race submission fails; the first retry-loop submission succeeds.
	bank := DefaultStrategy().ProofBank
	f := newOrchestratorFixture(mondayBeforeRace, func(n int) SubmissionResult {
		if n <= bank {
			return rejectedResult()
		}
		return SubmissionResult{Success: true}
	})
	o := f.orchestrator(t, orchestratorConfig(dayTarget("4219", "Monday")), map[string]string{"USERNAMES": "solo", "PASSWORDS": "p"})

	report, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Reserved != 1 || report.Targets[0].Status != StatusReserved {
		t.Fatalf("report = %+v", report)
	}

	want := []string{PhaseStrike, PhaseFallback, PhaseFallback, PhaseRetry}
	got := f.recorder.phases()
	if len(got) != len(want) {
		t.Fatalf("phases = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("phase %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestOrchestratorRaceSuccessSkipsPolling(t *testing.T) {
	f := newOrchestratorFixture(mondayBeforeRace, succeedAlways)
	o := f.orchestrator(t, orchestratorConfig(dayTarget("4219", "Monday")), map[string]string{"USERNAMES": "solo", "PASSWORDS": "p"})

	report, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Reserved != 1 || report.Cycles != 0 {
		t.Errorf("report = %+v", report)
	}
	if f.submits.Load() != 1 {
		t.Errorf("submits = %d, want 1", f.submits.Load())
	}
}

func TestOrchestratorExhaustedAtCutoff(t *testing.T) {
	f := newOrchestratorFixture(mondayAfterRace, failAlways)
	o := f.orchestrator(t, orchestratorConfig(dayTarget("4219", "Monday")), map[string]string{"USERNAMES": "solo", "PASSWORDS": "p"})

	report, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Reserved != 0 || report.Targets[0].Status != StatusExhausted {
		t.Errorf("report = %+v", report)
	}
	if report.Summary() != "time window exhausted without success" {
		t.Errorf("summary = %q", report.Summary())
	}
	if report.Cycles < 2 {
		t.Errorf("cycles = %d, want polling to repeat until the cutoff", report.Cycles)
	}
	if !f.clock.Now().After(time.Date(2024, 5, 6, 19, 9, 59, 0, beijing)) {
		t.Errorf("stopped at %s, before the cutoff", f.clock.Now().Format(time.TimeOnly))
	}
}

func TestOrchestratorAuthFailureSkipsAccount(t *testing.T) {
	f := newOrchestratorFixture(mondayAfterRace, succeedAlways)
	build := f.factory.build
	f.factory.build = func(c Credential) *fakeSession {
		s := build(c)
		if c.Username == "bad" {
			s.loginErr = &AuthError{Username: c.Username, Message: "密码错误"}
		}
		return s
	}
	cfg := orchestratorConfig(dayTarget("4219", "Monday"), dayTarget("4220", "Monday"))
	o := f.orchestrator(t, cfg, map[string]string{"USERNAMES": "bad,good", "PASSWORDS": "x,y"})

	report, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Reserved != 1 || report.Summary() != "partial success" {
		t.Errorf("report = %+v (%s)", report, report.Summary())
	}
	if report.Targets[0].Status != StatusExhausted || report.Targets[1].Status != StatusReserved {
		t.Errorf("statuses = %s, %s", report.Targets[0].Status, report.Targets[1].Status)
	}
	for _, s := range f.factory.sessions {
		if s.user == "bad" && len(s.submits) != 0 {
			t.Error("submitted for an account that failed to log in")
		}
	}
}

func TestOrchestratorSkipsTargetWithoutAccount(t *testing.T) {
	f := newOrchestratorFixture(mondayAfterRace, succeedAlways)
	cfg := orchestratorConfig(dayTarget("4219", "Monday"), dayTarget("4220", "Monday"), dayTarget("4221", "Monday"))
	o := f.orchestrator(t, cfg, map[string]string{"USERNAMES": "a,b", "PASSWORDS": "x,y"})

	report, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.TodayReservationNum != 3 || report.Reserved != 2 {
		t.Errorf("report = %+v", report)
	}
	if report.Targets[2].Status != StatusSkipped {
		t.Errorf("third target status = %s, want skipped", report.Targets[2].Status)
	}
}

func TestOrchestratorSessionPolicy(t *testing.T) {
	tests := []struct {
		name         string
		reuse        bool
		wantSessions int
	}{
		{"recreate per cycle", false, 2},
		{"reuse across cycles", true, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// MaxAttempt is 3: the first cycle burns its budget, the second succeeds.
			f := newOrchestratorFixture(mondayAfterRace, func(n int) SubmissionResult {
				if n <= 3 {
					return rejectedResult()
				}
				return SubmissionResult{Success: true}
			})
			cfg := orchestratorConfig(dayTarget("4219", "Monday"))
			cfg.ReuseSession = tt.reuse
			o := f.orchestrator(t, cfg, map[string]string{"USERNAMES": "solo", "PASSWORDS": "p"})

			report, err := o.Run(context.Background())
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if report.Reserved != 1 || report.Cycles != 2 {
				t.Errorf("report = %+v", report)
			}
			if f.factory.count() != tt.wantSessions {
				t.Errorf("sessions = %d, want %d", f.factory.count(), tt.wantSessions)
			}
		})
	}
}

func TestOrchestratorDebugStopsAtFirstSuccess(t *testing.T) {
	f := newOrchestratorFixture(mondayAfterRace, succeedAlways)
	cfg := orchestratorConfig(dayTarget("4219", "Monday"), dayTarget("4220", "Monday"))
	o := f.orchestrator(t, cfg, map[string]string{"USERNAMES": "solo", "PASSWORDS": "p"})

	report, err := o.Debug(context.Background())
	if err != nil {
		t.Fatalf("Debug: %v", err)
	}
	if report.Reserved != 1 || f.submits.Load() != 1 {
		t.Errorf("report = %+v, submits = %d", report, f.submits.Load())
	}
	if f.recorder.phases()[0] != PhaseRetry {
		t.Error("debug mode raced the opening instant")
	}
}

func TestOrchestratorCancelled(t *testing.T) {
	t.Run("before start", func(t *testing.T) {
		f := newOrchestratorFixture(mondayBeforeRace, failAlways)
		o := f.orchestrator(t, orchestratorConfig(dayTarget("4219", "Monday")), map[string]string{"USERNAMES": "solo", "PASSWORDS": "p"})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		report, err := o.Run(ctx)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
		if f.factory.count() != 0 || report.Cycles != 0 {
			t.Errorf("sessions = %d, cycles = %d after cancel", f.factory.count(), report.Cycles)
		}
	})

	t.Run("during polling", func(t *testing.T) {
		f := newOrchestratorFixture(mondayAfterRace, failAlways)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		build := f.factory.build
		f.factory.build = func(c Credential) *fakeSession {
			cancel()
			return build(c)
		}
		o := f.orchestrator(t, orchestratorConfig(dayTarget("4219", "Monday")), map[string]string{"USERNAMES": "solo", "PASSWORDS": "p"})

		report, err := o.Run(ctx)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
		if f.factory.count() != 1 || report.Cycles != 1 {
			t.Errorf("sessions = %d, cycles = %d; want polling to stop at the first cancel", f.factory.count(), report.Cycles)
		}
		if f.submits.Load() != 0 {
			t.Errorf("submits = %d after cancel", f.submits.Load())
		}
	})
}
