package main

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Reasons a retry loop stops.
const (
	StopReserved     = "reserved"
	StopCutoff       = "cutoff"
	StopExhausted    = "exhausted"
	StopTokenMissing = "token-missing"
	StopError        = "error"
)

// RetryOutcome summarizes one run of the loop for one target.
type RetryOutcome struct {
	Success  bool
	Attempts int
	Reason   string
	Err      error
}

// proxyRotator is implemented by sessions that can switch proxies in place.
type proxyRotator interface {
	RotateProxy() bool
}

// RetryLoop is the steady-state driver: token, proof, submit, sleep, repeat.
type RetryLoop struct {
	strategy Strategy
	clock    Clock
	logical  logicalClock
	cutoff   TimeOfDay
	logger   Logger
	recorder Recorder
	nextDay  bool
}

func NewRetryLoop(strategy Strategy, clock Clock, action bool, cutoff TimeOfDay, logger Logger, recorder Recorder, nextDay bool) *RetryLoop {
	return &RetryLoop{
		strategy: strategy,
		clock:    clock,
		logical:  newLogicalClock(clock, action),
		cutoff:   cutoff,
		logger:   logger,
		recorder: recorder,
		nextDay:  nextDay,
	}
}

// pastCutoff reports whether the logical time of day has reached the cutoff.
func (l *RetryLoop) pastCutoff() bool {
	return !l.logical.TimeOfDay().Before(l.cutoff)
}

// Run attempts the target on an already logged-in session until success,
// the attempt budget is spent, or the cutoff passes. Seats are tried in
// configured order, cycling, and share one budget. The returned error is
// non-nil only for fatal conditions and cancellation.
func (l *RetryLoop) Run(ctx context.Context, session Session, index int, account Credential, target ReservationTarget) (RetryOutcome, error) {
	var out RetryOutcome
	transportFailures := 0

	for out.Attempts < l.strategy.MaxAttempt {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if l.pastCutoff() {
			out.Reason = StopCutoff
			l.logger.Log("Cutoff %s reached after %d attempt(s) for %s", l.cutoff, out.Attempts, target.Label())
			return out, nil
		}

		seat := target.Seats[out.Attempts%len(target.Seats)]
		out.Attempts++

		rec := Attempt{
			Account: maskUsername(account.Username),
			Target:  index,
			Room:    target.RoomID,
			Seat:    seat,
			Phase:   PhaseRetry,
			Number:  out.Attempts,
		}

		res, err := l.attempt(ctx, session, target, seat, &rec)
		switch {
		case err == nil:
			transportFailures = 0
			rec.Success = res.Success
			rec.Reclassified = res.Reclassified
			rec.Message = res.Message
			l.finish(rec)
			if res.Success {
				out.Success = true
				out.Reason = StopReserved
				return out, nil
			}

		case IsFatalError(err):
			rec.Err = err.Error()
			l.finish(rec)
			return out, err

		case ctx.Err() != nil:
			return out, ctx.Err()

		case errors.Is(err, ErrTokenMissing):
			rec.Err = err.Error()
			l.finish(rec)
			out.Reason = StopTokenMissing
			out.Err = err
			return out, nil

		case errors.Is(err, ErrChallengeFailed):
			rec.Err = err.Error()
			l.finish(rec)

		case IsRetryableError(err):
			rec.Err = err.Error()
			l.finish(rec)
			transportFailures++
			if r, ok := session.(proxyRotator); ok {
				r.RotateProxy()
			}
			backoff := l.backoff(transportFailures)
			l.logger.Log("Transport error, backing off %v: %v", backoff, err)
			l.clock.Sleep(backoff)
			continue

		default:
			rec.Err = err.Error()
			l.finish(rec)
			out.Reason = StopError
			out.Err = err
			return out, nil
		}

		l.clock.Sleep(l.strategy.SleepInterval)
	}

	out.Reason = StopExhausted
	l.logger.Log("Attempt budget (%d) spent for %s", l.strategy.MaxAttempt, target.Label())
	return out, nil
}

// attempt runs one token, proof, submit sequence.
func (l *RetryLoop) attempt(ctx context.Context, session Session, target ReservationTarget, seat string, rec *Attempt) (SubmissionResult, error) {
	token, err := session.FetchPageToken(ctx, target.pageRoom(), seat)
	if err != nil {
		return SubmissionResult{}, err
	}

	proof, err := SolveWithRetry(ctx, session, l.logger)
	if err != nil {
		if IsFatalError(err) || errors.Is(err, ErrChallengeFailed) {
			return SubmissionResult{}, err
		}
		return SubmissionResult{}, fmt.Errorf("%w: %v", ErrChallengeFailed, err)
	}
	solvedAt := l.clock.Now()

	req := SubmitRequest{
		RoomID: target.RoomID,
		Seat:   seat,
		Window: target.Times,
		Day:    reservationDay(l.clock.Now(), l.nextDay),
	}
	sentAt := l.clock.Now()
	rec.TokenAge = ageAt(sentAt, token.FetchedAt)
	rec.ProofAge = ageAt(sentAt, solvedAt)
	return session.SubmitOnce(ctx, req, proof, token)
}

// backoff is capped exponential in the number of consecutive transport failures.
func (l *RetryLoop) backoff(failures int) time.Duration {
	d := l.strategy.BackoffBase
	for i := 1; i < failures && d < l.strategy.BackoffMax; i++ {
		d *= 2
	}
	return min(d, l.strategy.BackoffMax)
}

func (l *RetryLoop) finish(a Attempt) {
	a.At = l.clock.Now()
	logAttempt(l.logger, a)
	if l.recorder != nil {
		l.recorder.Record(a)
	}
}
