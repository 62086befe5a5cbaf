package main

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Attempt phases.
const (
	PhaseStrike   = "strike"
	PhaseFallback = "fallback"
	PhaseRetry    = "retry"
)

var errRaceFired = errors.New("race already fired in this run")

// SessionFactory opens a new, not yet logged in, session for account.
type SessionFactory func(account Credential) (Session, error)

// raceEntry is one of today's targets taking part in the race.
type raceEntry struct {
	Index   int
	Target  ReservationTarget
	Account Credential
}

// RaceResult reports what the race achieved.
type RaceResult struct {
	// Succeeded is keyed by target index.
	Succeeded map[int]bool
	// Sessions holds the logged-in session per username, for reuse.
	Sessions map[string]Session
	Skipped  bool
}

// Race runs the timed submission sequence around the opening instant. It
// fires at most once.
type Race struct {
	strategy   Strategy
	clock      Clock
	logger     Logger
	newSession SessionFactory
	recorder   Recorder
	nextDay    bool
	fired      bool

	// held keeps race attempts out of the journal until the strikes are over.
	held []Attempt
}

func NewRace(strategy Strategy, clock Clock, logger Logger, newSession SessionFactory, recorder Recorder, nextDay bool) *Race {
	return &Race{
		strategy:   strategy,
		clock:      clock,
		logger:     logger,
		newSession: newSession,
		recorder:   recorder,
		nextDay:    nextDay,
	}
}

// raceSlot is the per-target state during the race.
type raceSlot struct {
	entry   raceEntry
	session Session
	proofs  []bankedProof
	strikes int
	done    bool
}

type bankedProof struct {
	value    string
	solvedAt time.Time
}

// Run waits for deadline, which is the wall-clock opening instant, and races
// every entry. When the first strike instant has already passed the race is
// skipped. A cancelled ctx ends the race with ctx.Err().
func (r *Race) Run(ctx context.Context, deadline time.Time, entries []raceEntry) (*RaceResult, error) {
	if r.fired {
		return nil, errRaceFired
	}
	r.fired = true
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer r.flush()

	result := &RaceResult{Succeeded: map[int]bool{}, Sessions: map[string]Session{}}
	if len(entries) == 0 {
		result.Skipped = true
		return result, nil
	}

	s := r.strategy
	t := monotonicDeadline(r.clock, deadline)
	strikeAt := t.Add(s.FirstSubmitOffset)
	if !r.clock.Now().Before(strikeAt) {
		r.logger.Log("Opening instant %s already passed, skipping race", deadline.Format(time.TimeOnly))
		result.Skipped = true
		return result, nil
	}

	r.logger.Log("Race armed for %s with %d target(s)", deadline.Format("15:04:05.000"), len(entries))
	if err := r.wait(ctx, t.Add(-s.LoginLead)); err != nil {
		return result, err
	}

	slots, err := r.warmup(ctx, entries, result)
	if err != nil {
		return result, err
	}
	if len(slots) == 0 {
		r.logger.Log("No session logged in, nothing to race")
		return result, nil
	}

	if err := r.wait(ctx, t.Add(-s.ChallengeLead)); err != nil {
		return result, err
	}
	if err := r.presolve(ctx, slots); err != nil {
		return result, err
	}

	if err := r.wait(ctx, strikeAt); err != nil {
		return result, err
	}
	r.logger.Log("Opening instant reached, striking")

	day := reservationDay(r.clock.Now(), r.nextDay)
	for round := 0; round < s.ProofBank; round++ {
		pending := 0
		for _, slot := range slots {
			if slot.done {
				continue
			}
			pending++
			if err := r.strike(ctx, slot, round, day); err != nil {
				return result, err
			}
			if slot.done {
				result.Succeeded[slot.entry.Index] = true
			}
		}
		if pending == 0 {
			break
		}
	}

	for _, slot := range slots {
		if !slot.done {
			r.logger.Log("Race ended without success for %s", slot.entry.Target.Label())
		}
	}
	return result, nil
}

func (r *Race) wait(ctx context.Context, at time.Time) error {
	return spinUntil(ctx, r.clock, at, r.strategy.CoarsePoll, r.strategy.FinePoll, r.strategy.FineWindow)
}

// warmup logs each account in once. Entries whose account cannot log in are
// dropped from the race.
func (r *Race) warmup(ctx context.Context, entries []raceEntry, result *RaceResult) ([]*raceSlot, error) {
	failed := map[string]bool{}
	var slots []*raceSlot

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		user := e.Account.Username
		if failed[user] {
			continue
		}

		sess, ok := result.Sessions[user]
		if !ok {
			var err error
			sess, err = r.openSession(ctx, e.Account)
			if err != nil {
				r.logger.Log("Warm-up failed for %s: %v", maskUsername(user), err)
				failed[user] = true
				continue
			}
			result.Sessions[user] = sess
		}
		slots = append(slots, &raceSlot{entry: e, session: sess})
	}
	return slots, ctx.Err()
}

func (r *Race) openSession(ctx context.Context, account Credential) (Session, error) {
	sess, err := r.newSession(account)
	if err != nil {
		return nil, err
	}
	if err := sess.Warmup(ctx); err != nil {
		return nil, err
	}
	if err := sess.Login(ctx, account.Username, account.Password); err != nil {
		return nil, err
	}
	return sess, nil
}

// presolve banks up to ProofBank proofs per slot. A slot that cannot bank
// everything solves the rest on demand during the strike.
func (r *Race) presolve(ctx context.Context, slots []*raceSlot) error {
	for _, slot := range slots {
		for len(slot.proofs) < r.strategy.ProofBank {
			proof, err := SolveWithRetry(ctx, slot.session, r.logger)
			if err != nil {
				if IsFatalError(err) || ctx.Err() != nil {
					return err
				}
				r.logger.Log("Pre-solve %d/%d failed for %s: %v", len(slot.proofs)+1, r.strategy.ProofBank, slot.entry.Target.Label(), err)
				break
			}
			slot.proofs = append(slot.proofs, bankedProof{value: proof, solvedAt: r.clock.Now()})
		}
		r.logger.Log("Banked %d proof(s) for %s", len(slot.proofs), slot.entry.Target.Label())
	}
	return nil
}

// takeProof hands out the next banked proof, or solves one on demand.
func (r *Race) takeProof(ctx context.Context, slot *raceSlot) (bankedProof, error) {
	if len(slot.proofs) > 0 {
		p := slot.proofs[0]
		slot.proofs = slot.proofs[1:]
		return p, nil
	}
	proof, err := SolveWithRetry(ctx, slot.session, r.logger)
	if err != nil {
		return bankedProof{}, err
	}
	return bankedProof{value: proof, solvedAt: r.clock.Now()}, nil
}

// strike performs one submission for slot: fresh token, optional delay for
// fallbacks, then submit with an unused proof. Only fatal errors and
// cancellation are returned.
func (r *Race) strike(ctx context.Context, slot *raceSlot, round int, day string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e := slot.entry
	seat := e.Target.Seats[0]
	phase := PhaseStrike
	if round > 0 {
		phase = PhaseFallback
	}
	slot.strikes++

	rec := Attempt{
		Account: maskUsername(e.Account.Username),
		Target:  e.Index,
		Room:    e.Target.RoomID,
		Seat:    seat,
		Phase:   phase,
		Number:  slot.strikes,
	}

	token, err := slot.session.FetchPageToken(ctx, e.Target.pageRoom(), seat)
	if err != nil {
		rec.Err = fmt.Sprintf("page token: %v", err)
		r.finish(rec)
		return nil
	}

	if round > 0 && r.strategy.FallbackDelay > 0 {
		if err := r.wait(ctx, r.clock.Now().Add(r.strategy.FallbackDelay)); err != nil {
			return err
		}
	}

	proof, err := r.takeProof(ctx, slot)
	if err != nil {
		if IsFatalError(err) || ctx.Err() != nil {
			return err
		}
		rec.Err = fmt.Sprintf("challenge: %v", err)
		r.finish(rec)
		return nil
	}

	req := SubmitRequest{RoomID: e.Target.RoomID, Seat: seat, Window: e.Target.Times, Day: day}
	sentAt := r.clock.Now()
	res, err := slot.session.SubmitOnce(ctx, req, proof.value, token)
	rec.TokenAge = ageAt(sentAt, token.FetchedAt)
	rec.ProofAge = ageAt(sentAt, proof.solvedAt)
	if err != nil {
		rec.Err = err.Error()
		r.finish(rec)
		return nil
	}

	rec.Success = res.Success
	rec.Reclassified = res.Reclassified
	rec.Message = res.Message
	r.finish(rec)

	if res.Success {
		slot.done = true
	}
	return nil
}

func ageAt(now, since time.Time) time.Duration {
	if since.IsZero() {
		return 0
	}
	return now.Sub(since)
}

// finish logs a right away. Recording waits for flush so journal writes stay
// off the strike path.
func (r *Race) finish(a Attempt) {
	a.At = r.clock.Now()
	logAttempt(r.logger, a)
	if r.recorder != nil {
		r.held = append(r.held, a)
	}
}

func (r *Race) flush() {
	for _, a := range r.held {
		r.recorder.Record(a)
	}
	r.held = nil
}
