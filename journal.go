package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// Attempt is one submission attempt, as logged and journaled.
type Attempt struct {
	RunID        string        `json:"run_id"`
	Account      string        `json:"account"`
	Target       int           `json:"target"`
	Room         string        `json:"room"`
	Seat         string        `json:"seat"`
	Phase        string        `json:"phase"`
	Number       int           `json:"number"`
	Success      bool          `json:"success"`
	Reclassified bool          `json:"reclassified,omitempty"`
	Message      string        `json:"message,omitempty"`
	Err          string        `json:"error,omitempty"`
	TokenAge     time.Duration `json:"token_age"`
	ProofAge     time.Duration `json:"proof_age"`
	At           time.Time     `json:"at"`
}

func (a Attempt) outcome() string {
	switch {
	case a.Err != "":
		return "error: " + a.Err
	case a.Reclassified:
		return fmt.Sprintf("success (reclassified %q)", a.Message)
	case a.Success:
		return "success"
	default:
		return fmt.Sprintf("rejected %q", a.Message)
	}
}

// logAttempt writes the per-attempt log line.
func logAttempt(logger Logger, a Attempt) {
	logger.Log("phase=%s target=%d room=%s seat=%s attempt=%d token_age=%v -> %s",
		a.Phase, a.Target, a.Room, a.Seat, a.Number, a.TokenAge.Round(time.Millisecond), a.outcome())
}

// Recorder receives every attempt.
type Recorder interface {
	Record(a Attempt)
}

const attemptPrefix = "attempt/"

// Journal stores attempts in badger so success rates can be tracked across
// runs. Keys are attempt/<run>/<unix nanos>/<seq>; runs sort by start time.
type Journal struct {
	db     *badger.DB
	runID  string
	logger Logger

	mu  sync.Mutex
	seq int
}

// OpenJournal opens (or creates) the journal at path. An empty path keeps
// the journal in memory.
func OpenJournal(path string, logger Logger) (*Journal, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	return &Journal{db: db, runID: newRunID(time.Now()), logger: logger}, nil
}

func newRunID(now time.Time) string {
	return now.UTC().Format("20060102T150405") + "-" + uuid.NewString()[:8]
}

func (j *Journal) RunID() string { return j.runID }

func (j *Journal) Close() error {
	return j.db.Close()
}

// Record stores a. Failures are logged, never returned: the race must not
// stop because the journal is unhappy.
func (j *Journal) Record(a Attempt) {
	a.RunID = j.runID
	if a.At.IsZero() {
		a.At = time.Now()
	}

	j.mu.Lock()
	j.seq++
	key := []byte(fmt.Sprintf("%s%s/%020d/%06d", attemptPrefix, j.runID, a.At.UnixNano(), j.seq))
	j.mu.Unlock()

	val, err := json.Marshal(a)
	if err != nil {
		j.logger.Log("Journal: marshal attempt: %v", err)
		return
	}

	err = j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
	if err != nil {
		j.logger.Log("Journal: store attempt: %v", err)
	}
}

// Attempts returns the attempts of runID, or of every run when runID is empty,
// in key order.
func (j *Journal) Attempts(runID string) ([]Attempt, error) {
	prefix := []byte(attemptPrefix)
	if runID != "" {
		prefix = []byte(attemptPrefix + runID + "/")
	}

	var out []Attempt
	err := j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var a Attempt
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &a)
			})
			if err != nil {
				return err
			}
			out = append(out, a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PhaseStats aggregates attempts of one phase.
type PhaseStats struct {
	Phase        string
	Attempts     int
	Successes    int
	Reclassified int
	Errors       int
}

// Rate is successes over attempts that reached the server.
func (p PhaseStats) Rate() float64 {
	submitted := p.Attempts - p.Errors
	if submitted == 0 {
		return 0
	}
	return float64(p.Successes) / float64(submitted)
}

// AgeBucket groups submitted attempts by how old their page token was.
type AgeBucket struct {
	Max       time.Duration
	Attempts  int
	Successes int
}

// JournalStats is the report behind the journal command.
type JournalStats struct {
	Runs     []string
	Phases   []PhaseStats
	TokenAge []AgeBucket
	LastRun  PhaseStats
	Overall  PhaseStats
}

var tokenAgeLimits = []time.Duration{time.Second, 5 * time.Second, 30 * time.Second, 0}

// Stats aggregates every journaled attempt.
func (j *Journal) Stats() (JournalStats, error) {
	attempts, err := j.Attempts("")
	if err != nil {
		return JournalStats{}, err
	}
	return computeStats(attempts), nil
}

func computeStats(attempts []Attempt) JournalStats {
	var st JournalStats
	phases := map[string]*PhaseStats{}
	runs := map[string]bool{}
	st.TokenAge = make([]AgeBucket, len(tokenAgeLimits))
	for i, lim := range tokenAgeLimits {
		st.TokenAge[i].Max = lim
	}

	var lastRun string
	for _, a := range attempts {
		if !runs[a.RunID] {
			runs[a.RunID] = true
			st.Runs = append(st.Runs, a.RunID)
		}
		if a.RunID > lastRun {
			lastRun = a.RunID
		}

		p := phases[a.Phase]
		if p == nil {
			p = &PhaseStats{Phase: a.Phase}
			phases[a.Phase] = p
		}
		tally(p, a)
		tally(&st.Overall, a)

		if a.Err == "" {
			b := ageBucket(st.TokenAge, a.TokenAge)
			b.Attempts++
			if a.Success {
				b.Successes++
			}
		}
	}

	for _, a := range attempts {
		if a.RunID == lastRun {
			tally(&st.LastRun, a)
		}
	}
	st.Overall.Phase = "all"
	st.LastRun.Phase = lastRun

	for _, p := range phases {
		st.Phases = append(st.Phases, *p)
	}
	sort.Slice(st.Phases, func(i, k int) bool { return st.Phases[i].Phase < st.Phases[k].Phase })
	return st
}

func tally(p *PhaseStats, a Attempt) {
	p.Attempts++
	switch {
	case a.Err != "":
		p.Errors++
	case a.Success:
		p.Successes++
		if a.Reclassified {
			p.Reclassified++
		}
	}
}

func ageBucket(buckets []AgeBucket, age time.Duration) *AgeBucket {
	for i := range buckets {
		if buckets[i].Max == 0 || age < buckets[i].Max {
			return &buckets[i]
		}
	}
	return &buckets[len(buckets)-1]
}

// Degraded reports whether the last run's success rate fell below half of the
// overall rate. Runs with fewer than minSubmitted submissions are not judged.
func (s JournalStats) Degraded(minSubmitted int) bool {
	last := s.LastRun.Attempts - s.LastRun.Errors
	if last < minSubmitted || s.Overall.Rate() == 0 {
		return false
	}
	return s.LastRun.Rate() < s.Overall.Rate()/2
}
