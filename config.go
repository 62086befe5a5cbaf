package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"
)

// Build-time variables - inject via ldflags
// Example: go build -ldflags "-X main.tulingUsername=USER -X main.tulingPassword=PASS -X main.tulingModelID=ID"
var (
	tulingUsername string // -X main.tulingUsername=...
	tulingPassword string // -X main.tulingPassword=...
	tulingModelID  string // -X main.tulingModelID=...
)

// GetTulingUsername returns the TulingCloud username (build-time or env fallback)
func GetTulingUsername() string {
	if tulingUsername != "" {
		return tulingUsername
	}
	return os.Getenv("TULINGCLOUD_USERNAME")
}

// GetTulingPassword returns the TulingCloud password (build-time or env fallback)
func GetTulingPassword() string {
	if tulingPassword != "" {
		return tulingPassword
	}
	return os.Getenv("TULINGCLOUD_PASSWORD")
}

// GetTulingModelID returns the TulingCloud model id (build-time or env fallback)
func GetTulingModelID() string {
	if tulingModelID != "" {
		return tulingModelID
	}
	return os.Getenv("TULINGCLOUD_MODEL_ID")
}

// Challenge variants accepted in the config file.
const (
	ChallengeNone      = "none"
	ChallengeSlide     = "slide"
	ChallengeTextClick = "textclick"
)

const (
	defaultEndTime     = "19:10:00"
	defaultJournalPath = "journal"
)

// Duration reads either a Go duration string ("300ms") or a number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}

	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("duration must be a string like \"300ms\" or seconds: %w", err)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Strategy holds every tunable of the race and the retry loop. It is built
// once at startup and passed by value.
type Strategy struct {
	LoginLead         time.Duration
	ChallengeLead     time.Duration
	FirstSubmitOffset time.Duration
	FallbackDelay     time.Duration
	ProofBank         int

	CoarsePoll time.Duration
	FinePoll   time.Duration
	FineWindow time.Duration

	MaxAttempt    int
	SleepInterval time.Duration
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	CallTimeout   time.Duration
}

// DefaultStrategy returns the tuned defaults.
func DefaultStrategy() Strategy {
	return Strategy{
		LoginLead:         30 * time.Second,
		ChallengeLead:     8 * time.Second,
		FirstSubmitOffset: 50 * time.Millisecond,
		FallbackDelay:     300 * time.Millisecond,
		ProofBank:         3,
		CoarsePoll:        200 * time.Millisecond,
		FinePoll:          2 * time.Millisecond,
		FineWindow:        time.Second,
		MaxAttempt:        205,
		SleepInterval:     200 * time.Millisecond,
		BackoffBase:       250 * time.Millisecond,
		BackoffMax:        4 * time.Second,
		CallTimeout:       10 * time.Second,
	}
}

// strategyOverrides mirrors Strategy with optional fields for the config file.
type strategyOverrides struct {
	LoginLead         *Duration `json:"login_lead"`
	ChallengeLead     *Duration `json:"challenge_lead"`
	FirstSubmitOffset *Duration `json:"first_submit_offset"`
	FallbackDelay     *Duration `json:"fallback_delay"`
	ProofBank         *int      `json:"proof_bank"`
	CoarsePoll        *Duration `json:"coarse_poll"`
	FinePoll          *Duration `json:"fine_poll"`
	FineWindow        *Duration `json:"fine_window"`
	MaxAttempt        *int      `json:"max_attempt"`
	SleepInterval     *Duration `json:"sleep_interval"`
	BackoffBase       *Duration `json:"backoff_base"`
	BackoffMax        *Duration `json:"backoff_max"`
	CallTimeout       *Duration `json:"call_timeout"`
}

func (o *strategyOverrides) apply(s Strategy) Strategy {
	if o == nil {
		return s
	}
	setDur := func(dst *time.Duration, v *Duration) {
		if v != nil {
			*dst = time.Duration(*v)
		}
	}
	setDur(&s.LoginLead, o.LoginLead)
	setDur(&s.ChallengeLead, o.ChallengeLead)
	setDur(&s.FirstSubmitOffset, o.FirstSubmitOffset)
	setDur(&s.FallbackDelay, o.FallbackDelay)
	setDur(&s.CoarsePoll, o.CoarsePoll)
	setDur(&s.FinePoll, o.FinePoll)
	setDur(&s.FineWindow, o.FineWindow)
	setDur(&s.SleepInterval, o.SleepInterval)
	setDur(&s.BackoffBase, o.BackoffBase)
	setDur(&s.BackoffMax, o.BackoffMax)
	setDur(&s.CallTimeout, o.CallTimeout)
	if o.ProofBank != nil {
		s.ProofBank = *o.ProofBank
	}
	if o.MaxAttempt != nil {
		s.MaxAttempt = *o.MaxAttempt
	}
	return s
}

// Validate rejects strategies the race cannot execute.
func (s Strategy) Validate() error {
	if s.LoginLead <= s.ChallengeLead {
		return fmt.Errorf("strategy: login_lead (%v) must exceed challenge_lead (%v)", s.LoginLead, s.ChallengeLead)
	}
	if s.ChallengeLead <= 0 {
		return fmt.Errorf("strategy: challenge_lead must be positive")
	}
	if s.FirstSubmitOffset < 0 || s.FallbackDelay < 0 {
		return fmt.Errorf("strategy: offsets must not be negative")
	}
	if s.ProofBank < 1 {
		return fmt.Errorf("strategy: proof_bank must be at least 1")
	}
	if s.CoarsePoll <= 0 || s.FinePoll <= 0 || s.FineWindow <= 0 {
		return fmt.Errorf("strategy: poll intervals must be positive")
	}
	if s.MaxAttempt < 1 {
		return fmt.Errorf("strategy: max_attempt must be at least 1")
	}
	if s.BackoffBase <= 0 || s.BackoffMax < s.BackoffBase {
		return fmt.Errorf("strategy: backoff_max must be at least backoff_base")
	}
	return nil
}

// Config is the parsed config file.
type Config struct {
	Reserve         []ReservationTarget
	Strategy        Strategy
	EndTime         TimeOfDay
	ReuseSession    bool
	ReserveNextDay  bool
	Challenge       string
	JournalPath     string
	ProxiesFile     string
	CaptchaDebugDir string
}

type configFile struct {
	Reserve         []ReservationTarget `json:"reserve"`
	Strategy        *strategyOverrides  `json:"strategy"`
	EndTime         *TimeOfDay          `json:"endtime"`
	ReuseSession    bool                `json:"reuse_session"`
	ReserveNextDay  *bool               `json:"reserve_next_day"`
	Challenge       string              `json:"challenge"`
	Journal         *string             `json:"journal"`
	Proxies         string              `json:"proxies"`
	CaptchaDebugDir string              `json:"captcha_debug_dir"`
}

// LoadConfig reads and validates the config file. Every error it returns is
// fatal: nothing has touched the network yet.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, configErrorf("config file %s not found", path)
		}
		return nil, configErrorf("read %s: %v", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes and validates config JSON.
func ParseConfig(data []byte) (*Config, error) {
	var raw configFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, configErrorf("parse config: %v", err)
	}

	cfg := &Config{
		Reserve:         raw.Reserve,
		Strategy:        raw.Strategy.apply(DefaultStrategy()),
		EndTime:         MustTimeOfDay(defaultEndTime),
		ReuseSession:    raw.ReuseSession,
		ReserveNextDay:  true,
		Challenge:       strings.ToLower(strings.TrimSpace(raw.Challenge)),
		JournalPath:     defaultJournalPath,
		ProxiesFile:     raw.Proxies,
		CaptchaDebugDir: raw.CaptchaDebugDir,
	}
	if raw.EndTime != nil {
		cfg.EndTime = *raw.EndTime
	}
	if raw.ReserveNextDay != nil {
		cfg.ReserveNextDay = *raw.ReserveNextDay
	}
	if raw.Journal != nil {
		cfg.JournalPath = *raw.Journal
	}
	if cfg.Challenge == "" {
		cfg.Challenge = ChallengeSlide
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the whole config.
func (c *Config) Validate() error {
	if len(c.Reserve) == 0 {
		return configErrorf("no reservation targets under \"reserve\"")
	}
	for i, t := range c.Reserve {
		if err := t.Validate(); err != nil {
			return configErrorf("reserve[%d]: %v", i, err)
		}
	}
	if err := c.Strategy.Validate(); err != nil {
		return configErrorf("%v", err)
	}
	switch c.Challenge {
	case ChallengeNone, ChallengeSlide, ChallengeTextClick:
	default:
		return configErrorf("unknown challenge %q (want none, slide or textclick)", c.Challenge)
	}
	return nil
}

// Deadline is the opening instant anchor: one minute before the end time.
func (c *Config) Deadline() TimeOfDay {
	return c.EndTime.Add(-time.Minute)
}

// Credential is one portal account.
type Credential struct {
	Username string
	Password string
}

// CredentialSource maps target indexes to accounts.
type CredentialSource struct {
	env []Credential
}

// ResolveCredentials builds the credential source. Outside action mode the
// targets carry their own credentials. In action mode USERNAMES and PASSWORDS
// must both be set and hold the same number of entries.
func ResolveCredentials(action bool, getenv func(string) string) (*CredentialSource, error) {
	if !action {
		return &CredentialSource{}, nil
	}

	users, passes := getenv("USERNAMES"), getenv("PASSWORDS")
	if users == "" || passes == "" {
		return nil, configErrorf("USERNAMES or PASSWORDS not configured in the environment")
	}

	ul, pl := splitList(users), splitList(passes)
	if len(ul) != len(pl) {
		return nil, configErrorf("USERNAMES and PASSWORDS count mismatch (%d vs %d)", len(ul), len(pl))
	}

	src := &CredentialSource{env: make([]Credential, len(ul))}
	for i := range ul {
		src.env[i] = Credential{Username: ul[i], Password: pl[i]}
	}
	return src, nil
}

// For returns the account for the target at index. A single env account
// serves every target; otherwise accounts are matched by index.
func (s *CredentialSource) For(index int, t ReservationTarget) (Credential, error) {
	switch {
	case len(s.env) == 0:
		if t.Username == "" || t.Password == "" {
			return Credential{}, fmt.Errorf("reserve[%d] has no username or password", index)
		}
		return Credential{Username: t.Username, Password: t.Password}, nil
	case len(s.env) == 1:
		return s.env[0], nil
	case index < len(s.env):
		return s.env[index], nil
	default:
		return Credential{}, fmt.Errorf("reserve[%d]: no account at index %d (only %d configured)", index, index, len(s.env))
	}
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

// maskUsername hides the middle of a phone-number style username in logs.
func maskUsername(u string) string {
	if len(u) <= 4 {
		return u
	}
	keep := len(u) / 4
	return u[:keep] + strings.Repeat("*", len(u)-2*keep) + u[len(u)-keep:]
}
