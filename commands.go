package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const (
	modeReserve = "reserve"
	modeDebug   = "debug"

	degradedMinSubmitted = 10
)

func newReserveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reserve",
		Short: "Race the opening instant, then poll until every target is booked or the end time passes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(opts, modeReserve)
		},
	}
}

func newDebugCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "debug",
		Short: "Single pass over today's targets, stopping at the first success",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(opts, modeDebug)
		},
	}
}

// runEngine wires config, logging, journal, OCR and proxies into an
// orchestrator and runs it in mode.
func runEngine(opts *rootOptions, mode string) error {
	cfg, err := LoadConfig(opts.configPath)
	if err != nil {
		return err
	}

	rt, err := setupRuntime(opts, mode)
	if err != nil {
		return err
	}
	defer rt.Close()
	logger := rt.logger

	var recognizer Recognizer
	if cfg.Challenge == ChallengeTextClick {
		tc, err := NewTulingCloud(GetTulingUsername(), GetTulingPassword(), GetTulingModelID(), logger)
		if err != nil {
			return err
		}
		recognizer = tc
	}

	var proxies *ProxyManager
	if cfg.ProxiesFile != "" {
		proxies, err = LoadProxyManager(cfg.ProxiesFile)
		if err != nil {
			return err
		}
		logger.Log("Loaded %d proxies", proxies.Count())
	}

	archive := newCaptchaArchive(cfg.CaptchaDebugDir, logger)

	var (
		recorder Recorder
		journal  *Journal
	)
	journal, err = OpenJournal(cfg.JournalPath, logger)
	if err != nil {
		logger.Log("Journal disabled: %v", err)
	} else {
		defer journal.Close()
		recorder = journal
		logger.Log("Journal run %s at %s", journal.RunID(), cfg.JournalPath)
	}

	orch, err := NewOrchestrator(cfg, orchestratorOptions{
		Action:     opts.action,
		Getenv:     os.Getenv,
		Logger:     logger,
		NewSession: newSessionFactory(cfg, proxies, recognizer, archive, logger),
		Recorder:   recorder,
	})
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	var report Report
	if mode == modeDebug {
		report, err = orch.Debug(ctx)
	} else {
		logger.Log("Opening instant %s", orch.raceDeadline().Format("2006-01-02 15:04:05 MST"))
		report, err = orch.Run(ctx)
	}
	logReport(logger, report)

	if journal != nil {
		if st, serr := journal.Stats(); serr == nil && st.Degraded(degradedMinSubmitted) {
			logger.Log("WARNING: success rate %.0f%% this run vs %.0f%% overall; token or proof lifetimes may have changed",
				st.LastRun.Rate()*100, st.Overall.Rate()*100)
		}
	}

	if err != nil {
		return fmt.Errorf("aborted: %w", err)
	}
	return nil
}

func logReport(logger Logger, r Report) {
	for _, t := range r.Targets {
		line := fmt.Sprintf("%s: %s after %d attempt(s)", t.Target.Label(), t.Status, t.Attempts)
		if t.Detail != "" && t.Status != StatusReserved {
			line += " (" + t.Detail + ")"
		}
		logger.Log("%s", line)
	}
	logger.Log("=== %s: %d/%d reserved ===", r.Summary(), r.Reserved, r.TodayReservationNum)
}

func newRoomCmd(opts *rootOptions) *cobra.Command {
	var username, password, dept string

	cmd := &cobra.Command{
		Use:   "room",
		Short: "Log in and list the rooms of a department",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := bufio.NewReader(cmd.InOrStdin())
			out := cmd.OutOrStdout()

			var err error
			if username, err = promptIfEmpty(in, out, username, "username: "); err != nil {
				return err
			}
			if password, err = promptIfEmpty(in, out, password, "password: "); err != nil {
				return err
			}
			if dept, err = promptIfEmpty(in, out, dept, "deptIdEnc: "); err != nil {
				return err
			}

			rt, err := setupRuntime(opts, "room")
			if err != nil {
				return err
			}
			defer rt.Close()

			client, err := NewClient("", 0)
			if err != nil {
				return fmt.Errorf("create client: %w", err)
			}
			sess := NewPortalSession(client, newAccountLogger(rt.logger, username), sessionOptions{Challenge: ChallengeNone})

			ctx, stop := signalContext()
			defer stop()

			if err := sess.Warmup(ctx); err != nil {
				return err
			}
			if err := sess.Login(ctx, username, password); err != nil {
				return err
			}
			rooms, err := sess.ListRooms(ctx, dept)
			if err != nil {
				return err
			}
			for _, r := range rooms {
				fmt.Fprintln(out, r)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&username, "username", "u", "", "portal username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "portal password")
	cmd.Flags().StringVar(&dept, "dept", "", "deptIdEnc from the room list page URL")
	return cmd
}

func promptIfEmpty(in *bufio.Reader, out io.Writer, value, prompt string) (string, error) {
	if value != "" {
		return value, nil
	}
	fmt.Fprint(out, prompt)
	line, err := in.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		if err != nil && err != io.EOF {
			return "", err
		}
		return "", configErrorf("%s is required", strings.TrimSuffix(prompt, ": "))
	}
	return line, nil
}

func newJournalCmd(opts *rootOptions) *cobra.Command {
	var path, run string

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show success rates from the attempt journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				path = defaultJournalPath
				if cfg, err := LoadConfig(opts.configPath); err == nil {
					path = cfg.JournalPath
				}
			}
			if path == "" {
				return configErrorf("journal is in-memory only, nothing to show")
			}

			journal, err := OpenJournal(path, nopLogger{})
			if err != nil {
				return err
			}
			defer journal.Close()

			out := cmd.OutOrStdout()
			if run != "" {
				attempts, err := journal.Attempts(run)
				if err != nil {
					return err
				}
				for _, a := range attempts {
					fmt.Fprintf(out, "%s %-8s target=%d seat=%s #%d token_age=%v -> %s\n",
						a.At.Format("15:04:05.000"), a.Phase, a.Target, a.Seat, a.Number, a.TokenAge.Round(time.Millisecond), a.outcome())
				}
				return nil
			}

			st, err := journal.Stats()
			if err != nil {
				return err
			}
			printStats(out, st)
			return nil
		},
	}

	cmd.Flags().StringVar(&path, "journal", "", "journal directory (default from config)")
	cmd.Flags().StringVar(&run, "run", "", "list the attempts of one run")
	return cmd
}

func printStats(out io.Writer, st JournalStats) {
	fmt.Fprintf(out, "%d run(s)\n", len(st.Runs))
	for _, p := range append(st.Phases, st.Overall) {
		fmt.Fprintf(out, "%-10s attempts=%-5d success=%-5d reclassified=%-4d errors=%-4d rate=%.1f%%\n",
			p.Phase, p.Attempts, p.Successes, p.Reclassified, p.Errors, p.Rate()*100)
	}

	fmt.Fprintln(out, "by page token age:")
	for _, b := range st.TokenAge {
		label := "older"
		if b.Max > 0 {
			label = "< " + b.Max.String()
		}
		rate := 0.0
		if b.Attempts > 0 {
			rate = float64(b.Successes) / float64(b.Attempts) * 100
		}
		fmt.Fprintf(out, "  %-8s %d/%d (%.1f%%)\n", label, b.Successes, b.Attempts, rate)
	}

	if st.LastRun.Phase != "" {
		fmt.Fprintf(out, "last run %s: rate=%.1f%%\n", st.LastRun.Phase, st.LastRun.Rate()*100)
	}
	if st.Degraded(degradedMinSubmitted) {
		fmt.Fprintln(out, "WARNING: last run is well below the overall success rate")
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "seat %s (commit=%s, built=%s)\n", Version, CommitSHA, BuildDate)
		},
	}
}
