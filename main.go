package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	CommitSHA = "none"
	BuildDate = "unknown"
)

const defaultLogFile = "seat.log"

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	action     bool
	logFile    string
}

// runtime is what a command gets after setup: a logger plus the things that
// need closing on exit.
type runtime struct {
	engine  zerolog.Logger
	logger  Logger
	closers []io.Closer
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i].Close()
	}
}

func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "seat",
		Short:         "Timed seat reservation for the Chaoxing library portal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			_ = godotenv.Load()
		},
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config.json", "config file")
	root.PersistentFlags().BoolVar(&opts.action, "action", false, "run on a hosted runner: UTC+8 clock, credentials from USERNAMES/PASSWORDS")
	root.PersistentFlags().StringVar(&opts.logFile, "log-file", defaultLogFile, "append-only log file (empty disables)")

	root.AddCommand(newReserveCmd(opts))
	root.AddCommand(newDebugCmd(opts))
	root.AddCommand(newRoomCmd(opts))
	root.AddCommand(newJournalCmd(opts))
	root.AddCommand(newVersionCmd())

	return root
}

// setupRuntime opens the log file and builds the engine logger for mode.
func setupRuntime(opts *rootOptions, mode string) (*runtime, error) {
	rt := &runtime{}

	var file io.Writer
	if opts.logFile != "" {
		f, err := openLogFile(opts.logFile)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		rt.closers = append(rt.closers, f)
		file = f
	}

	rt.engine = newEngineLogger(os.Stdout, file, mode)
	rt.logger = &moduleLogger{logger: rt.engine}
	return rt, nil
}

// newSessionFactory returns the production session constructor: a fresh
// TLS client per session, on a random proxy when a proxy list is loaded.
func newSessionFactory(cfg *Config, proxies *ProxyManager, recognizer Recognizer, archive *captchaArchive, logger Logger) SessionFactory {
	return func(account Credential) (Session, error) {
		sessLogger := newAccountLogger(logger, account.Username)

		proxyURL := ""
		if proxies != nil {
			proxyURL = proxies.Random()
			sessLogger.Log("Using proxy: %s", proxies.CurrentDisplay())
		}

		client, err := NewClient(proxyURL, cfg.Strategy.CallTimeout)
		if err != nil {
			return nil, fmt.Errorf("create client: %w", err)
		}

		sess := NewPortalSession(client, sessLogger, sessionOptions{
			Challenge:  cfg.Challenge,
			Recognizer: recognizer,
			Archive:    archive,
		})
		if proxies != nil {
			sess.SetProxyManager(proxies)
		}
		return sess, nil
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
