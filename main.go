package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const keyEscape = 27

func main() {
	if err := InitLocale(); err != nil {
		log.Printf("Warning: Locale initialization failed, using default English: %v", err)
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	debug      bool
}

type runOptions struct {
	url             string
	targetTime      string
	clickDelay      time.Duration
	refreshInterval time.Duration
	maxRefresh      int
	headless        bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "flashbuy",
		Short:         "Timed purchase assistant for flash-sale item pages",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "config.yaml", "Path to configuration file")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable detailed debug logging")

	cmd.AddCommand(newRunCmd(opts), newResumeCmd(opts), newStatusCmd(opts), newClearCmd(opts))
	return cmd
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Open the item page, wait for login, and start a fresh run",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadRuntime(root)
			if err != nil {
				return err
			}
			defer logger.Sync()

			if prev := NewFileStateStore(cfg.StatePath, logger).Load(); prev.IsRunning {
				fmt.Fprintf(cmd.OutOrStdout(), T("run_in_progress")+"\n", prev.RefreshCount, prev.MaxRefreshCount)
				return ErrAlreadyRunning
			}
			if err := applyRunFlags(cmd, cfg, opts); err != nil {
				return err
			}
			target, err := parseTarget(cfg, opts.targetTime)
			if err != nil {
				return err
			}
			if cfg.ItemURL == "" {
				return fmt.Errorf("no item URL specified. Use --url or set item_url in %s", root.configPath)
			}

			printBanner(cfg)
			if target != nil {
				fmt.Printf(T("target_time")+"\n", target.Local().Format("2006-01-02 15:04:05.000 MST"), cfg.ClickDelayMs)
			}
			return runBrowser(cfg, logger, cfg.ItemURL, true, func(ctx context.Context, s *Session) (TerminationReason, error) {
				return s.Start(ctx, cfg.NewRunState(target))
			})
		},
	}
	bindRunFlags(cmd, opts)
	return cmd
}

func bindRunFlags(cmd *cobra.Command, opts *runOptions) {
	cmd.Flags().StringVar(&opts.url, "url", "", "Item page URL (overrides config)")
	cmd.Flags().StringVar(&opts.targetTime, "target-time", "", "Moment to act, e.g. 2025-01-15 20:00:00 (empty acts as soon as possible)")
	cmd.Flags().DurationVar(&opts.clickDelay, "click-delay", 0, "Lead subtracted from the target time (negative lags)")
	cmd.Flags().DurationVar(&opts.refreshInterval, "refresh-interval", time.Second, "Delay before each retry reload")
	cmd.Flags().IntVar(&opts.maxRefresh, "max-refresh", 5, "Retry reload budget")
	cmd.Flags().BoolVar(&opts.headless, "headless", false, "Run the browser headless")
}

func newResumeCmd(root *rootOptions) *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Continue the persisted run in a new browser",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadRuntime(root)
			if err != nil {
				return err
			}
			defer logger.Sync()

			st := NewFileStateStore(cfg.StatePath, logger).Load()
			if !st.IsRunning {
				fmt.Println(T("status_not_running"))
				return ErrNotRunning
			}
			if url == "" {
				url = cfg.ItemURL
			}
			printBanner(cfg)
			fmt.Printf(T("resume_started")+"\n", st.RefreshCount, st.MaxRefreshCount)
			return runBrowser(cfg, logger, url, false, func(ctx context.Context, s *Session) (TerminationReason, error) {
				return s.Resume(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "Page to open before resuming (defaults to item_url)")
	return cmd
}

func newStatusCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the persisted run record",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadRuntime(root)
			if err != nil {
				return err
			}
			defer logger.Sync()
			printStatus(cmd.OutOrStdout(), NewFileStateStore(cfg.StatePath, logger).Load())
			return nil
		},
	}
}

func newClearCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Clear the persisted run record",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadRuntime(root)
			if err != nil {
				return err
			}
			defer logger.Sync()
			if err := NewFileStateStore(cfg.StatePath, logger).Clear(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), T("state_cleared"))
			return nil
		},
	}
}

func loadRuntime(root *rootOptions) (*Config, *zap.Logger, error) {
	checkUserDataDirPermissions()

	cfg, err := LoadConfig(root.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if root.debug {
		cfg.DebugMode = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, NewLogger(cfg.Log, cfg.DebugMode), nil
}

func applyRunFlags(cmd *cobra.Command, cfg *Config, opts *runOptions) error {
	flags := cmd.Flags()
	if opts.url != "" {
		cfg.ItemURL = opts.url
	}
	if flags.Changed("click-delay") {
		cfg.ClickDelayMs = int(opts.clickDelay.Milliseconds())
	}
	if flags.Changed("refresh-interval") {
		cfg.RefreshIntervalMs = int(opts.refreshInterval.Milliseconds())
	}
	if flags.Changed("max-refresh") {
		cfg.MaxRefreshCount = opts.maxRefresh
	}
	if flags.Changed("headless") {
		cfg.Headless = opts.headless
	}
	return cfg.Validate()
}

func parseTarget(cfg *Config, raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	t, err := ParseTargetTime(raw, loc)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func printBanner(cfg *Config) {
	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Println("║                 Flash Sale Purchase Assistant             ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()
	if cfg.ItemURL != "" {
		fmt.Printf(T("item_url")+"\n", cfg.ItemURL)
	}
	fmt.Printf(T("state_file")+"\n", cfg.StatePath)
	if cfg.DebugMode {
		fmt.Println(T("debug_mode"))
	}
}

func printStatus(w io.Writer, st OrchestratorState) {
	if !st.IsRunning {
		fmt.Fprintln(w, T("status_not_running"))
		return
	}
	fmt.Fprintln(w, T("status_running"))
	if st.TargetTime != nil {
		fmt.Fprintf(w, "  target_time:       %s\n", st.TargetTime.Local().Format(time.RFC3339Nano))
	} else {
		fmt.Fprintln(w, "  target_time:       -")
	}
	fmt.Fprintf(w, "  click_delay:       %v\n", st.ClickDelay)
	fmt.Fprintf(w, "  refresh_interval:  %v\n", st.RefreshInterval)
	fmt.Fprintf(w, "  refresh_count:     %d/%d\n", st.RefreshCount, st.MaxRefreshCount)
}

// runBrowser launches the browser, optionally waits for the user to log in,
// then hands a Session to start.
func runBrowser(cfg *Config, logger *zap.Logger, url string, promptLogin bool,
	start func(context.Context, *Session) (TerminationReason, error)) error {

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	automation := NewAutomation(cfg, logger)
	defer automation.Close()

	if err := automation.setupBrowser(); err != nil {
		return err
	}
	host, err := automation.openPage(url)
	if err != nil {
		return err
	}

	keys := readKeys(os.Stdin)
	if promptLogin {
		if err := waitForLogin(ctx, keys); err != nil {
			return err
		}
	}

	var clock Clock = systemClock{}
	if cfg.TimeSyncEnabled && len(cfg.TimeSyncServers) > 0 {
		ts := NewTimeSync(cfg.TimeSyncServers, logger)
		if err := ts.Sync(); err != nil {
			fmt.Printf(T("time_sync_failed")+"\n", err)
		} else {
			fmt.Printf(T("time_synced")+"\n", ts.GetOffset())
			clock = ts
		}
	}

	controls, err := cfg.Controls()
	if err != nil {
		return err
	}
	session := NewSession(OrchestratorDeps{
		Host:     host,
		Store:    NewFileStateStore(cfg.StatePath, logger),
		Clock:    clock,
		Controls: controls,
		Timings:  cfg.Timings(),
		Logger:   logger,
	})

	go automation.watchBrowser(ctx, cancel)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case k, ok := <-keys:
				if !ok {
					return
				}
				if k == keyEscape {
					fmt.Println(T("user_requested_stop"))
					if err := session.Stop(); err != nil {
						logger.Error("Stop failed", zap.Error(err))
					}
					return
				}
			}
		}
	}()

	fmt.Println(T("run_started"))
	fmt.Println(T("stop_hint"))
	reason, err := start(ctx, session)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Println(T("run_interrupted"))
			return nil
		}
		return err
	}

	printOutcome(reason)
	if reason == ReasonSuccess && cfg.KeepBrowserOpen {
		fmt.Println(T("keeping_browser_open"))
		select {
		case <-ctx.Done():
		case <-time.After(30 * time.Second):
		}
	}
	return nil
}

func printOutcome(reason TerminationReason) {
	switch reason {
	case ReasonSuccess:
		fmt.Println(T("outcome_success"))
	case ReasonBudgetExhausted:
		fmt.Println(T("outcome_budget_exhausted"))
	case ReasonNavigationTimeout:
		fmt.Println(T("outcome_navigation_timeout"))
	case ReasonUserStop:
		fmt.Println(T("outcome_user_stop"))
	}
}

// readKeys forwards stdin bytes until EOF.
func readKeys(r io.Reader) <-chan byte {
	keys := make(chan byte, 16)
	go func() {
		defer close(keys)
		reader := bufio.NewReader(r)
		for {
			b, err := reader.ReadByte()
			if err != nil {
				return
			}
			keys <- b
		}
	}()
	return keys
}

// waitForLogin blocks until ENTER (continue) or ESC (abort).
func waitForLogin(ctx context.Context, keys <-chan byte) error {
	fmt.Println()
	fmt.Println(T("login_required_header"))
	fmt.Println(T("login_instructions"))
	fmt.Print(T("login_prompt"))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case k, ok := <-keys:
			if !ok {
				return fmt.Errorf("failed to read input: stdin closed")
			}
			switch k {
			case '\n', '\r':
				fmt.Println()
				fmt.Println(T("user_confirmed_ready"))
				return nil
			case keyEscape:
				fmt.Println()
				fmt.Println(T("user_requested_exit"))
				return fmt.Errorf("user canceled operation")
			}
		}
	}
}

// Store init error for later display (after locale is loaded)
var initUserDataDirError error

func init() {
	userDataDir := getUserDataDir()
	if err := os.MkdirAll(userDataDir, 0755); err != nil {
		initUserDataDirError = err
	}
}

func checkUserDataDirPermissions() {
	if initUserDataDirError != nil {
		log.Printf(T("error_user_data_dir_warning"), getUserDataDir(), initUserDataDirError)
	}
}

func getUserDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./flashbuy-data"
	}
	return filepath.Join(home, ".flashbuy")
}
