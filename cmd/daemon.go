package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"time"

	"github.com/frost-solutions/nightmeter/internal/cli"
	"github.com/frost-solutions/nightmeter/internal/config"
	"github.com/frost-solutions/nightmeter/internal/daemon"
	"github.com/frost-solutions/nightmeter/internal/logging"
	"github.com/frost-solutions/nightmeter/internal/metrics"

	"github.com/spf13/cobra"
)

var (
	flagDaemonAddr     string
	flagDaemonInterval time.Duration
	flagDaemonDetach   bool
	flagDaemonRunFile  string
	flagDaemonLogFile  string
	flagDaemonEvents   int
	flagDaemonChild    bool
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Serve budget status, events and metrics over HTTP",
	Long: `Follows the budget ledger and serves it over HTTP:

  GET  /v1/status   summary, poll state and instance id
  GET  /v1/events   recent spend, threshold and reset events
  GET  /v1/stream   the same events as server-sent events
  POST /v1/spend    spend check for jobs that cannot shell out
  GET  /metrics     Prometheus metrics`,
	RunE: runDaemon,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the daemon runs and what it reports",
	RunE:  runDaemonStatus,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running daemon",
	RunE:  runDaemonStop,
}

func init() {
	dir := config.ConfigDir()
	pf := daemonCmd.PersistentFlags()
	pf.StringVar(&flagDaemonAddr, "addr", "", "Listen address (default from settings, 127.0.0.1:8788)")
	pf.DurationVar(&flagDaemonInterval, "interval", 0, "Fallback poll interval (default from settings, 30s)")
	pf.StringVar(&flagDaemonRunFile, "pid-file", filepath.Join(dir, "nightmeterd.pid"), "Runtime file holding pid and address")
	pf.StringVar(&flagDaemonLogFile, "log-file", filepath.Join(dir, "nightmeterd.log"), "Log file when detached")
	pf.IntVar(&flagDaemonEvents, "events-buffer", 200, "Number of events kept for /v1/events")

	daemonCmd.Flags().BoolVar(&flagDaemonDetach, "detach", false, "Start in the background and return")
	daemonCmd.Flags().BoolVar(&flagDaemonChild, "child", false, "")
	_ = daemonCmd.Flags().MarkHidden("child")

	daemonCmd.AddCommand(daemonStatusCmd, daemonStopCmd)
	rootCmd.AddCommand(daemonCmd)
}

func daemonAddr() string {
	if flagDaemonAddr != "" {
		return flagDaemonAddr
	}
	return settings.Daemon.Addr
}

func daemonInterval() time.Duration {
	if flagDaemonInterval > 0 {
		return flagDaemonInterval
	}
	return config.DaemonInterval(settings)
}

// runInfo is what a running daemon leaves in its runtime file.
type runInfo struct {
	PID       int       `json:"pid"`
	Addr      string    `json:"addr"`
	Meter     string    `json:"meter"`
	StartedAt time.Time `json:"started_at"`
}

// runFile is the daemon's pid file. It holds a runInfo as JSON.
type runFile string

func (f runFile) read() (runInfo, error) {
	var info runInfo
	data, err := os.ReadFile(string(f)) //nolint:gosec // path chosen by the local user
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(data, &info); err != nil || info.PID <= 0 {
		return info, fmt.Errorf("malformed daemon runtime file %s", f)
	}
	return info, nil
}

func (f runFile) write(info runInfo) error {
	if err := os.MkdirAll(filepath.Dir(string(f)), 0o750); err != nil {
		return fmt.Errorf("creating daemon directory: %w", err)
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(string(f), append(data, '\n'), 0o600)
}

func (f runFile) remove() { _ = os.Remove(string(f)) }

// claim fails if a live daemon owns the file and clears it otherwise.
func (f runFile) claim() error {
	info, err := f.read()
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil
	case err == nil && alive(info.PID):
		return fmt.Errorf("daemon already running (pid %d, %s)", info.PID, info.Addr)
	}
	f.remove()
	return nil
}

func alive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	rf := runFile(flagDaemonRunFile)
	if err := rf.claim(); err != nil {
		return err
	}
	if flagDaemonDetach {
		return spawnDaemon()
	}
	return serveDaemon(cmd.Context(), rf)
}

// spawnDaemon re-executes the current command line as a hidden child with
// output appended to the log file.
func spawnDaemon() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving executable: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(flagDaemonLogFile), 0o750); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}
	logf, err := os.OpenFile(flagDaemonLogFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600) //nolint:gosec // path chosen by the local user
	if err != nil {
		return fmt.Errorf("opening daemon log: %w", err)
	}
	defer func() { _ = logf.Close() }()

	args := slices.DeleteFunc(slices.Clone(os.Args[1:]), func(a string) bool {
		return a == "--detach" || a == "--detach=true"
	})
	child := exec.Command(exe, append(args, "--child")...) //nolint:gosec // re-running our own binary
	child.Stdout, child.Stderr = logf, logf
	if err := child.Start(); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}

	fmt.Printf("  Daemon started (pid %d)\n", child.Process.Pid)
	fmt.Printf("  Status: http://%s/v1/status\n", daemonAddr())
	fmt.Printf("  Log:    %s\n", flagDaemonLogFile)
	return nil
}

func serveDaemon(ctx context.Context, rf runFile) error {
	if flagDaemonChild {
		l, err := logging.NewJSON(os.Stderr, logger.GetLevel().String())
		if err != nil {
			return err
		}
		logger = l
	}

	m, closeStore, err := openMeter()
	if err != nil {
		return err
	}
	defer closeStore()

	cfg := daemon.Config{
		MeterPath:    meterPath(),
		Interval:     daemonInterval(),
		Addr:         daemonAddr(),
		EventsBuffer: flagDaemonEvents,
	}
	svc := daemon.New(cfg, m, metrics.New(), logger)

	if err := rf.write(runInfo{PID: os.Getpid(), Addr: cfg.Addr, Meter: cfg.MeterPath, StartedAt: time.Now()}); err != nil {
		return err
	}
	defer rf.remove()

	logger.Info().
		Str("addr", cfg.Addr).
		Str("meter", cfg.MeterPath).
		Dur("interval", cfg.Interval).
		Msg("daemon listening")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runDaemonStatus(cmd *cobra.Command, _ []string) error {
	info, err := runFile(flagDaemonRunFile).read()
	switch {
	case errors.Is(err, os.ErrNotExist):
		fmt.Println("  Daemon: not running")
		return nil
	case err != nil:
		return err
	case !alive(info.PID):
		fmt.Printf("  Daemon: not running (stale runtime file for pid %d)\n", info.PID)
		return nil
	}

	st, err := fetchDaemonStatus(cmd.Context(), info.Addr)
	rows := daemonStatusRows(info, st, err, time.Now())

	fmt.Println(cli.RenderTitle("NIGHTMETER DAEMON"))
	fmt.Print(cli.RenderTable(cli.Table{Headers: []string{"Field", "Value"}, Rows: rows}))
	return nil
}

// daemonStatusRows lays out what the runtime file and /v1/status report.
// fetchErr is the error from the status request, if any.
func daemonStatusRows(info runInfo, st daemon.Status, fetchErr error, now time.Time) [][]string {
	rows := [][]string{
		{"PID", fmt.Sprint(info.PID)},
		{"Address", "http://" + info.Addr},
		{"Ledger", info.Meter},
	}
	if fetchErr != nil {
		return append(rows, []string{"API", "unreachable: " + fetchErr.Error()})
	}

	lastPoll := "pending"
	if !st.LastPollAt.IsZero() {
		lastPoll = cli.FormatClock(st.LastPollAt)
	}
	rows = append(rows,
		[]string{"Instance", st.InstanceID},
		[]string{"Uptime", fmt.Sprintf("%s (since %s)", cli.FormatDuration(now.Sub(st.StartedAt)), st.StartedAt.Local().Format(time.RFC3339))},
		[]string{"Last poll", fmt.Sprintf("%s (#%s, watching %v)", lastPoll, cli.FormatNumber(st.PollCount), st.Watching)},
		[]string{"Events", fmt.Sprintf("%s kept, %d streaming", cli.FormatNumber(int64(st.EventCount)), st.SubscriberCount)},
		[]string{"Spent", fmt.Sprintf("%s of %s SEK (%s)", cli.FormatSEK(st.Summary.Total), cli.FormatAmount(st.Summary.Max), cli.FormatPercent(st.Summary.Percent))},
		[]string{"Status", fmt.Sprintf("%s, %d steps", st.Summary.Status, st.Summary.Steps)},
	)
	if st.LastError != "" {
		rows = append(rows, []string{"Last error", st.LastError})
	}
	return rows
}

func fetchDaemonStatus(ctx context.Context, addr string) (daemon.Status, error) {
	var st daemon.Status
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/v1/status", nil)
	if err != nil {
		return st, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return st, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return st, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("malformed status: %w", err)
	}
	return st, nil
}

func runDaemonStop(cmd *cobra.Command, _ []string) error {
	rf := runFile(flagDaemonRunFile)
	info, err := rf.read()
	if err != nil || !alive(info.PID) {
		rf.remove()
		return errors.New("daemon is not running")
	}

	proc, err := os.FindProcess(info.PID)
	if err != nil {
		return fmt.Errorf("finding daemon process: %w", err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signalling daemon: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 8*time.Second)
	defer cancel()
	tick := time.NewTicker(150 * time.Millisecond)
	defer tick.Stop()

	for alive(info.PID) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("daemon (pid %d) did not exit in time", info.PID)
		case <-tick.C:
		}
	}
	rf.remove()
	fmt.Printf("  Daemon stopped (pid %d)\n", info.PID)
	return nil
}
