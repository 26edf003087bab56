package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tomyan/pagelens/internal/cdp"
	"github.com/tomyan/pagelens/internal/config"
	"github.com/tomyan/pagelens/internal/page"
)

// Exit codes
const (
	ExitSuccess    = 0
	ExitError      = 1
	ExitConnFailed = 2
	ExitTimeout    = 3
)

var version = "dev"

// exitError carries a specific exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// flagValues holds flag values until the config chain has been resolved.
type flagValues struct {
	host       string
	port       int
	timeout    time.Duration
	output     string
	target     string
	budget     int
	attributes []string
	noFrames   bool
	verbose    bool
	configPath string
}

// App is the pagelens command line.
type App struct {
	root   *cobra.Command
	stdout io.Writer
	stderr io.Writer

	// lookupEnv and searchPaths are replaced in tests.
	lookupEnv   func(string) (string, bool)
	searchPaths []string

	fv  flagValues
	cfg *config.Config
	log *zap.Logger
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app := newApp(stdout, stderr)
	return app.execute(ctx, args)
}

func newApp(stdout, stderr io.Writer) *App {
	a := &App{
		stdout:      stdout,
		stderr:      stderr,
		lookupEnv:   os.LookupEnv,
		searchPaths: config.SearchPaths(),
	}

	a.root = &cobra.Command{
		Use:   "pagelens",
		Short: "Indexed, text-rendered views of live browser pages",
		Long: `pagelens connects to a browser's DevTools endpoint, extracts the current
page as an indented text tree with numbered interactive elements, and acts
on elements by those numbers.

Settings come from built-in defaults, then .pagelens.yaml (working
directory, then home), then PAGELENS_* environment variables, then flags.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.resolveConfig,
	}
	a.root.SetOut(stdout)
	a.root.SetErr(stderr)

	defaults := config.Default()
	pf := a.root.PersistentFlags()
	pf.StringVar(&a.fv.host, "host", defaults.Host, "DevTools host (env: "+config.EnvHost+")")
	pf.IntVar(&a.fv.port, "port", defaults.Port, "DevTools port (env: "+config.EnvPort+")")
	pf.DurationVar(&a.fv.timeout, "timeout", defaults.Timeout, "Command timeout (env: "+config.EnvTimeout+")")
	pf.StringVarP(&a.fv.output, "output", "o", defaults.Output, "Output format: json, ndjson, text")
	pf.StringVar(&a.fv.target, "target", "", "Target page (index or ID)")
	pf.IntVar(&a.fv.budget, "budget", defaults.Budget, "Rendered text budget in characters (env: "+config.EnvBudget+")")
	pf.StringSliceVar(&a.fv.attributes, "attributes", nil, "Attributes shown on indexed elements")
	pf.BoolVar(&a.fv.noFrames, "no-frames", false, "Do not fetch cross-origin iframes")
	pf.BoolVarP(&a.fv.verbose, "verbose", "v", false, "Debug logging on stderr")
	pf.StringVar(&a.fv.configPath, "config", "", "Config file (default: search for "+config.FileName+")")

	a.root.AddCommand(
		a.newVersionCmd(),
		a.newStateCmd(),
		a.newResolveCmd(),
		a.newMarkdownCmd(),
		a.newGotoCmd(),
		a.newBackCmd(),
		a.newForwardCmd(),
		a.newReloadCmd(),
		a.newClickCmd(),
		a.newFillCmd(),
		a.newPressCmd(),
		a.newScrollCmd(),
		a.newScreenshotCmd(),
		a.newTabsCmd(),
		a.newNewTabCmd(),
		a.newSwitchCmd(),
		a.newCloseCmd(),
	)
	return a
}

func (a *App) execute(ctx context.Context, args []string) int {
	a.root.SetArgs(args)
	err := a.root.ExecuteContext(ctx)
	if a.log != nil {
		a.log.Sync()
	}
	if err == nil {
		return ExitSuccess
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.code == ExitTimeout {
			fmt.Fprintln(a.stderr, "error: timeout")
		} else {
			fmt.Fprintf(a.stderr, "error: %v\n", ee.err)
		}
		return ee.code
	}
	fmt.Fprintf(a.stderr, "error: %v\n", err)
	return ExitError
}

// resolveConfig applies the config chain: defaults < file < env < flags.
func (a *App) resolveConfig(cmd *cobra.Command, args []string) error {
	cfg := config.Default()

	paths := a.searchPaths
	if a.fv.configPath != "" {
		paths = []string{a.fv.configPath}
	}
	used, err := config.LoadFile(cfg, paths...)
	if err != nil {
		return err
	}
	if a.fv.configPath != "" && used == "" {
		return fmt.Errorf("config file not found: %s", a.fv.configPath)
	}

	flags := cmd.Flags()
	explicit := map[string]bool{}
	for _, name := range []string{"host", "port", "timeout", "output", "target", "budget", "attributes", "no-frames"} {
		explicit[name] = flags.Changed(name)
	}

	if err := config.ApplyEnv(cfg, a.lookupEnv, explicit); err != nil {
		return err
	}

	if explicit["host"] {
		cfg.Host = a.fv.host
	}
	if explicit["port"] {
		cfg.Port = a.fv.port
	}
	if explicit["timeout"] {
		cfg.Timeout = a.fv.timeout
	}
	if explicit["output"] {
		cfg.Output = a.fv.output
	}
	if explicit["target"] {
		cfg.Target = a.fv.target
	}
	if explicit["budget"] {
		cfg.Budget = a.fv.budget
	}
	if explicit["attributes"] {
		cfg.IncludeAttributes = a.fv.attributes
	}
	if explicit["no-frames"] {
		cfg.CrossOriginIframes = !a.fv.noFrames
	}
	if a.fv.verbose {
		cfg.LogLevel = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := newLogger(cfg.LogLevel, a.stderr)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = log
	if used != "" {
		a.log.Debug("loaded config", zap.String("path", used))
	}
	return nil
}

// newLogger builds a production JSON logger writing to w.
func newLogger(level string, w io.Writer) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(w),
		lvl,
	)
	return zap.New(core), nil
}

func (a *App) pageOptions() page.Options {
	opts := page.DefaultOptions()
	opts.Budget = a.cfg.Budget
	opts.IncludeAttributes = a.cfg.IncludeAttributes
	opts.CrossOriginIframes = a.cfg.CrossOriginIframes
	opts.MaxIframes = a.cfg.MaxIframes
	opts.MaxIframeDepth = a.cfg.MaxIframeDepth
	opts.NavigateTimeout = a.cfg.Timeout
	return opts
}

// withService connects, selects the target page, runs fn and prints its
// result.
func (a *App) withService(cmd *cobra.Command, fn func(ctx context.Context, svc *page.Service) (interface{}, error)) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.Timeout)
	defer cancel()

	conn, err := cdp.Dial(ctx, a.cfg.Host, a.cfg.Port,
		cdp.WithLogger(a.log),
		cdp.WithCallTimeout(a.cfg.Timeout))
	if err != nil {
		return &exitError{code: ExitConnFailed, err: err}
	}
	defer conn.Close()

	svc := page.New(conn, page.WithLogger(a.log), page.WithOptions(a.pageOptions()))
	if a.cfg.Target != "" {
		id, err := resolveTarget(ctx, conn, a.cfg.Target)
		if err != nil {
			return err
		}
		svc.UseTarget(id)
	}

	result, err := fn(ctx, svc)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, cdp.ErrTimeout) {
			return &exitError{code: ExitTimeout, err: err}
		}
		return err
	}
	return a.output(result)
}

// resolveTarget maps a page index or target ID to a target ID.
func resolveTarget(ctx context.Context, conn *cdp.Conn, target string) (string, error) {
	pages, err := conn.Pages(ctx)
	if err != nil {
		return "", err
	}
	if len(pages) == 0 {
		return "", page.ErrNoTarget
	}

	if idx, err := strconv.Atoi(target); err == nil {
		if idx < 0 || idx >= len(pages) {
			return "", fmt.Errorf("invalid target index: %d (have %d pages)", idx, len(pages))
		}
		return pages[idx].ID, nil
	}

	for _, p := range pages {
		if p.ID == target {
			return p.ID, nil
		}
	}
	return "", fmt.Errorf("invalid target: %s (not found)", target)
}
