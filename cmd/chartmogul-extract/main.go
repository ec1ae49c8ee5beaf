package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/chartmogul-extractor/pkg/client"
	"github.com/Sternrassler/chartmogul-extractor/pkg/endpoint"
	"github.com/Sternrassler/chartmogul-extractor/pkg/extractor"
	"github.com/Sternrassler/chartmogul-extractor/pkg/logging"
	"github.com/Sternrassler/chartmogul-extractor/pkg/metrics"
	"github.com/Sternrassler/chartmogul-extractor/pkg/staging"
	"github.com/Sternrassler/chartmogul-extractor/pkg/state"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var version = "0.1.0"

// Exit codes.
const (
	exitOK      = 0
	exitUsage   = 1
	exitFailure = 2
)

// dateLayout is the format of --start-date and --end-date.
const dateLayout = "2006-01-02"

// options holds the flags and environment of one invocation.
type options struct {
	APIKey      string
	BaseURL     string
	Endpoint    string
	StartDate   string
	EndDate     string
	Incremental bool
	ProbePages  bool
	Out         string
	DryRun      bool
	StateFile   string
	RedisURL    string
	RedisKey    string
	BatchSize   int
	RPS         int
	Timeout     time.Duration
	MaxAttempts int
	MetricsAddr string
	LogLevel    string
	Pretty      bool
}

// usageError marks invalid input; it exits like a ConfigError.
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// execute runs the command line and maps the outcome to an exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCommand(stdout)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitCode(err)
	}
	return exitOK
}

// exitCode maps configuration and domain errors to 1, everything else to 2.
func exitCode(err error) int {
	var usage *usageError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &usage), errors.Is(err, extractor.ErrConfig), errors.Is(err, extractor.ErrDomain):
		return exitUsage
	default:
		return exitFailure
	}
}

func newRootCommand(stdout io.Writer) *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "chartmogul-extract",
		Short: "Extract ChartMogul endpoints into staged JSON tables",
		Long: `chartmogul-extract fetches one ChartMogul endpoint, flattens the records into
tables and writes every batch to the output directory. Cursor state and known
table columns are persisted between runs for incremental loads.

Example:
  CHARTMOGUL_API_KEY=... chartmogul-extract --endpoint activities --incremental --state-file state.json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts, stdout)
		},
	}

	flags := root.Flags()
	flags.StringVar(&opts.Endpoint, "endpoint", "", "Endpoint to extract (see 'list')")
	flags.StringVar(&opts.StartDate, "start-date", "", "Start date filter (YYYY-MM-DD)")
	flags.StringVar(&opts.EndDate, "end-date", "", "End date filter (YYYY-MM-DD)")
	flags.BoolVar(&opts.Incremental, "incremental", false, "Resume cursor endpoints from the persisted state")
	flags.BoolVar(&opts.ProbePages, "probe-pages", false, "Fetch page listings in concurrent rounds of --batch-size pages")
	flags.StringVar(&opts.Out, "out", "out", "Output directory for staged tables")
	flags.BoolVar(&opts.DryRun, "dry-run", false, "Keep staged batches in memory instead of writing them")
	flags.StringVar(&opts.StateFile, "state-file", "state.json", "Path of the persisted state file")
	flags.StringVar(&opts.RedisURL, "redis-url", "", "Store state in Redis instead of --state-file (redis://host:port/db)")
	flags.StringVar(&opts.RedisKey, "redis-key", state.DefaultRedisKey, "Redis key holding the state")
	flags.IntVar(&opts.BatchSize, "batch-size", extractor.DefaultConfig().BatchSize, "Concurrent sub-fetches per chunk")
	flags.IntVar(&opts.RPS, "rps", client.DefaultConfig("").MaxRequestsPerSecond, "Maximum requests per second")
	flags.DurationVar(&opts.Timeout, "timeout", client.DefaultConfig("").Timeout, "Timeout per request attempt")
	flags.IntVar(&opts.MaxAttempts, "max-attempts", client.DefaultRetryConfig().MaxAttempts, "Attempts per request before giving up")
	flags.StringVar(&opts.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address during the run")
	flags.StringVar(&opts.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flags.BoolVar(&opts.Pretty, "pretty", false, "Human-readable console logs")
	flags.StringVar(&opts.BaseURL, "base-url", client.DefaultBaseURL, "API root")
	_ = flags.MarkHidden("base-url")
	_ = root.MarkFlagRequired("endpoint")

	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List available endpoints",
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range endpoint.Names() {
				d, _ := endpoint.Lookup(name)
				fmt.Fprintf(stdout, "%-24s %s\n", name, d.Kind)
			}
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(stdout, "chartmogul-extract v%s\n", version)
		},
	})

	return root
}

// validate fills opts from the environment and checks flag values.
func (o *options) validate() error {
	if o.APIKey == "" {
		o.APIKey = os.Getenv("CHARTMOGUL_API_KEY")
	}
	if o.APIKey == "" {
		return usagef("CHARTMOGUL_API_KEY is not set")
	}
	if v := os.Getenv("CHARTMOGUL_BASE_URL"); v != "" && o.BaseURL == client.DefaultBaseURL {
		o.BaseURL = v
	}

	if _, ok := endpoint.Lookup(o.Endpoint); !ok {
		return &extractor.ConfigError{Name: o.Endpoint}
	}

	var start, end time.Time
	var err error
	if o.StartDate != "" {
		if start, err = time.Parse(dateLayout, o.StartDate); err != nil {
			return usagef("invalid --start-date %q: want YYYY-MM-DD", o.StartDate)
		}
	}
	if o.EndDate != "" {
		if end, err = time.Parse(dateLayout, o.EndDate); err != nil {
			return usagef("invalid --end-date %q: want YYYY-MM-DD", o.EndDate)
		}
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return usagef("--end-date %s is before --start-date %s", o.EndDate, o.StartDate)
	}

	if o.BatchSize < 1 {
		return usagef("--batch-size must be >= 1 (got %d)", o.BatchSize)
	}
	if o.RPS < 1 {
		return usagef("--rps must be >= 1 (got %d)", o.RPS)
	}
	if o.MaxAttempts < 1 {
		return usagef("--max-attempts must be >= 1 (got %d)", o.MaxAttempts)
	}
	if _, err := logging.ParseLevel(o.LogLevel); err != nil {
		return usagef("%v", err)
	}
	if !o.DryRun && o.Out == "" {
		return usagef("--out is required unless --dry-run is set")
	}
	return nil
}

// params returns the endpoint filters given on the command line.
func (o *options) params() map[string]string {
	params := map[string]string{}
	if o.StartDate != "" {
		params["start-date"] = o.StartDate
	}
	if o.EndDate != "" {
		params["end-date"] = o.EndDate
	}
	return params
}

// output is what the command prints on success.
type output struct {
	Endpoint string                        `json:"endpoint"`
	Records  int                           `json:"records"`
	Tables   map[string]staging.TableShape `json:"tables"`
}

func run(ctx context.Context, opts *options, stdout io.Writer) error {
	if err := opts.validate(); err != nil {
		return err
	}

	level, _ := logging.ParseLevel(opts.LogLevel)
	logging.Setup(logging.Config{
		Level:  level,
		Pretty: opts.Pretty,
		Output: os.Stderr,
		RunID:  uuid.NewString(),
	})
	logger := logging.NewLogger(logging.ComponentCLI)

	if opts.MetricsAddr != "" {
		srv, err := metrics.Listen(opts.MetricsAddr, logger)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	cfg := client.DefaultConfig(opts.APIKey)
	cfg.BaseURL = opts.BaseURL
	cfg.MaxRequestsPerSecond = opts.RPS
	cfg.Timeout = opts.Timeout
	cfg.Retry.MaxAttempts = opts.MaxAttempts
	cfg.UserAgent = "chartmogul-extract/" + version

	api, err := client.New(cfg)
	if err != nil {
		return usagef("client: %v", err)
	}
	api.SetLogger(logging.NewLogger(logging.ComponentClient))

	sink, err := newSink(opts)
	if err != nil {
		return err
	}

	store, closeStore, err := newStore(ctx, opts)
	if err != nil {
		return err
	}
	defer closeStore()

	ex, err := extractor.New(api, sink, store, extractor.Config{
		Incremental:      opts.Incremental,
		BatchSize:        opts.BatchSize,
		ProbeParentPages: opts.ProbePages,
	}, logging.NewLogger(logging.ComponentExtractor))
	if err != nil {
		return usagef("extractor: %v", err)
	}

	res, err := ex.Fetch(ctx, opts.Endpoint, opts.params())
	if err != nil {
		return err
	}

	gs := api.Gate().State()
	logger.Info().
		Str("endpoint", res.Endpoint).
		Int("records", res.Records).
		Int64("requests", gs.Admitted).
		Dur("min_interval", gs.Interval()).
		Msg("Extraction complete")

	data, err := json.MarshalIndent(output{
		Endpoint: res.Endpoint,
		Records:  res.Records,
		Tables:   res.Tables,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintln(stdout, string(data))
	return err
}

func newSink(opts *options) (staging.Sink, error) {
	if opts.DryRun {
		return staging.NewMemorySink(), nil
	}
	return staging.NewFileSink(opts.Out, logging.NewLogger(logging.ComponentSink))
}

func newStore(ctx context.Context, opts *options) (state.Store, func(), error) {
	if opts.RedisURL == "" {
		store, err := state.NewFileStore(opts.StateFile)
		if err != nil {
			return nil, nil, usagef("%v", err)
		}
		return store, func() {}, nil
	}

	redisOpts, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, nil, usagef("invalid --redis-url: %v", err)
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		_ = redisClient.Close()
		return nil, nil, fmt.Errorf("connect to redis: %w", err)
	}

	store, err := state.NewRedisStore(redisClient, opts.RedisKey)
	if err != nil {
		_ = redisClient.Close()
		return nil, nil, err
	}
	return store, func() { _ = redisClient.Close() }, nil
}
