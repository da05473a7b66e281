// Command adtruth-replay replays recorded interaction events through the
// detection pipeline, or submits the result to an ingest endpoint the way a
// page collector would.
//
// Events are read as JSON lines from a file or stdin:
//
//	{"type":"click","t":1760000000050}
//	{"type":"scroll","t":1760000000400,"scrollTop":900,"viewportHeight":800,"documentHeight":2000}
//
// With submit --live the events are stamped as they arrive and the collector
// runs its window and periodic schedule in real time until the input ends.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/goccy/go-json"

	"github.com/adtruth/server/internal/attribution"
	"github.com/adtruth/server/internal/behavior"
	"github.com/adtruth/server/internal/collector"
	"github.com/adtruth/server/internal/config"
	"github.com/adtruth/server/internal/detection"
	"github.com/adtruth/server/internal/events"
	"github.com/adtruth/server/internal/fingerprint"
	"github.com/adtruth/server/internal/logging"
	"github.com/adtruth/server/internal/session"
	"github.com/adtruth/server/internal/transport"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return 2
	}

	var err error
	switch args[0] {
	case "replay":
		err = runReplay(args[1:], stdin, stdout, stderr)
	case "submit":
		err = runSubmit(args[1:], stdin, stdout, stderr)
	case "-version", "--version", "-v":
		fmt.Fprintf(stdout, "adtruth-replay %s\n", version)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown subcommand: %s\n", args[0])
		printUsage(stderr)
		return 2
	}

	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "Usage: adtruth-replay <command> [flags] [events.jsonl]\n\n")
	fmt.Fprintf(w, "Commands:\n")
	fmt.Fprintf(w, "  replay  Evaluate an event log and print the verdict\n")
	fmt.Fprintf(w, "  submit  Evaluate an event log and send it to an ingest endpoint\n\n")
	fmt.Fprintf(w, "Reads events from stdin when no file is given.\n")
}

// commonFlags are shared by every subcommand.
type commonFlags struct {
	configPath string
	loadedAt   int64
	at         int64
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "YAML config file supplying detection thresholds")
	fs.Int64Var(&c.loadedAt, "loaded-at", 0, "page-load time in Unix ms (default: first event)")
	fs.Int64Var(&c.at, "at", 0, "evaluation time in Unix ms (default: last event)")
}

// loadConfig reads the configuration and routes logs to stderr.
func (c *commonFlags) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: "console", Output: os.Stderr})
	return cfg, nil
}

// load reads the configuration and the event batch.
func (c *commonFlags) load(fs *flag.FlagSet, stdin io.Reader) (*config.Config, events.Batch, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, events.Batch{}, err
	}
	batch, err := c.batch(fs, stdin)
	if err != nil {
		return nil, events.Batch{}, err
	}
	return cfg, batch, nil
}

func (c *commonFlags) batch(fs *flag.FlagSet, stdin io.Reader) (events.Batch, error) {
	in, closeIn, err := openEvents(fs, stdin)
	if err != nil {
		return events.Batch{}, err
	}
	defer closeIn()

	evs, err := events.DecodeLines(in)
	if err != nil {
		return events.Batch{}, fmt.Errorf("decode events: %w", err)
	}
	return events.Batch{LoadedAt: c.loadedAt, At: c.at, Events: evs}, nil
}

// openEvents opens the event file named by the first argument, or returns
// stdin when there is none.
func openEvents(fs *flag.FlagSet, stdin io.Reader) (io.Reader, func(), error) {
	path := fs.Arg(0)
	if path == "" || path == "-" {
		return stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open events: %w", err)
	}
	return f, func() { f.Close() }, nil
}

type replayOutput struct {
	events.ReplayResult
	Impossibilities []detection.Finding `json:"impossibilities"`
	FraudScore      float64             `json:"fraud_score"`
}

func runReplay(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var common commonFlags
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, batch, err := common.load(fs, stdin)
	if err != nil {
		return err
	}

	replayed := events.Replay(batch)
	res := detection.NewCatalogue(cfg.Detection).Assess(replayed.Snapshot)
	findings := res.Findings
	if findings == nil {
		findings = []detection.Finding{}
	}
	return writeJSON(stdout, replayOutput{
		ReplayResult:    replayed,
		Impossibilities: findings,
		FraudScore:      res.Score,
	})
}

// capture remembers what the collector handed to the transport. In live mode
// the schedule and the final flush may send concurrently.
type capture struct {
	next collector.Submitter

	mu     sync.Mutex
	bodies [][]byte
	err    error
}

func (c *capture) Send(ctx context.Context, payload []byte) error {
	return c.keep(payload, c.next.Send(ctx, payload))
}

func (c *capture) SendFinal(ctx context.Context, payload []byte) error {
	return c.keep(payload, c.next.SendFinal(ctx, payload))
}

func (c *capture) keep(payload []byte, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bodies = append(c.bodies, payload)
	c.err = err
	return err
}

// deviceFlags describe the device the recorded visit came from.
type deviceFlags struct {
	screenWidth    int
	screenHeight   int
	colorDepth     int
	timezone       string
	timezoneOffset int
	cores          int
	deviceMemory   float64
	touch          bool
	mouse          bool
	hover          bool
	maxTouchPoints int
}

func (d *deviceFlags) register(fs *flag.FlagSet) {
	fs.IntVar(&d.screenWidth, "screen-width", 1920, "device screen width")
	fs.IntVar(&d.screenHeight, "screen-height", 1080, "device screen height")
	fs.IntVar(&d.colorDepth, "color-depth", 24, "device color depth")
	fs.StringVar(&d.timezone, "timezone", "", "IANA timezone name (default: unknown)")
	fs.IntVar(&d.timezoneOffset, "timezone-offset", 0, "minutes behind UTC, as hosts report it")
	fs.IntVar(&d.cores, "cores", 0, "hardware concurrency (0: not exposed)")
	fs.Float64Var(&d.deviceMemory, "device-memory", 0, "device memory in GiB (0: not exposed)")
	fs.BoolVar(&d.touch, "touch", false, "device reports touch support")
	fs.BoolVar(&d.mouse, "mouse", true, "device reports a fine pointer")
	fs.BoolVar(&d.hover, "hover", true, "device reports hover support")
	fs.IntVar(&d.maxTouchPoints, "max-touch-points", 0, "maximum simultaneous touch points")
}

// apply attaches the fingerprint and input-method summary to v.
func (d *deviceFlags) apply(v *collector.Visit) {
	fp := fingerprint.New(fingerprint.Details{
		Screen:              fingerprint.ScreenString(d.screenWidth, d.screenHeight, d.colorDepth),
		Timezone:            d.timezone,
		TimezoneOffset:      d.timezoneOffset,
		HardwareConcurrency: d.cores,
		DeviceMemory:        d.deviceMemory,
	})
	im := fingerprint.NewInputMethod(d.touch, d.mouse, d.hover, d.maxTouchPoints)
	v.Fingerprint = &fp
	v.InputMethod = &im
}

func runSubmit(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		common commonFlags
		device deviceFlags
	)
	common.register(fs)
	device.register(fs)
	endpoint := fs.String("endpoint", "", "ingest endpoint (default: collector.endpoint from config)")
	apiKey := fs.String("api-key", "", "site API key (default: collector.api_key from config)")
	pageURL := fs.String("page-url", "", "URL of the recorded page, used for attribution")
	sessionID := fs.String("session-id", "", "session id (default: generated)")
	live := fs.Bool("live", false, "stream events as they arrive and run the collection schedule in real time")
	periodic := fs.Bool("periodic", false, "send periodic updates in live mode (default: collector.periodic_updates from config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := common.loadConfig()
	if err != nil {
		return err
	}

	tcfg := transport.Config{
		Endpoint:        cfg.Collector.Endpoint,
		APIKey:          cfg.Collector.APIKey,
		Timeout:         cfg.Collector.RequestTimeout,
		MaxPayloadBytes: cfg.Collector.MaxPayloadBytes,
	}
	if *endpoint != "" {
		tcfg.Endpoint = *endpoint
	}
	if *apiKey != "" {
		tcfg.APIKey = *apiKey
	}
	client, err := transport.New(tcfg)
	if err != nil {
		return err
	}

	ids := session.NewMemoryStorage()
	if *sessionID != "" {
		_ = ids.Set(session.SessionKey, *sessionID)
	}
	visit := collector.Visit{
		SessionID:   session.SessionID(ids),
		VisitorID:   session.VisitorID(ids),
		Page:        collector.Page{URL: *pageURL},
		Attribution: attribution.Parse(*pageURL),
	}
	device.apply(&visit)

	sub := &capture{next: client}
	cat := detection.NewCatalogue(cfg.Detection)
	ccfg := collector.Config{
		CollectionWindow: cfg.Collector.CollectionWindow,
		PeriodicUpdates:  cfg.Collector.PeriodicUpdates || *periodic,
		UpdateInterval:   cfg.Collector.UpdateInterval,
	}

	if *live {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		err = submitLive(ctx, fs, stdin, sub, cat, visit, ccfg)
	} else {
		err = submitBatch(&common, fs, stdin, sub, cat, visit, ccfg)
	}
	if err != nil {
		return err
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.err != nil {
		return fmt.Errorf("submit: %w", sub.err)
	}
	for _, body := range sub.bodies {
		if _, err := stdout.Write(body); err != nil {
			return err
		}
		if _, err := io.WriteString(stdout, "\n"); err != nil {
			return err
		}
	}
	return nil
}

// submitBatch replays a recorded log and sends the unload flush as of the
// last event.
func submitBatch(common *commonFlags, fs *flag.FlagSet, stdin io.Reader, sub collector.Submitter,
	cat *detection.Catalogue, visit collector.Visit, ccfg collector.Config) error {
	batch, err := common.batch(fs, stdin)
	if err != nil {
		return err
	}

	loadedAt, at := batch.Bounds()
	s := behavior.NewSampler(behavior.WithLoadTime(loadedAt))
	for _, ev := range batch.Events {
		if err := events.Dispatch(s, ev); err != nil {
			logging.Debug().Err(err).Msg("event skipped")
		}
	}

	c := collector.New(s, cat, sub, visit, ccfg, collector.WithClock(func() time.Time { return at }))
	c.Finalize(context.Background())
	return nil
}

// submitLive feeds events to a running collector as they are read, stamping
// each with the time it arrived. The end of input, or ctx ending, is the
// page unload.
func submitLive(ctx context.Context, fs *flag.FlagSet, stdin io.Reader, sub collector.Submitter,
	cat *detection.Catalogue, visit collector.Visit, ccfg collector.Config) error {
	in, closeIn, err := openEvents(fs, stdin)
	if err != nil {
		return err
	}
	defer closeIn()

	s := behavior.NewSampler()
	c := collector.New(s, cat, sub, visit, ccfg)
	c.Start(ctx)
	defer c.Stop()

	scanned := make(chan error, 1)
	go func() {
		scanned <- events.ScanLines(in, func(ev events.Event) error {
			ev.T = time.Now().UnixMilli()
			if err := events.Dispatch(s, ev); err != nil {
				logging.Debug().Err(err).Msg("event skipped")
			}
			return nil
		})
	}()

	select {
	case err = <-scanned:
	case <-ctx.Done():
		logging.Info().Msg("interrupted, flushing")
	}

	// The flush goes out even when ctx was cancelled.
	c.Finalize(context.Background())
	if err != nil {
		return fmt.Errorf("decode events: %w", err)
	}
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	raw = append(raw, '\n')
	_, err = w.Write(raw)
	return err
}
