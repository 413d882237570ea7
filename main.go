package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/camden-git/geophotos/config"
	"github.com/camden-git/geophotos/database"
	"github.com/camden-git/geophotos/geocoding"
	"github.com/camden-git/geophotos/handlers"
	"github.com/camden-git/geophotos/legacy"
	"github.com/camden-git/geophotos/logging"
	"github.com/camden-git/geophotos/media"
	"github.com/camden-git/geophotos/metrics"
	"github.com/camden-git/geophotos/realtime"
	"github.com/camden-git/geophotos/repository"
	"github.com/camden-git/geophotos/resilience"
	"github.com/camden-git/geophotos/services"
	"github.com/camden-git/geophotos/spatial"
)

const usage = `Usage: geophotos <command> [flags]

Commands:
  serve                         run the HTTP API
  process [-force] [dir]        enrich every photo below dir (default ROOT_DIRECTORY)
  geocode [-resolution N] [-recalculate]
                                geocode located photos one cell at a time
  duplicates [-threshold N]     group near-identical photos
  compare <a> <b>               compare two image files
  estimate [-distribution]      project geocoding API usage and cost
  validate <file.csv|file.xlsx> cross-check records against a legacy export
`

func main() {
	err := godotenv.Load()
	if err != nil {
		log.Printf("Info: No .env file found or error loading: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds what every command needs.
type app struct {
	cfg     config.Config
	log     *zap.Logger
	store   *repository.PhotoRepository
	metrics *metrics.Pipeline
	stdout  io.Writer
	stderr  io.Writer

	// extra progress sinks by run kind, set in serve mode
	sinks map[string]services.ProgressSink
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		fmt.Fprint(stderr, usage)
		return flag.ErrHelp
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}
	db, err := database.Open(cfg.DatabasePath, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}()

	a := &app{
		cfg:     cfg,
		log:     logger,
		store:   repository.NewPhotoRepository(db),
		metrics: metrics.NewPipeline(),
		stdout:  stdout,
		stderr:  stderr,
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "serve":
		return a.serve(ctx)
	case "process":
		return a.process(ctx, rest)
	case "geocode":
		return a.geocode(ctx, rest)
	case "duplicates":
		return a.duplicates(ctx, rest)
	case "compare":
		return a.compare(rest)
	case "estimate":
		return a.estimate(ctx, rest)
	case "validate":
		return a.validate(ctx, rest)
	default:
		fmt.Fprint(stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (a *app) progress(run string) services.ProgressSink {
	extra := a.sinks[run]
	return services.ProgressFunc(func(message string) {
		fmt.Fprintln(a.stderr, message)
		if extra != nil {
			extra.Notify(message)
		}
	})
}

func (a *app) printJSON(v interface{}) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) fingerprinter() *media.Fingerprinter {
	return media.NewFingerprinter(a.cfg.DuplicateThreshold, a.cfg.SimilarThreshold)
}

func (a *app) processingService(root string) (*services.ProcessingService, error) {
	index, err := spatial.NewIndex(a.cfg.StandardResolutions)
	if err != nil {
		return nil, fmt.Errorf("invalid STANDARD_RESOLUTIONS: %w", err)
	}
	return services.NewProcessingService(a.store, media.NewMetadataExtractor(a.log), a.fingerprinter(), index, services.ProcessingOptions{
		Root:          root,
		ProgressEvery: a.cfg.ProgressEvery,
		NumWorkers:    a.cfg.NumWorkers,
		QueueSize:     a.cfg.QueueSize,
		Progress:      a.progress("process"),
		Metrics:       a.metrics,
		Logger:        a.log,
	}), nil
}

func (a *app) geocodingClient() (geocoding.Client, error) {
	google, err := geocoding.NewGoogleClient(geocoding.GoogleOptions{
		APIKey:        a.cfg.GoogleMapsAPIKey,
		BaseURL:       a.cfg.GoogleMapsBaseURL,
		Timeout:       a.cfg.GeocodeTimeout,
		RatePerSecond: a.cfg.GeocodeRate,
		Policy: resilience.Policy{
			MaxAttempts:        a.cfg.RetryAttempts,
			InitialBackoff:     a.cfg.RetryBackoff,
			BreakerEnabled:     true,
			BreakerMaxFailures: uint32(a.cfg.BreakerMaxFailures),
			BreakerOpenTimeout: a.cfg.BreakerOpenTimeout,
		},
		Logger:  a.log,
		Metrics: a.metrics,
	})
	if err != nil {
		return nil, err
	}
	if a.cfg.TimezoneProvider != config.TimezoneProviderOffline {
		return google, nil
	}
	tz, err := geocoding.NewOfflineTimezone()
	if err != nil {
		return nil, err
	}
	return geocoding.WithTimezone(google, tz), nil
}

func (a *app) geocodingService() (*services.GeocodingService, error) {
	client, err := a.geocodingClient()
	if err != nil {
		return nil, err
	}
	return services.NewGeocodingService(a.store, client, services.GeocodingOptions{
		Progress: a.progress("geocode"),
		Metrics:  a.metrics,
		Logger:   a.log,
	}), nil
}

func (a *app) process(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("process", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	force := fs.Bool("force", false, "reprocess records that are already complete")
	if err := fs.Parse(args); err != nil {
		return err
	}
	dir := a.cfg.RootDirectory
	if fs.NArg() > 0 {
		dir = fs.Arg(0)
	}

	svc, err := a.processingService(a.cfg.RootDirectory)
	if err != nil {
		return err
	}
	stats, err := svc.ProcessDirectory(ctx, dir, *force)
	if stats != nil {
		if perr := a.printJSON(stats); perr != nil {
			return perr
		}
	}
	return err
}

func (a *app) geocode(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("geocode", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	resolution := fs.Int("resolution", a.cfg.GeocodeResolution, "spatial cell resolution to group lookups by")
	recalculate := fs.Bool("recalculate", false, "geocode photos that already have a location name")
	if err := fs.Parse(args); err != nil {
		return err
	}

	svc, err := a.geocodingService()
	if err != nil {
		return err
	}
	stats, err := svc.Geocode(ctx, *resolution, *recalculate)
	if stats != nil {
		if perr := a.printJSON(stats); perr != nil {
			return perr
		}
	}
	return err
}

func (a *app) duplicates(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("duplicates", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	threshold := fs.Int("threshold", a.cfg.DuplicateThreshold, "maximum Hamming distance between linked photos")
	if err := fs.Parse(args); err != nil {
		return err
	}

	svc := services.NewDuplicateService(a.store, a.fingerprinter(), a.metrics, a.log)
	groups, err := svc.FindDuplicates(ctx, *threshold)
	if err != nil {
		return err
	}
	return a.printJSON(map[string]interface{}{"threshold": *threshold, "groups": groups})
}

func (a *app) compare(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("compare needs exactly two image paths")
	}
	res, err := a.fingerprinter().CompareImages(args[0], args[1])
	if err != nil {
		return err
	}
	return a.printJSON(res)
}

func (a *app) estimate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("estimate", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	distribution := fs.Bool("distribution", false, "include the busiest cells per resolution")
	if err := fs.Parse(args); err != nil {
		return err
	}

	est, err := services.NewEstimateService(a.store, a.cfg.StandardResolutions).Estimate(ctx, *distribution)
	if err != nil {
		return err
	}
	return a.printJSON(est)
}

func (a *app) validate(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("validate needs one .csv or .xlsx file")
	}
	rows, err := legacy.ReadRows(args[0])
	if err != nil {
		return err
	}
	report, err := services.NewValidationService(a.store, a.log).Validate(ctx, rows)
	if err != nil {
		return err
	}
	return a.printJSON(report)
}

func (a *app) serve(ctx context.Context) error {
	hub := realtime.NewHub(a.log, a.cfg.CORSAllowedOrigins)
	go hub.Run(ctx)
	a.sinks = map[string]services.ProgressSink{"process": hub.Sink("process"), "geocode": hub.Sink("geocode")}

	processing, err := a.processingService(a.cfg.RootDirectory)
	if err != nil {
		return err
	}
	h := &handlers.PipelineHandler{
		Cfg:        a.cfg,
		Processing: processing,
		Duplicates: services.NewDuplicateService(a.store, a.fingerprinter(), a.metrics, a.log),
		Estimates:  services.NewEstimateService(a.store, a.cfg.StandardResolutions),
		Log:        a.log,
	}
	geocoder, err := a.geocodingService()
	if err != nil {
		a.log.Warn("geocoding disabled", zap.Error(err))
		h.Geocoding = unavailableGeocoder{err: err}
	} else {
		h.Geocoding = geocoder
	}

	server := &http.Server{
		Addr:         ":" + a.cfg.Port,
		Handler:      handlers.NewRouter(h, a.metrics.Handler(), http.HandlerFunc(hub.ServeWS), a.cfg.CORSAllowedOrigins),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // process and geocode runs stream no output until done
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("server listening", zap.String("addr", server.Addr), zap.String("root", a.cfg.RootDirectory), zap.String("database", a.cfg.DatabasePath))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	a.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// unavailableGeocoder answers geocode requests when no client could be built,
// typically because GOOGLE_MAPS_API_KEY is unset.
type unavailableGeocoder struct{ err error }

func (u unavailableGeocoder) Geocode(context.Context, int, bool) (*services.GeocodeStats, error) {
	return nil, fmt.Errorf("%w: geocoding is not configured: %v", services.ErrInvalidArgument, u.err)
}
