package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"image-compressor-go/internal/batch"
	"image-compressor-go/internal/cache"
	"image-compressor-go/internal/compressor"
	"image-compressor-go/internal/config"
	"image-compressor-go/internal/indexer"
	"image-compressor-go/internal/logger"
	"image-compressor-go/internal/report"
	"image-compressor-go/internal/storage"
	"image-compressor-go/internal/tools"
	"image-compressor-go/internal/web"
)

var (
	cfgFile          string
	verbose          bool
	quiet            bool
	includeProcessed bool
	port             int
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "image-compressor",
	Short: "Compress uploaded images in place",
	Long: `image-compressor keeps an index of uploaded images and compresses them
in place, either through the TinyPNG API or with locally installed tools.

Providers:
- tinify:      TinyPNG / TinyJPG API (api_key required)
- local-tools: jpegoptim, optipng, pngquant, gifsicle, cwebp
- local-basic: ImageMagick, GraphicsMagick or the builtin JPEG encoder

Every file is compressed at most once. Its outcome is stored on the file
record and reported by the status command.`,
	SilenceUsage: true,
}

// compressCmd runs one batch.
var compressCmd = &cobra.Command{
	Use:   "compress [limit]",
	Short: "Compress a batch of not yet compressed images",
	Long: `Compresses up to [limit] images (default 100). With --include-processed,
processed files (thumbnails, crops) are compressed first and count
against the same limit. Ctrl+C stops the run after the current file.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit := batch.DefaultLimit
		if len(args) == 1 {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid limit %q: %w", args[0], err)
			}
			limit = n
		}
		return runCompress(cmd.Context(), limit)
	},
}

// indexCmd syncs the file index with the storage roots.
var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Index files below every storage root",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIndex(cmd.Context())
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show compression statistics and API usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd.Context())
	},
}

var fileStatusCmd = &cobra.Command{
	Use:   "file-status <uid>",
	Short: "Show the compression state of one file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFileStatus(cmd.Context(), args[0])
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset <uid>",
	Short: "Clear the compression state of a file so it is compressed again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReset(cmd.Context(), args[0])
	},
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List supported optimizers and where they are installed",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTools()
	},
}

var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Manage storage roots",
}

var storageAddCmd = &cobra.Command{
	Use:   "add <name> <base-path>",
	Short: "Register a storage root relative to public_path",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStorageAdd(cmd.Context(), args[0], args[1])
	},
}

var storageListCmd = &cobra.Command{
	Use:   "list",
	Short: "List storage roots",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStorageList(cmd.Context())
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrate(cmd.Context())
	},
}

// serveCmd starts the status server.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the status server",
	Long: `Starts an HTTP server exposing the status report, per-file state,
Prometheus metrics and a websocket feed of compression progress.
Batches can be started and stopped through the API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	compressCmd.Flags().BoolVarP(&includeProcessed, "include-processed", "p", false, "also compress processed files")
	serveCmd.Flags().IntVar(&port, "port", 8080, "port to run the status server on")

	storageCmd.AddCommand(storageAddCmd, storageListCmd)
	rootCmd.AddCommand(compressCmd, indexCmd, statusCmd, fileStatusCmd, resetCmd, toolsCmd, storageCmd, migrateCmd, serveCmd)
}

// app holds the dependencies shared by all commands.
type app struct {
	cfg       *config.Config
	log       *logrus.Logger
	db        *storage.DB
	files     *storage.FileRepository
	processed *storage.ProcessedFileRepository
	storages  *storage.StorageRepository
	tools     *tools.Detector
}

// newApp loads the configuration, opens and migrates the database.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg)

	db, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := storage.MigrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	return &app{
		cfg:       cfg,
		log:       log,
		db:        db,
		files:     storage.NewFileRepository(db, cfg.MimeTypes, cfg.ClaimTTL, storage.RealClock{}),
		processed: storage.NewProcessedFileRepository(db),
		storages:  storage.NewStorageRepository(db),
		tools:     tools.NewDetector(log, tools.WithCacheTTL(cfg.Tools.CacheTTL)),
	}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

// compressor builds the configured backend. Notices always go to the log
// and additionally to sinks.
func (a *app) compressor(sinks ...compressor.NoticeSink) compressor.Compressor {
	notices := compressor.MultiNotices{compressor.LogNotices{Logger: a.log}}
	notices = append(notices, sinks...)

	return compressor.NewFactory(compressor.Deps{
		Config:    a.cfg,
		Files:     a.files,
		Processed: a.processed,
		Storages:  a.storages,
		Tools:     a.tools,
		Runner:    compressor.ExecRunner{},
		Notices:   notices,
		Logger:    a.log,
	}).CreateConfigured()
}

// runCompress executes one batch and prints its summary.
func runCompress(parent context.Context, limit int) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	comp := a.compressor()
	orch := batch.NewOrchestrator(a.cfg, a.log, a.files, a.processed, a.storages, comp, cache.NewFlusher(a.cfg.Cache, a.log))

	summary, err := orch.Run(ctx, batch.Options{Limit: limit, IncludeProcessed: includeProcessed})
	if summary != nil && !quiet {
		fmt.Println(summary.String())
		if verbose {
			fmt.Print(summary.Details())
		}
		fmt.Print(summary.ErrorSummary())
	}
	if errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "Compression interrupted")
		return nil
	}
	if err != nil {
		return fmt.Errorf("compression failed: %w", err)
	}
	return nil
}

func runIndex(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := indexer.NewIndexer(a.cfg, a.log, a.files, a.processed, a.storages).Index(ctx)
	if res != nil && !quiet {
		fmt.Printf("Storages scanned:    %d\n", res.StoragesScanned)
		fmt.Printf("Files indexed:       %d\n", res.FilesIndexed)
		fmt.Printf("Files missing:       %d\n", res.FilesMissing)
		fmt.Printf("Derivatives indexed: %d\n", res.ProcessedIndexed)
		fmt.Printf("Derivatives skipped: %d\n", res.ProcessedUnlinked)
		fmt.Printf("Errors:              %d\n", res.Errors)
		fmt.Printf("Duration:            %v\n", res.Duration.Round(time.Millisecond))
	}
	if err != nil {
		return fmt.Errorf("indexing failed: %w", err)
	}
	return nil
}

func runStatus(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	comp := a.compressor()
	statuses, err := report.NewReporter(a.cfg, a.files, a.processed, comp).Statuses(ctx)
	if err != nil {
		return err
	}
	if len(statuses) == 0 {
		fmt.Println("Status report is disabled (show_status_report)")
	}
	for _, s := range statuses {
		fmt.Printf("%-24s %-16s [%s]\n", s.Title+":", s.Value, s.Severity)
		if s.Message != "" && verbose {
			fmt.Printf("  %s\n", s.Message)
		}
	}

	if value, ok := report.Toolbar(ctx, a.cfg, comp); ok {
		fmt.Printf("%-24s %s\n", "Compressions:", value)
	}
	return nil
}

func runFileStatus(ctx context.Context, arg string) error {
	uid, err := parseUID(arg)
	if err != nil {
		return err
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	status, err := a.files.FindCompressionStatusByUID(ctx, uid)
	if err != nil {
		return err
	}

	fmt.Printf("Compressed: %t\n", status.Compressed)
	if status.CompressInfo != "" {
		fmt.Printf("Info:       %s\n", status.CompressInfo)
	}
	if status.CompressError != "" {
		fmt.Printf("Error:      %s\n", status.CompressError)
	}
	return nil
}

func runReset(ctx context.Context, arg string) error {
	uid, err := parseUID(arg)
	if err != nil {
		return err
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.files.ResetCompression(ctx, uid); err != nil {
		return err
	}
	if !quiet {
		fmt.Printf("File %d will be compressed again\n", uid)
	}
	return nil
}

func runTools() error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	detector := tools.NewDetector(setupLogger(cfg), tools.WithCacheTTL(cfg.Tools.CacheTTL))

	available := detector.GetAvailableTools()
	for _, tool := range tools.GetSupportedTools() {
		if path, ok := available[tool]; ok {
			fmt.Printf("%-16s %s\n", tool, path)
		} else {
			fmt.Printf("%-16s not installed\n", tool)
		}
	}
	return nil
}

func runStorageAdd(ctx context.Context, name, basePath string) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	st := &storage.FileStorage{Name: name, BasePath: basePath}
	if _, err := a.storages.Add(ctx, st); err != nil {
		return err
	}
	if !quiet {
		fmt.Printf("Storage %s added with uid %d\n", st.Name, st.UID)
	}
	return nil
}

func runStorageList(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	storages, err := a.storages.FindAll(ctx)
	if err != nil {
		return err
	}
	for _, st := range storages {
		fmt.Printf("%-6d %-20s %s\n", st.UID, st.Name, st.BasePath)
	}
	return nil
}

func runMigrate(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	version, dirty, err := storage.SchemaVersion(a.db)
	if err != nil {
		return err
	}
	fmt.Printf("Schema version %d (dirty: %t)\n", version, dirty)
	return nil
}

// runServe starts the status server and handles graceful shutdown.
func runServe() error {
	a, err := newApp(context.Background())
	if err != nil {
		return err
	}
	defer a.Close()

	server := web.NewServer(a.cfg, a.log, a.files, a.tools)
	comp := a.compressor(server)
	orch := batch.NewOrchestratorWithProgressHook(a.cfg, a.log, a.files, a.processed, a.storages, comp,
		cache.NewFlusher(a.cfg.Cache, a.log), server.OnResult)
	server.Mount(orch, report.NewReporter(a.cfg, a.files, a.processed, comp), comp)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := server.Start(port); err != nil && err != http.ErrServerClosed {
			a.log.Fatalf("Server failed to start: %v", err)
		}
	}()

	fmt.Printf("Status server listening on http://localhost:%d\n", port)
	fmt.Printf("Press Ctrl+C to stop the server\n\n")

	<-sigChan
	fmt.Println("\nShutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	fmt.Println("Server stopped")
	return nil
}

// setupLogger configures and returns a logger.
func setupLogger(cfg *config.Config) *logrus.Logger {
	loggerCfg := logger.FromConfig(cfg.Logging, !quiet)

	if verbose {
		loggerCfg.Level = "debug"
	}
	if quiet {
		loggerCfg.Level = "error"
	}

	log, err := logger.NewLogger(loggerCfg)
	if err != nil {
		log = logrus.New()
		log.SetLevel(logrus.InfoLevel)
	}

	return log
}

func parseUID(arg string) (int64, error) {
	uid, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || uid <= 0 {
		return 0, fmt.Errorf("invalid file uid %q", arg)
	}
	return uid, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
