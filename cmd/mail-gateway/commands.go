package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shineum/mail-gateway/internal/api"
	"github.com/shineum/mail-gateway/internal/assembler"
	"github.com/shineum/mail-gateway/internal/config"
	"github.com/shineum/mail-gateway/internal/dispatcher"
	"github.com/shineum/mail-gateway/internal/dkim"
	"github.com/shineum/mail-gateway/internal/email"
	"github.com/shineum/mail-gateway/internal/receiver"
	"github.com/shineum/mail-gateway/internal/results"
	"github.com/shineum/mail-gateway/internal/storage"
	gwtls "github.com/shineum/mail-gateway/internal/tls"
)

// drainTimeout bounds how long serve waits for queued deliveries on exit.
const drainTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the dispatcher and the mailbox receiver",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		logger := setupLogger(cfg.Logging.Level)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return serve(ctx, cfg, logger)
	},
}

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Run one mailbox ingestion cycle and print the report",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		logger := setupLogger(cfg.Logging.Level)

		store, err := openStorage(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		source, err := selectSource(cfg, logger)
		if err != nil {
			return err
		}
		inboxStore, _ := openInbox(store, cfg, logger)

		r := receiver.New(source, inboxStore, receiver.Config{}, logger)
		report, err := r.RunCycle(cmd.Context())
		if err != nil {
			return fmt.Errorf("poll failed: %w", err)
		}
		return printJSON(cmd.OutOrStdout(), reportView(report))
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print inbound archive statistics as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		logger := setupLogger(cfg.Logging.Level)

		store, err := openStorage(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		_, index := openInbox(store, cfg, logger)

		st, err := index.Statistics(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to read statistics: %w", err)
		}
		return printJSON(cmd.OutOrStdout(), st)
	},
}

var (
	resultsDate   string
	resultsStatus string
)

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "List delivery results recorded on one day",
	RunE: func(cmd *cobra.Command, args []string) error {
		date := time.Now().UTC()
		if resultsDate != "" {
			parsed, err := time.Parse(time.DateOnly, resultsDate)
			if err != nil {
				return fmt.Errorf("invalid --date %q: want YYYY-MM-DD", resultsDate)
			}
			date = parsed
		}
		status := email.Status(resultsStatus)
		switch status {
		case "", email.StatusSuccess, email.StatusFailure:
		default:
			return fmt.Errorf("invalid --status %q: want success or failure", resultsStatus)
		}

		cfg, err := loadConfig(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		setupLogger(cfg.Logging.Level)

		store, err := openStorage(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		list, err := results.New(store, cfg.Storage.ResultsBucket).ListByDate(cmd.Context(), date, status)
		if err != nil {
			return fmt.Errorf("failed to list results: %w", err)
		}
		return printJSON(cmd.OutOrStdout(), list)
	},
}

func init() {
	resultsCmd.Flags().StringVar(&resultsDate, "date", "", "day to list in YYYY-MM-DD (default today, UTC)")
	resultsCmd.Flags().StringVar(&resultsStatus, "status", "", "only list success or failure results")
	rootCmd.AddCommand(resultsCmd)
}

// serve wires every component and blocks until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	store, err := openStorage(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}

	prov, err := selectProvider(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create provider: %w", err)
	}

	var signer assembler.Signer
	if cfg.DKIMEnabled() {
		s, err := dkim.New(dkim.Options{
			Domain:         cfg.DKIM.Domain,
			Selector:       cfg.DKIM.Selector,
			PrivateKey:     cfg.DKIM.PrivateKey,
			PrivateKeyFile: cfg.DKIM.PrivateKeyFile,
			Headers:        cfg.DKIM.Headers,
		})
		if err != nil {
			return fmt.Errorf("failed to create DKIM signer: %w", err)
		}
		signer = s
	}

	attachments := storage.NewAttachments(store, cfg.Storage.AttachmentsBucket)
	asm, err := assembler.New(assembler.Config{
		From:   cfg.Sender.Address,
		Domain: cfg.MessageDomain(),
	}, attachments, signer)
	if err != nil {
		return fmt.Errorf("failed to create assembler: %w", err)
	}

	resultStore := results.New(store, cfg.Storage.ResultsBucket)
	disp := dispatcher.New(dispatcher.Config{
		Workers:   cfg.Dispatcher.Workers,
		QueueSize: cfg.Dispatcher.QueueSize,
	}, asm, prov, resultStore, logger)

	inboxStore, index := openInbox(store, cfg, logger)

	var tlsConfig *tls.Config
	if cfg.HTTP.TLS {
		tlsConfig, err = gwtls.ServerConfig(cfg.HTTP.CertFile, cfg.HTTP.KeyFile)
		if err != nil {
			return fmt.Errorf("failed to setup TLS: %w", err)
		}
	}

	server := api.NewServer(api.ServerConfig{
		ListenAddr: cfg.HTTP.Listen,
		TLSConfig:  tlsConfig,
		Logger:     logger,
	}, api.NewRouter(api.Deps{
		Sender:      disp,
		Results:     resultStore,
		Attachments: attachments,
		Inbox:       index,
		Auth:        api.NewAuthenticator(cfg.HTTP.APIKey),
		Logger:      logger,
	}))

	logger.Info("starting mail-gateway",
		"listen", cfg.HTTP.Listen,
		"provider", prov.Name(),
		"auth_enabled", cfg.AuthEnabled(),
		"tls_enabled", cfg.HTTP.TLS,
		"dkim_enabled", cfg.DKIMEnabled(),
		"storage", cfg.Storage.Backend,
		"receiver_enabled", cfg.Receiver.Enabled,
	)

	var wg sync.WaitGroup
	if cfg.Receiver.Enabled {
		source, err := selectSource(cfg, logger)
		if err != nil {
			return err
		}
		r := receiver.New(source, inboxStore, receiver.Config{
			Interval: cfg.Receiver.Interval,
			Backoff:  cfg.Receiver.Backoff,
			OnIngest: func(_ context.Context, m *email.InboundMessage) {
				logger.Info("inbound message stored", "id", m.ID, "source", m.Source)
			},
		}, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Run(ctx)
		}()
	}

	serveErr := server.ListenAndServe(ctx)
	cancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), drainTimeout)
	defer drainCancel()
	if err := disp.Close(drainCtx); err != nil {
		logger.Warn("dispatcher did not drain", "error", err)
	}
	wg.Wait()

	if serveErr != nil {
		return fmt.Errorf("server error: %w", serveErr)
	}
	logger.Info("mail-gateway stopped")
	return nil
}

// cycleView is the printable form of a receiver cycle report.
type cycleView struct {
	Started    time.Time     `json:"started"`
	Finished   time.Time     `json:"finished"`
	Listed     int           `json:"listed"`
	Stored     int           `json:"stored"`
	Duplicates int           `json:"duplicates"`
	Failures   []failureView `json:"failures"`
}

type failureView struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

func reportView(r receiver.CycleReport) cycleView {
	v := cycleView{
		Started:    r.Started,
		Finished:   r.Finished,
		Listed:     r.Listed,
		Stored:     r.Stored,
		Duplicates: r.Duplicates,
		Failures:   make([]failureView, 0, len(r.Failures)),
	}
	for _, f := range r.Failures {
		v.Failures = append(v.Failures, failureView{ID: f.ID, Error: f.Err.Error()})
	}
	return v
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
