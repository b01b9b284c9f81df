package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/shineum/mail-gateway/internal/config"
	"github.com/shineum/mail-gateway/internal/inbox"
	"github.com/shineum/mail-gateway/internal/mailbox"
	"github.com/shineum/mail-gateway/internal/mailbox/imap"
	"github.com/shineum/mail-gateway/internal/mailbox/maildev"
	"github.com/shineum/mail-gateway/internal/mailbox/pop3"
	"github.com/shineum/mail-gateway/internal/provider"
	"github.com/shineum/mail-gateway/internal/provider/ses"
	"github.com/shineum/mail-gateway/internal/provider/smtp"
	"github.com/shineum/mail-gateway/internal/provider/stdout"
	"github.com/shineum/mail-gateway/internal/storage"
	gwtls "github.com/shineum/mail-gateway/internal/tls"
)

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// parseLevel maps a configured level name to a slog level. Unknown names
// fall back to info.
func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// openStorage connects the configured object store and makes sure every
// bucket the gateway writes to exists.
func openStorage(ctx context.Context, cfg *config.Config) (storage.ObjectStore, error) {
	var store storage.ObjectStore
	switch cfg.Storage.Backend {
	case "memory":
		store = storage.NewMemory()
	default:
		s3, err := storage.NewS3(ctx, storage.S3Config{
			Endpoint:        cfg.Storage.Endpoint,
			Region:          cfg.Storage.Region,
			AccessKeyID:     cfg.Storage.AccessKeyID,
			SecretAccessKey: cfg.Storage.SecretAccessKey,
			UsePathStyle:    cfg.Storage.UsePathStyle,
		})
		if err != nil {
			return nil, err
		}
		store = s3
	}

	for _, bucket := range []string{
		cfg.Storage.AttachmentsBucket,
		cfg.Storage.ResultsBucket,
		cfg.Storage.ReceivedBucket,
	} {
		if err := store.EnsureBucket(ctx, bucket); err != nil {
			return nil, fmt.Errorf("bucket %s: %w", bucket, err)
		}
	}
	return store, nil
}

// selectProvider chooses the email delivery backend based on configuration.
func selectProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (provider.Provider, error) {
	switch cfg.Provider.Name {
	case "ses":
		if !cfg.SESConfigured() {
			return nil, fmt.Errorf("SES provider selected but SES_REGION is not set")
		}
		logger.Info("using AWS SES provider", "region", cfg.Provider.SES.Region)
		return ses.New(ctx, ses.SESProviderConfig{
			Region:          cfg.Provider.SES.Region,
			AccessKeyID:     cfg.Provider.SES.AccessKeyID,
			SecretAccessKey: cfg.Provider.SES.SecretAccessKey,
		}, logger)

	case "stdout":
		logger.Info("using stdout provider")
		return stdout.New(), nil

	case "smtp":
		logger.Info("using SMTP relay provider",
			"host", cfg.SMTP.Host,
			"port", cfg.SMTP.Port,
			"mode", cfg.SMTP.Mode,
			"auth_enabled", cfg.RelayAuthEnabled(),
		)
		return smtp.New(smtp.Config{
			Host:              cfg.SMTP.Host,
			Port:              cfg.SMTP.Port,
			Mode:              smtp.Mode(cfg.SMTP.Mode),
			StartTLS:          cfg.SMTP.StartTLS,
			Username:          cfg.SMTP.Username,
			Password:          cfg.SMTP.Password,
			AllowInsecureAuth: cfg.SMTP.AllowInsecureAuth,
			Timeout:           cfg.SMTP.Timeout,
			HelloName:         cfg.MessageDomain(),
			TLSConfig:         gwtls.ClientConfig(cfg.SMTP.Host, cfg.SMTP.InsecureSkipVerify),
		}, logger), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider.Name)
	}
}

// selectSource builds the inbound mailbox source.
func selectSource(cfg *config.Config, logger *slog.Logger) (mailbox.Source, error) {
	m := cfg.Mailbox
	switch m.Type {
	case "", "maildev":
		return maildev.New(maildev.Config{BaseURL: m.URL, Timeout: m.Timeout}, logger), nil
	case "imap":
		return imap.NewSource(imap.Config{
			Host:               m.Host,
			Port:               m.Port,
			Username:           m.Username,
			Password:           m.Password,
			TLS:                m.TLS,
			InsecureSkipVerify: m.InsecureSkipVerify,
			Folder:             m.Folder,
			Timeout:            m.Timeout,
		}, logger), nil
	case "pop3":
		return pop3.NewSource(pop3.Config{
			Host:               m.Host,
			Port:               m.Port,
			Username:           m.Username,
			Password:           m.Password,
			TLS:                m.TLS,
			InsecureSkipVerify: m.InsecureSkipVerify,
			Timeout:            m.Timeout,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown mailbox type %q", m.Type)
	}
}

// openInbox returns the inbound archive over the received bucket.
func openInbox(store storage.ObjectStore, cfg *config.Config, logger *slog.Logger) (*inbox.Store, *inbox.Index) {
	s := inbox.New(store, cfg.Storage.ReceivedBucket, logger)
	return s, inbox.NewIndex(s)
}
