package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mailblast/cmd"
	"github.com/dhcgn/mailblast/config"
	"github.com/dhcgn/mailblast/filter"
	"github.com/dhcgn/mailblast/imap"
	"github.com/dhcgn/mailblast/maillog"
	"github.com/dhcgn/mailblast/mbox"
	"github.com/dhcgn/mailblast/progress"
	"github.com/dhcgn/mailblast/recipient"
	"github.com/dhcgn/mailblast/runner"
	"github.com/dhcgn/mailblast/sendmail"
	"github.com/dhcgn/mailblast/ses"
	"github.com/dhcgn/mailblast/stats"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "mailblast",
		Short:         "Send an HTML body to a recipient list with operator checkpoints",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			slog.SetDefault(logger)
			logger.Info("starting mailblast", "body", cfg.BodyPath, "recipients", cfg.RecipientsPath, "transport", cfg.Transport, "interval", cfg.Interval)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cmd.OutOrStdout(), cfg, logger)
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
	rootCmd.AddCommand(cmd.NewExtractCommand(), cmd.NewListStatsCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, out io.Writer, cfg config.Config, logger *slog.Logger) error {
	body, recipients, err := recipient.LoadInputs(cfg.BodyPath, cfg.RecipientsPath)
	if err != nil {
		return err
	}
	if cfg.UniquePath != "" {
		if err := recipient.WriteList(cfg.UniquePath, recipients); err != nil {
			return fmt.Errorf("write unique list: %w", err)
		}
		logger.Info("unique recipient list written", "path", cfg.UniquePath, "count", len(recipients))
	}

	f, err := filter.New(filter.Options{Include: cfg.Include, Exclude: cfg.Exclude})
	if err != nil {
		return fmt.Errorf("filter.New: %w", err)
	}

	mailer, err := selectMailer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if closer, ok := mailer.(io.Closer); ok {
		defer func() {
			if err := closer.Close(); err != nil {
				logger.Warn("closing transport failed", "transport", mailer.Name(), "error", err)
			}
		}()
	}

	reader := maillog.NewReader(maillog.Options{Path: cfg.MailLog.Path, Sudo: cfg.MailLog.Sudo, Marker: cfg.MailLog.Marker})
	extractor, err := maillog.NewExtractor(reader, cfg.DeliveredPath, logger)
	if err != nil {
		return fmt.Errorf("maillog.NewExtractor: %w", err)
	}
	defer func() {
		_ = extractor.Close()
	}()

	r, err := runner.New(runner.Options{
		From:             cfg.From,
		Subject:          cfg.Subject,
		TestInbox:        cfg.TestInbox,
		Interval:         cfg.Interval,
		ExtractEvery:     cfg.ExtractEvery,
		IncludeTestInbox: cfg.IncludeTestInbox,
		Rate:             cfg.Rate,
		Filter:           f,
	}, mailer, extractor, logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}
	stats.NewReporter(r, logger)
	progress.NewProgressReporter(r, progress.New(len(recipients), mailer.Name(), cfg.LogLevel), logger)

	summary, err := r.Run(ctx, body, recipients)
	fmt.Fprintf(out, "Total sent: %d\n", summary.Attempted)
	return err
}

func selectMailer(ctx context.Context, cfg config.Config, logger *slog.Logger) (runner.Mailer, error) {
	switch cfg.Transport {
	case config.TransportSES:
		return ses.New(ctx, ses.Options{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
			Endpoint:        cfg.SES.Endpoint,
		})
	case config.TransportIMAP:
		return imap.New(imap.Options{
			Host:               cfg.IMAP.Host,
			Port:               cfg.IMAP.Port,
			Username:           cfg.IMAP.User,
			Password:           cfg.IMAP.Pass,
			UseTLS:             cfg.IMAP.UseTLS,
			InsecureSkipVerify: cfg.IMAP.InsecureSkipVerify,
			TargetFolder:       cfg.IMAP.Folder,
		}, logger)
	case config.TransportMbox:
		return mbox.New(mbox.Options{Path: cfg.MboxPath}, logger)
	default:
		return sendmail.New(sendmail.Options{Binary: cfg.SendmailPath}, logger)
	}
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("mailblast-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stderr, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stderr, opts)
	return slog.New(handler), cleanup, nil
}
