package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/verifa/testidp/pkg/config"
	"github.com/verifa/testidp/pkg/events"
	"github.com/verifa/testidp/pkg/idp"
	"github.com/verifa/testidp/pkg/natsutil"
)

type rootOptions struct {
	port              int
	issuer            string
	configFile        string
	logLevel          string
	logJSON           bool
	natsURL           string
	natsEmbedded      bool
	natsSubjectPrefix string
}

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	var opts rootOptions
	cmd := &cobra.Command{
		Use:   "testidp",
		Short: "OpenID Connect provider for integration tests.",
		Long: `testidp runs an OpenID Connect provider for integration tests.

Any login is accepted and becomes the subject of the id_token. The default
client "foo" uses the implicit flow with response_type=id_token and
response_mode=form_post.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.IntVarP(&opts.port, "port", "p", idp.DefaultPort, "port to listen on")
	flags.StringVar(&opts.issuer, "issuer", "", "issuer URL (default http://localhost:<port>)")
	flags.StringVarP(&opts.configFile, "config", "c", "", "YAML config file")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.BoolVar(&opts.logJSON, "log-json", false, "log in JSON")
	flags.StringVar(&opts.natsURL, "nats-url", "", "publish events to the NATS server at this URL")
	flags.BoolVar(&opts.natsEmbedded, "nats-embedded", false, "publish events to an embedded NATS server")
	flags.StringVar(
		&opts.natsSubjectPrefix,
		"nats-subject-prefix",
		events.DefaultSubjectPrefix,
		"subject prefix of published events",
	)
	cmd.MarkFlagsMutuallyExclusive("nats-url", "nats-embedded")
	return cmd
}

func run(ctx context.Context, cmd *cobra.Command, opts rootOptions) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	cfg := idp.DefaultConfig()
	var eventsCfg config.Events
	if opts.configFile != "" {
		file, err := config.Load(opts.configFile)
		if err != nil {
			return err
		}
		if err := file.Apply(&cfg); err != nil {
			return fmt.Errorf("apply config: %w", err)
		}
		eventsCfg = file.Events
	}
	// Flags win over the file, but only when they are set.
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Port = opts.port
	}
	if flags.Changed("issuer") {
		cfg.Issuer = opts.issuer
	}
	if flags.Changed("log-level") {
		level, err := config.LogLevel(opts.logLevel)
		if err != nil {
			return err
		}
		cfg.LogLevel = level
	}
	if flags.Changed("log-json") {
		cfg.LogJSON = opts.logJSON
	}
	if flags.Changed("nats-url") {
		eventsCfg.NATSURL = opts.natsURL
		eventsCfg.NATSEmbedded = false
	}
	if flags.Changed("nats-embedded") {
		eventsCfg.NATSEmbedded = opts.natsEmbedded
		eventsCfg.NATSURL = ""
	}
	if flags.Changed("nats-subject-prefix") || eventsCfg.SubjectPrefix == "" {
		eventsCfg.SubjectPrefix = opts.natsSubjectPrefix
	}

	logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogJSON)
	slog.SetDefault(logger)
	cfg.Logger = logger

	publisher, shutdownNATS, err := newPublisher(eventsCfg, logger)
	if err != nil {
		return err
	}
	defer shutdownNATS()
	cfg.Publisher = publisher

	srv, err := idp.Start(ctx, cfg)
	if err != nil {
		_ = publisher.Close()
		return err
	}
	defer func() {
		if err := srv.Close(); err != nil {
			logger.Error("closing server", "error", err)
		}
	}()

	<-ctx.Done()
	// Stop listening for interrupts so that a second interrupt will force
	// shutdown.
	stop()
	logger.Info("Interrupted")
	return nil
}

func newLogger(w io.Writer, level slog.Level, json bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if json {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// newPublisher returns where the events go, and a func that stops the
// embedded NATS server if one was started.
func newPublisher(
	cfg config.Events,
	logger *slog.Logger,
) (events.Publisher, func(), error) {
	switch {
	case cfg.NATSEmbedded:
		ns, err := natsutil.NewServer(natsutil.WithFindAvailablePort(true))
		if err != nil {
			return nil, nil, fmt.Errorf("new nats server: %w", err)
		}
		if err := ns.StartUntilReady(); err != nil {
			return nil, nil, fmt.Errorf("start nats server: %w", err)
		}
		publisher, err := events.ConnectNATS(ns.ClientURL(), cfg.SubjectPrefix)
		if err != nil {
			ns.Shutdown()
			return nil, nil, err
		}
		logger.Info(
			"publishing events to embedded nats",
			"url", ns.ClientURL(),
			"subject", cfg.SubjectPrefix+".>",
		)
		return publisher, ns.Shutdown, nil
	case cfg.NATSURL != "":
		publisher, err := events.ConnectNATS(cfg.NATSURL, cfg.SubjectPrefix)
		if err != nil {
			return nil, nil, err
		}
		logger.Info(
			"publishing events to nats",
			"url", cfg.NATSURL,
			"subject", cfg.SubjectPrefix+".>",
		)
		return publisher, func() {}, nil
	}
	return events.Nop{}, func() {}, nil
}
