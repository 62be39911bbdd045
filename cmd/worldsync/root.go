package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/Seonggyu05/infinite-introverts/internal/config"
	"github.com/Seonggyu05/infinite-introverts/internal/logging"
	intOtel "github.com/Seonggyu05/infinite-introverts/internal/otel"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

const instrumentationName = "github.com/Seonggyu05/infinite-introverts/cmd/worldsync"

// rootOptions holds the global flags.
type rootOptions struct {
	ConfigDir string
	LogLevel  string
	LogToFile bool
}

// app is the process-wide ambient stack shared by every command.
type app struct {
	started time.Time

	slogManager *logging.SlogManager
	logger      *slog.Logger
	zlog        zerolog.Logger
	otel        *intOtel.Provider

	logFile *os.File
	closers []io.Closer
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	a := &app{}

	cmd := &cobra.Command{
		Use:     "worldsync",
		Short:   "Ephemeral shared canvas with live position sync",
		Version: fmt.Sprintf("%s (built %s)", CurrentVersion, BuildDate),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(opts, cmd.Name())
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigDir, "config", ".", "directory containing "+config.ConfigFileName)
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override the configured log level")
	cmd.PersistentFlags().BoolVar(&opts.LogToFile, "log-file", false, "write logs to the configured logs directory")

	cmd.AddCommand(newServeCommand(a))
	cmd.AddCommand(newResetCommand(a))
	cmd.AddCommand(newStatusCommand(a))
	cmd.AddCommand(newWalkCommand(a))
	return cmd
}

// setup loads the config and wires logging, OTel and Graylog.
func (a *app) setup(opts *rootOptions, command string) error {
	a.started = time.Now()
	a.slogManager = logging.NewSlogManager()
	a.slogManager.Setup(nil, "info", nil)
	a.logger = a.slogManager.Logger()

	if err := config.Load(opts.ConfigDir); err != nil {
		config.SetDefaults()
		a.logger.Warn("Failed to load config, using defaults!", "error", err)
	} else {
		a.logger.Info("Loaded config", "dir", opts.ConfigDir)
	}

	level := viper.GetString("logLevel")
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}

	var out io.Writer = os.Stdout
	if opts.LogToFile {
		logsDir := viper.GetString("logsDir")
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return fmt.Errorf("failed to create logs dir: %w", err)
		}
		path := logging.LogFilePath(logsDir, "worldsync-"+command, a.started)
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		a.logFile = f
		out = f
	}

	otelCfg := config.GetOTelConfig()
	if otelCfg.Enabled {
		provider, err := intOtel.New(intOtel.Config{
			Enabled:      otelCfg.Enabled,
			ServiceName:  otelCfg.ServiceName,
			BatchTimeout: otelCfg.BatchTimeout,
			LogWriter:    out,
			Endpoint:     otelCfg.Endpoint,
			Insecure:     otelCfg.Insecure,
		})
		if err != nil {
			a.logger.Error("Failed to initialize OTel provider", "error", err)
		} else {
			a.otel = provider
			a.logger.Info("OTel provider initialized", "endpoint", otelCfg.Endpoint)
		}
	}

	var extra []slog.Handler
	if gl := config.GetGraylogConfig(); gl.Enabled {
		h, w, err := logging.NewGELFHandler(gl.Address, level)
		if err != nil {
			a.logger.Error("Failed to connect to Graylog", "error", err, "address", gl.Address)
		} else {
			extra = append(extra, h)
			a.closers = append(a.closers, w)
		}
	}

	var logProvider *sdklog.LoggerProvider
	if a.otel != nil {
		logProvider = a.otel.LoggerProvider()
	}
	var file io.Writer
	if a.logFile != nil {
		file = a.logFile
	}
	a.slogManager.Setup(file, level, logProvider, extra...)
	a.logger = a.slogManager.Logger()

	zlevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || zlevel == zerolog.NoLevel {
		zlevel = zerolog.InfoLevel
	}
	a.zlog = zerolog.New(out).Level(zlevel).With().Timestamp().Str("command", command).Logger()
	return nil
}

// meter returns the process meter, a no-op one without OTel.
func (a *app) meter() metric.Meter {
	if a.otel == nil {
		return noop.Meter{}
	}
	return a.otel.Meter(instrumentationName)
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if a.slogManager != nil {
		if err := a.slogManager.Flush(ctx); err != nil {
			a.logger.Warn("Failed to flush logs", "error", err)
		}
	}
	if a.otel != nil {
		if err := a.otel.Shutdown(ctx); err != nil {
			a.logger.Warn("Failed to shut down OTel", "error", err)
		}
	}
	for _, c := range a.closers {
		_ = c.Close()
	}
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
}
