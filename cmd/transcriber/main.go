package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/amanullahtanweer/stream-transcriber/internal/audio"
	"github.com/amanullahtanweer/stream-transcriber/internal/audio/mic"
	"github.com/amanullahtanweer/stream-transcriber/internal/config"
	"github.com/amanullahtanweer/stream-transcriber/internal/logging"
	"github.com/amanullahtanweer/stream-transcriber/internal/metrics"
	"github.com/amanullahtanweer/stream-transcriber/internal/notify"
	"github.com/amanullahtanweer/stream-transcriber/internal/pipeline"
	"github.com/amanullahtanweer/stream-transcriber/internal/sessionlog"
	"github.com/amanullahtanweer/stream-transcriber/internal/transcriber"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "transcriber",
	Short: "Record and transcribe audio in fixed-length chunks",
	Long: `Records audio in fixed-length blocks, transcribes each block with a speech
recognition server and appends the text to a JSON session log as it arrives.
Running without a subcommand is the same as "transcriber run".`,
	SilenceUsage: true,
	RunE:         runRecording,
}

var runCmd = &cobra.Command{
	Use:          "run",
	Short:        "Start a recording session",
	SilenceUsage: true,
	RunE:         runRecording,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("transcriber %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", buildDate)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().StringP("config", "c", "config.yaml", "Config file path")
	rootCmd.PersistentFlags().String("log-path", "", "Session log path (overrides session_log.path)")

	for _, cmd := range []*cobra.Command{rootCmd, runCmd} {
		cmd.Flags().String("source", "", "Audio source: microphone, wav or archive")
		cmd.Flags().String("input", "", "Input file for wav or archive sources")
		cmd.Flags().Bool("paced", false, "Replay file sources at real-time speed")
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies command line overrides
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if logPath, _ := cmd.Flags().GetString("log-path"); logPath != "" {
		cfg.SessionLog.Path = logPath
	}
	if cmd.Flags().Lookup("source") != nil {
		if source, _ := cmd.Flags().GetString("source"); source != "" {
			cfg.Audio.Source = source
		}
		if input, _ := cmd.Flags().GetString("input"); input != "" {
			cfg.Audio.InputPath = input
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func runRecording(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	paced, _ := cmd.Flags().GetBool("paced")

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	source, err := openSource(cfg.Audio, paced)
	if err != nil {
		return fmt.Errorf("failed to open audio source: %w", err)
	}
	defer source.Close()

	engine, err := transcriber.New(transcriber.Config{
		Engine:    cfg.Transcription.Engine,
		ServerURL: cfg.Transcription.ServerURL,
		Language:  cfg.Transcription.Language,
		Timeout:   cfg.Transcription.GetTimeoutDuration(),
	})
	if err != nil {
		return fmt.Errorf("failed to create transcriber: %w", err)
	}
	defer engine.Close()

	log := sessionlog.New(cfg.SessionLog.Path, sessionlog.Options{
		FlushAttempts: cfg.SessionLog.FlushAttempts,
		RetryDelay:    cfg.SessionLog.GetRetryDelay(),
	}, logger)

	pipelineConfig := pipeline.Config{
		QuitToken:      cfg.Control.QuitToken,
		BacklogWarning: cfg.Control.BacklogWarning,
		EngineName:     cfg.Transcription.Engine,
	}
	if cfg.Archive.Enabled {
		pipelineConfig.ArchiveDir = cfg.Archive.Dir
	}
	p := pipeline.New(pipelineConfig, source, engine, log, logger)

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		p.SetCollectors(metrics.NewCollectors(reg))

		server := metrics.NewServer(cfg.Metrics.Address, reg)
		errCh := make(chan error, 1)
		server.Start(errCh)
		go func() {
			if err := <-errCh; err != nil {
				logger.Warn("Metrics server stopped", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			server.Stop(shutdownCtx)
		}()
		logger.Info("Serving metrics", zap.String("address", cfg.Metrics.Address))
	}

	if cfg.Redis.Enabled {
		publisher, err := notify.NewRedisPublisher(ctx, notify.Config{
			Addr:          cfg.Redis.Addr,
			Password:      cfg.Redis.Password,
			DB:            cfg.Redis.DB,
			ChannelPrefix: cfg.Redis.ChannelPrefix,
		})
		if err != nil {
			logger.Warn("Transcript events disabled", zap.Error(err))
		} else {
			defer publisher.Close()
			p.SetPublisher(publisher)
		}
	}

	fmt.Printf("Type '%s' and press Enter at any time to quit.\n", cfg.Control.QuitToken)

	result, err := p.Run(ctx, os.Stdin)
	if result != nil {
		fmt.Println(result.Summary)
		fmt.Printf("Transcriptions saved to %s as %s\n", log.Path(), result.Session.Name)
	}
	if err != nil && cfg.Audio.Source != config.SourceMicrophone && errors.Is(err, audio.ErrShortRead) {
		// a replayed file ending mid-block is the normal end of input
		logger.Info("Reached end of input", zap.String("input", cfg.Audio.InputPath))
		return nil
	}
	if err != nil {
		var devErr *audio.DeviceError
		if errors.As(err, &devErr) {
			return fmt.Errorf("recording stopped because the audio device failed: %w", err)
		}
		return err
	}
	return nil
}

func openSource(cfg config.AudioConfig, paced bool) (audio.Source, error) {
	switch cfg.Source {
	case config.SourceMicrophone:
		return mic.Open(cfg.SampleRate, cfg.GetChunkDuration(), cfg.FramesPerBuffer)
	case config.SourceWAV:
		return audio.NewWAVSource(cfg.InputPath, cfg.SampleRate, cfg.GetChunkDuration(), paced)
	case config.SourceArchive:
		return audio.NewArchiveSource(cfg.InputPath, cfg.SampleRate, cfg.GetChunkDuration(), paced)
	default:
		return nil, fmt.Errorf("unknown audio source %q", cfg.Source)
	}
}
