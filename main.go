package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"

	"github.com/smazurov/restreamer/cmd"
	"github.com/smazurov/restreamer/internal/admission"
	"github.com/smazurov/restreamer/internal/api"
	"github.com/smazurov/restreamer/internal/assets"
	"github.com/smazurov/restreamer/internal/config"
	"github.com/smazurov/restreamer/internal/encoders"
	"github.com/smazurov/restreamer/internal/events"
	"github.com/smazurov/restreamer/internal/history"
	"github.com/smazurov/restreamer/internal/logging"
	"github.com/smazurov/restreamer/internal/metrics/exporters"
	"github.com/smazurov/restreamer/internal/monitor"
	"github.com/smazurov/restreamer/internal/recovery"
	"github.com/smazurov/restreamer/internal/scheduler"
	"github.com/smazurov/restreamer/internal/streams"
	"github.com/smazurov/restreamer/internal/streams/store"
)

const shutdownTimeout = 10 * time.Second

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"config.toml"`

	// Server settings
	Port string `help:"Port to listen on" short:"p" default:":8090" toml:"server.port" env:"SERVER_PORT"`

	// Auth settings, empty credentials disable auth
	AuthUsername string `help:"Basic auth username" default:"" toml:"auth.username" env:"AUTH_USERNAME"`
	AuthPassword string `help:"Basic auth password" default:"" toml:"auth.password" env:"AUTH_PASSWORD"`

	// Storage settings
	StreamsStore    string `help:"Stream and schedule store" default:"streams.toml" toml:"streams.store" env:"STREAMS_STORE"`
	AssetsCatalog   string `help:"Video and playlist catalog" default:"assets.toml" toml:"assets.catalog" env:"ASSETS_CATALOG"`
	AssetsMediaRoot string `help:"Directory relative video paths resolve against" default:"media" toml:"assets.media_root" env:"ASSETS_MEDIA_ROOT"`
	PathsTempDir    string `help:"Directory for playlist manifests" default:"temp" toml:"paths.temp_dir" env:"PATHS_TEMP_DIR"`
	HistoryDB       string `help:"Run history database" default:"history.db" toml:"history.db" env:"HISTORY_DB"`
	FFmpegBinary    string `help:"Encoder binary" default:"ffmpeg" toml:"ffmpeg.binary" env:"FFMPEG_BINARY"`

	// Admission settings
	AdmissionGlobalLimit   int    `help:"Maximum concurrent streams" default:"20" toml:"admission.global_limit" env:"ADMISSION_GLOBAL_LIMIT"`
	AdmissionPerOwnerLimit int    `help:"Default maximum concurrent streams per owner" default:"5" toml:"admission.per_owner_limit" env:"ADMISSION_PER_OWNER_LIMIT"`
	AdmissionLimitsFile    string `help:"Per-owner limit overrides" default:"owner_limits.toml" toml:"admission.limits_file" env:"ADMISSION_LIMITS_FILE"`

	// Resource monitor settings
	MonitorInterval          time.Duration `help:"Resource sampling interval" default:"30s" toml:"monitor.interval" env:"MONITOR_INTERVAL"`
	MonitorCPUThreshold      int           `help:"CPU percent that raises a warning" default:"80" toml:"monitor.cpu_threshold" env:"MONITOR_CPU_THRESHOLD"`
	MonitorMemoryThresholdMB int           `help:"Resident memory in MB that raises a warning" default:"500" toml:"monitor.memory_threshold_mb" env:"MONITOR_MEMORY_THRESHOLD_MB"`

	// Orchestrator settings
	OrchestratorMaxRetries           int           `help:"Restarts after an abnormal exit" default:"3" toml:"orchestrator.max_retries" env:"ORCHESTRATOR_MAX_RETRIES"`
	OrchestratorRetryDelay           time.Duration `help:"Delay before a restart" default:"3s" toml:"orchestrator.retry_delay" env:"ORCHESTRATOR_RETRY_DELAY"`
	OrchestratorForceKillTimeout     time.Duration `help:"Grace period between SIGTERM and SIGKILL" default:"5s" toml:"orchestrator.force_kill_timeout" env:"ORCHESTRATOR_FORCE_KILL_TIMEOUT"`
	OrchestratorLogLines             int           `help:"Encoder output lines kept per stream" default:"100" toml:"orchestrator.log_lines" env:"ORCHESTRATOR_LOG_LINES"`
	OrchestratorReconcileInterval    time.Duration `help:"Status reconciliation interval" default:"5m" toml:"orchestrator.reconcile_interval" env:"ORCHESTRATOR_RECONCILE_INTERVAL"`
	OrchestratorHardwareAcceleration bool          `help:"Use a detected hardware encoder" default:"true" toml:"orchestrator.hardware_acceleration" env:"ORCHESTRATOR_HARDWARE_ACCELERATION"`
	OrchestratorEncoderFallback      bool          `help:"Retry with the software encoder after a hardware encoder fails" default:"true" toml:"orchestrator.encoder_fallback" env:"ORCHESTRATOR_ENCODER_FALLBACK"`
	OrchestratorKeyframeInterval     int           `help:"Keyframe interval in seconds" default:"2" toml:"orchestrator.keyframe_interval" env:"ORCHESTRATOR_KEYFRAME_INTERVAL"`
	OrchestratorPlaylistLoopRepeats  int           `help:"Times a looping playlist is repeated in its manifest" default:"1000" toml:"orchestrator.playlist_loop_repeats" env:"ORCHESTRATOR_PLAYLIST_LOOP_REPEATS"`

	// Scheduler settings
	SchedulerInterval  time.Duration `help:"Schedule polling interval" default:"60s" toml:"scheduler.interval" env:"SCHEDULER_INTERVAL"`
	SchedulerLookahead time.Duration `help:"How far ahead one-time entries are considered due" default:"60s" toml:"scheduler.lookahead" env:"SCHEDULER_LOOKAHEAD"`
	SchedulerTimezone  string        `help:"IANA zone recurring entries are matched in, empty for local" default:"" toml:"scheduler.timezone" env:"SCHEDULER_TIMEZONE"`

	// Recovery settings
	RecoveryMaxAge time.Duration `help:"Oldest live run resumed after a restart" default:"24h" toml:"recovery.max_age" env:"RECOVERY_MAX_AGE"`
	RecoveryDelay  time.Duration `help:"Delay before the recovery pass" default:"5s" toml:"recovery.delay" env:"RECOVERY_DELAY"`

	// Shutdown settings
	ShutdownStopStreams bool `help:"Stop encoders on shutdown instead of leaving them for recovery" default:"false" toml:"shutdown.stop_streams" env:"SHUTDOWN_STOP_STREAMS"`

	// Logging settings
	LoggingLevel  string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
}

func main() {
	if err := config.LoadEnvFile(""); err != nil {
		slog.Warn("Failed to load env file", "error", err)
	}

	var cli humacli.CLI
	cli = humacli.New(func(hooks humacli.Hooks, opts *Options) {
		// Load configuration automatically
		if loadErr := config.LoadConfig(opts, cli.Root()); loadErr != nil {
			slog.Warn("Failed to load config", "error", loadErr)
		}

		// Module levels come from the config file only
		loggingConfig := config.LoadLoggingConfig(opts.Config)
		loggingConfig.Level = opts.LoggingLevel
		loggingConfig.Format = opts.LoggingFormat
		logging.Initialize(loggingConfig)

		logger := logging.GetLogger("main")

		location := time.Local
		if opts.SchedulerTimezone != "" {
			loc, err := time.LoadLocation(opts.SchedulerTimezone)
			if err != nil {
				logger.Error("Invalid scheduler timezone", "timezone", opts.SchedulerTimezone, "error", err)
				os.Exit(1)
			}
			location = loc
		}

		eventBus := events.New()
		metricsExporter := exporters.NewBusExporter(eventBus)
		metricsExporter.Start()

		streamStore := store.NewTOML(opts.StreamsStore)
		if err := streamStore.Load(); err != nil {
			logger.Error("Failed to load stream store", "path", opts.StreamsStore, "error", err)
			os.Exit(1)
		}

		catalogFile, err := assets.LoadFile(opts.AssetsCatalog)
		if err != nil {
			logger.Warn("Failed to load asset catalog, starting empty", "path", opts.AssetsCatalog, "error", err)
		}
		catalog := assets.NewCatalog(opts.AssetsMediaRoot, catalogFile)
		catalogWatcher, err := catalog.Watch(opts.AssetsCatalog, logging.GetLogger("assets"))
		if err != nil {
			logger.Warn("Asset catalog will not be reloaded", "error", err)
		}

		limits := admission.NewLimitTable(admission.OwnerLimits{})
		limitsWatcher, err := admission.WatchOwnerLimits(opts.AdmissionLimitsFile, limits, logging.GetLogger("admission"))
		if err != nil {
			logger.Warn("Owner limits will not be reloaded", "error", err)
		}
		limiter := admission.NewLimiter(opts.AdmissionGlobalLimit, opts.AdmissionPerOwnerLimit,
			admission.WithResolver(limits.Resolve),
			admission.WithEventBus(eventBus),
		)
		// Counts never survive a restart; recovery registers what it resumes.
		limiter.Reset()

		detector := encoders.NewDetector(opts.FFmpegBinary)
		processor := streams.NewProcessor(streams.ProcessorConfig{
			Binary:               opts.FFmpegBinary,
			TempDir:              opts.PathsTempDir,
			HardwareAcceleration: opts.OrchestratorHardwareAcceleration,
			KeyframeSeconds:      opts.OrchestratorKeyframeInterval,
			LoopRepeats:          opts.OrchestratorPlaylistLoopRepeats,
		}, catalog, detector)

		orchOpts := []streams.Option{streams.WithEventBus(eventBus)}

		sampler, err := monitor.NewProcSampler()
		var resourceMonitor *monitor.Monitor
		if err != nil {
			logger.Warn("Resource monitoring disabled", "error", err)
		} else {
			resourceMonitor = monitor.New(monitor.Config{
				Interval:          opts.MonitorInterval,
				CPUThreshold:      float64(opts.MonitorCPUThreshold),
				MemoryThresholdMB: float64(opts.MonitorMemoryThresholdMB),
			}, sampler, eventBus)
			orchOpts = append(orchOpts, streams.WithMonitor(resourceMonitor))
		}

		historyStore, err := history.Open(opts.HistoryDB)
		if err != nil {
			logger.Warn("Run history disabled", "path", opts.HistoryDB, "error", err)
		} else {
			orchOpts = append(orchOpts, streams.WithHistory(historyStore))
		}

		orchestrator := streams.NewOrchestrator(streams.Config{
			MaxRetries:        opts.OrchestratorMaxRetries,
			RetryDelay:        opts.OrchestratorRetryDelay,
			ForceKillTimeout:  opts.OrchestratorForceKillTimeout,
			LogLines:          opts.OrchestratorLogLines,
			ReconcileInterval: opts.OrchestratorReconcileInterval,
			EncoderFallback:   opts.OrchestratorEncoderFallback,
		}, streamStore, processor, limiter, orchOpts...)

		sched := scheduler.New(scheduler.Config{
			Interval:  opts.SchedulerInterval,
			Lookahead: opts.SchedulerLookahead,
			Location:  location,
		}, streamStore, orchestrator, scheduler.WithEventBus(eventBus))
		orchestrator.SetWatchdog(sched)

		recoveryOpts := []recovery.Option{}
		if sampler != nil {
			recoveryOpts = append(recoveryOpts, recovery.WithSampler(sampler))
		}
		coordinator := recovery.New(recovery.Config{
			MaxAge:   opts.RecoveryMaxAge,
			Delay:    opts.RecoveryDelay,
			Binary:   opts.FFmpegBinary,
			Location: location,
		}, streamStore, orchestrator, recoveryOpts...)

		apiOpts := &api.Options{
			AuthUsername:      opts.AuthUsername,
			AuthPassword:      opts.AuthPassword,
			Streams:           orchestrator,
			Schedules:         streamStore,
			Encoders:          detector,
			Owners:            limiter,
			Terminations:      sched,
			EventBus:          eventBus,
			PrometheusHandler: exporters.HTTPHandler(),
		}
		if resourceMonitor != nil {
			apiOpts.Usage = resourceMonitor
		}
		if historyStore != nil {
			apiOpts.History = historyStore
		}
		server := api.NewServer(apiOpts)

		recoveryCtx, cancelRecovery := context.WithCancel(context.Background())
		recoveryDone := make(chan struct{})

		hooks.OnStart(func() {
			orchestrator.CleanupManifests()
			orchestrator.StartReconciler()
			sched.Start()

			go func() {
				defer close(recoveryDone)

				detectCtx, cancelDetect := context.WithTimeout(recoveryCtx, encoders.DefaultDetectTimeout)
				detection := detector.Detect(detectCtx)
				cancelDetect()
				logger.Info("Encoder detection ready", "preferred", detection.Preferred, "error", detection.Error)

				report := coordinator.Run(recoveryCtx)
				logger.Info("Recovery finished",
					"resumed", len(report.Resumed),
					"marked_offline", len(report.MarkedOffline),
					"orphans_killed", len(report.OrphansKilled),
					"schedules_resumed", len(report.SchedulesResumed),
					"failed", len(report.Failed))
			}()

			logger.Info("Starting HTTP server", "port", opts.Port)
			if startErr := server.Start(opts.Port); startErr != nil {
				logger.Error("Failed to start HTTP server", "error", startErr)
				os.Exit(1)
			}
		})

		hooks.OnStop(func() {
			logger.Info("Shutting down server")
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if stopErr := server.Stop(ctx); stopErr != nil {
				logger.Error("Error stopping HTTP server", "error", stopErr)
			}

			cancelRecovery()
			<-recoveryDone
			sched.Stop()

			// Encoders are detached and keep running unless asked to stop.
			if opts.ShutdownStopStreams {
				logger.Info("Stopping all streams")
				if stopErr := orchestrator.StopAll(ctx); stopErr != nil {
					logger.Error("Error stopping streams", "error", stopErr)
				}
			}
			orchestrator.Close()

			if resourceMonitor != nil {
				resourceMonitor.Close()
			}
			if catalogWatcher != nil {
				_ = catalogWatcher.Stop()
			}
			if limitsWatcher != nil {
				_ = limitsWatcher.Stop()
			}
			if historyStore != nil {
				if closeErr := historyStore.Close(); closeErr != nil {
					logger.Warn("Error closing history", "error", closeErr)
				}
			}
			metricsExporter.Stop()
		})
	})

	cli.Root().Use = "restreamer"
	cli.Root().AddCommand(cmd.CreateEncodersCmd())
	cli.Root().AddCommand(cmd.CreateCommandCmd())

	// Run the CLI
	cli.Run()
}
