package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/droverhq/drover/internal/data"
	"github.com/droverhq/drover/internal/fetch"
	"github.com/droverhq/drover/internal/log"
	"github.com/droverhq/drover/internal/model"
	"github.com/droverhq/drover/internal/payload"
	"github.com/droverhq/drover/internal/pipeline"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
)

var (
	userConfigPath string // /default/config/path/drover on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "drover")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is drover.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initDrover

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("drover failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "drover",
	Short:        "Worker node agent pulling and supervising payload jobs",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run command reads the configuration and processes jobs until stopped",
	RunE:  doRun,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provides version of a drover",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("drover: version info not available")
		}

		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("drover: %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	attrs := slog.Group("drover",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	pargs, err := pipelineArgs(config)
	if err != nil {
		return err
	}

	traces, err := pipeline.Run(ctx, pargs)
	if err != nil {
		return err
	}
	if traces.Status() != pipeline.StatusSuccess {
		return fmt.Errorf("pipeline finished with failures: %d of %d jobs failed",
			traces.Failed(), traces.Jobs())
	}
	return nil
}

// pipelineArgs translates the validated configuration into orchestrator
// arguments.
func pipelineArgs(cfg model.Config) (pipeline.Args, error) {
	var zero pipeline.Args

	var lifetime time.Duration
	if cfg.Agent.Lifetime != nil && *cfg.Agent.Lifetime != "" {
		d, err := time.ParseDuration(*cfg.Agent.Lifetime)
		if err != nil {
			return zero, fmt.Errorf("parsing agent.lifetime: %w", err)
		}
		lifetime = d
	}

	var monitorCron string
	var monitorEvery time.Duration
	if cfg.Agent.Monitor != nil {
		if cfg.Agent.Monitor.Cron != nil {
			monitorCron = *cfg.Agent.Monitor.Cron
			if err := pipeline.ParseCron(monitorCron); err != nil {
				return zero, fmt.Errorf("parsing agent.monitor.cron: %w", err)
			}
		}
		if cfg.Agent.Monitor.Every != nil && *cfg.Agent.Monitor.Every != "" {
			d, err := time.ParseDuration(*cfg.Agent.Monitor.Every)
			if err != nil {
				return zero, fmt.Errorf("parsing agent.monitor.every: %w", err)
			}
			monitorEvery = d
		}
	}

	return pipeline.Args{
		Stop:          &pipeline.StopFlag{},
		Source:        fetch.NewSpoolSource(cfg.Agent.Spool, cfg.Agent.Workdir),
		Stager:        data.NewLocalStager(cfg.Agent.Spool, filepath.Join(cfg.Agent.Spool, "export")),
		Builder:       payload.NewGenericBuilder(cfg),
		Lifetime:      lifetime,
		MonitorCron:   monitorCron,
		MonitorEvery:  monitorEvery,
		PayloadStdout: cfg.PayloadStdout(),
		PayloadStderr: cfg.PayloadStderr(),
	}, nil
}

func initDrover(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("DROVERCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "drover.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig()
		configPath = filepath.Join(userConfigPath, "drover.yaml")
		err := os.MkdirAll(filepath.Dir(configPath), 0755)
		if err != nil {
			return fmt.Errorf("creating directory %s: %w", filepath.Dir(configPath), err)
		}

		f, err := os.Create(configPath)
		if err != nil {
			return fmt.Errorf("creating file %s: %w", configPath, err)
		}
		defer func() {
			_ = f.Close()
		}()
		enc := yaml.NewEncoder(f)
		err = enc.Encode(config)
		if err != nil {
			return fmt.Errorf("storing configuration: %w", err)
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		loaded, err := model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error(d)
			}
			return fmt.Errorf("parsing config: %w", err)
		}
		config = *loaded
	}

	// --verbose has a precedence over config file
	verbose := config.Agent.Verbose != nil && *config.Agent.Verbose
	if flagVerbose {
		verbose = true
	}

	slog.SetDefault(log.New(verbose))

	slog.Debug("drover run", "configPath", configPath)
	slog.Debug("drover run", "config", config)
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
