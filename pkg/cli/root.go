package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/getmockd/warcrec/pkg/config"
	"github.com/getmockd/warcrec/pkg/logging"
)

var (
	// Persistent flags available to all subcommands
	configPath string
	logLevel   string
	logFormat  string
	logFile    string
	jsonOutput bool

	// Version is injected during build
	Version = "dev"
	// Commit is injected during build
	Commit = "none"
	// BuildDate is injected during build
	BuildDate = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "warcrec",
	Short: "warcrec archives browser network traffic as WARC files",
	Long: `warcrec attaches to a Chromium browser over the DevTools protocol, follows
every request, redirect and response of a page, and writes them as WARC/1.0
records.

Configuration can be provided via flags, WARCREC_* environment variables, or a
YAML file. Without --config, warcrec looks for ./.warcrec.yaml and then
<user config dir>/warcrec/config.yaml.`,
	SilenceUsage:  true,
	SilenceErrors: true, // We handle errors in Execute()
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file (default: ./.warcrec.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: text or json")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Also write JSON logs to this file")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output command results in JSON format")
}

// runEnv is the configuration and logger a command runs with.
type runEnv struct {
	cfg      *config.Config
	log      *slog.Logger
	closeLog func() error
	stdout   io.Writer
	stderr   io.Writer
}

func (e *runEnv) close() {
	if e.closeLog != nil {
		_ = e.closeLog()
	}
}

// setup loads and validates the configuration, applying the global flags and
// then apply, and opens the logger.
func setup(cmd *cobra.Command, apply func(cmd *cobra.Command, cfg *config.Config)) (*runEnv, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		setFromFlag(cfg, "logging.level", &cfg.Logging.Level, logLevel)
	}
	if flags.Changed("log-format") {
		setFromFlag(cfg, "logging.format", &cfg.Logging.Format, logFormat)
	}
	if flags.Changed("log-file") {
		setFromFlag(cfg, "logging.file", &cfg.Logging.File, logFile)
	}
	if apply != nil {
		apply(cmd, cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log, closeLog, err := logging.Open(logging.Config{
		Level:  logging.ParseLevel(cfg.Logging.Level),
		Format: logging.ParseFormat(cfg.Logging.Format),
		Output: cmd.ErrOrStderr(),
		File:   cfg.Logging.File,
	})
	if err != nil {
		return nil, err
	}
	return &runEnv{
		cfg:      cfg,
		log:      log,
		closeLog: closeLog,
		stdout:   cmd.OutOrStdout(),
		stderr:   cmd.ErrOrStderr(),
	}, nil
}

// SourceFlag marks values set on the command line in Config.Sources.
const SourceFlag = "flag"

func setFromFlag[T any](cfg *config.Config, field string, dst *T, v T) {
	*dst = v
	cfg.Sources[field] = SourceFlag
}
