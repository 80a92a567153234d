package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/compose-network/recordtap/log"
	"github.com/compose-network/recordtap/recordtap-app/config"
	"github.com/compose-network/recordtap/x/stream"
	"github.com/compose-network/recordtap/x/transport"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "recordtap",
		Short: "Record tap relay",
		Long: banner + "\n\nA TCP relay that taps a length-prefixed binary stream, " +
			"reassembles typed records and exports them.",
		RunE:          runApp,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run:   runVersion,
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE:  runConfig,
	}
)

const banner = `
██████╗ ███████╗ ██████╗ ██████╗ ██████╗ ██████╗ ████████╗ █████╗ ██████╗
██╔══██╗██╔════╝██╔════╝██╔═══██╗██╔══██╗██╔══██╗╚══██╔══╝██╔══██╗██╔══██╗
██████╔╝█████╗  ██║     ██║   ██║██████╔╝██║  ██║   ██║   ███████║██████╔╝
██╔══██╗██╔══╝  ██║     ██║   ██║██╔══██╗██║  ██║   ██║   ██╔══██║██╔═══╝
██║  ██║███████╗╚██████╗╚██████╔╝██║  ██║██████╔╝   ██║   ██║  ██║██║
╚═╝  ╚═╝╚══════╝ ╚═════╝ ╚═════╝ ╚═╝  ╚═╝╚═════╝    ╚═╝   ╚═╝  ╚═╝╚═╝`

func main() {
	if err := execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func execute() error {
	initCommands()
	return rootCmd.Execute()
}

func initCommands() {
	// Add subcommands
	rootCmd.AddCommand(versionCmd, configCmd, newDecodeCmd())

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (YAML)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-pretty", false, "enable pretty logging")

	// Relay flags
	rootCmd.PersistentFlags().String("listen-addr", "", "relay listen address")
	rootCmd.PersistentFlags().String("upstream-addr", "", "upstream server address")
	rootCmd.PersistentFlags().Int("max-connections", 0, "maximum concurrent relayed connections")

	// Decoder flags
	rootCmd.PersistentFlags().String("direction", "", "directions to decode (server, client, both)")
	rootCmd.PersistentFlags().String("decoder-mode", "", "decoder mode (sync, pipeline)")
	rootCmd.PersistentFlags().Bool("flush-on-close", false, "export unfinished records at connection teardown")
	rootCmd.PersistentFlags().String("output-dir", "", "guild members CSV output directory")

	// API flags
	rootCmd.PersistentFlags().String("api-addr", "", "HTTP API listen address")
	rootCmd.PersistentFlags().Bool("metrics", false, "enable metrics")
}

// loadConfig reads the config file and applies command-line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	applyFlags(cmd, cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flags: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*log.Logger, error) {
	return log.NewWithOutput(cfg.Log.Level, cfg.Log.Pretty, cfg.Log.Output, cfg.Log.File)
}

func runApp(cmd *cobra.Command, _ []string) error {
	fmt.Println(banner)
	fmt.Println()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Close()

	logger.Info().
		Str("version", Version).
		Str("build_time", BuildTime).
		Str("git_commit", GitCommit).
		Str("go_version", runtime.Version()).
		Msg("Build information")

	logger.Info().
		Str("config_file", cfgFile).
		Str("listen_addr", cfg.Relay.ListenAddr).
		Str("upstream_addr", cfg.Relay.UpstreamAddr).
		Str("decoder_mode", string(cfg.Decoder.Mode)).
		Str("header_underflow", string(cfg.Decoder.HeaderUnderflow)).
		Bool("flush_on_close", cfg.Decoder.FlushOnClose).
		Bool("metrics_enabled", cfg.Metrics.Enabled).
		Str("log_level", cfg.Log.Level).
		Msg("Configuration loaded")

	application, err := NewApp(cmd.Context(), cfg, logger.Logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(cmd.Context())
}

func runVersion(*cobra.Command, []string) {
	fmt.Println(banner)
	fmt.Println()
	fmt.Printf("Record Tap\n")
	fmt.Printf("Version:    %s\n", Version)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Git Commit: %s\n", GitCommit)
	fmt.Printf("Go Version: %s\n", runtime.Version())
	fmt.Printf("OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

func runConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	changed := func(name string) bool {
		f := flags.Lookup(name)
		return f != nil && f.Changed
	}

	if changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if changed("log-pretty") {
		cfg.Log.Pretty, _ = flags.GetBool("log-pretty")
	}

	if changed("listen-addr") {
		cfg.Relay.ListenAddr, _ = flags.GetString("listen-addr")
	}
	if changed("upstream-addr") {
		cfg.Relay.UpstreamAddr, _ = flags.GetString("upstream-addr")
	}
	if changed("max-connections") {
		cfg.Relay.MaxConnections, _ = flags.GetInt("max-connections")
	}

	if changed("direction") {
		dir, _ := flags.GetString("direction")
		cfg.Decoder.Direction = transport.DirectionFilter(dir)
	}
	if changed("decoder-mode") {
		mode, _ := flags.GetString("decoder-mode")
		cfg.Decoder.Mode = stream.Mode(mode)
	}
	if changed("flush-on-close") {
		cfg.Decoder.FlushOnClose, _ = flags.GetBool("flush-on-close")
	}
	if changed("output-dir") {
		cfg.Records.GuildMembers.OutputDir, _ = flags.GetString("output-dir")
	}

	if changed("api-addr") {
		cfg.API.ListenAddr, _ = flags.GetString("api-addr")
	}
	if changed("metrics") {
		cfg.Metrics.Enabled, _ = flags.GetBool("metrics")
	}
}
