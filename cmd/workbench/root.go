package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"workbench/internal/config"
	"workbench/internal/observability"
)

var (
	blue   = color.New(color.FgBlue).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// flag keys; viper only reports a key as set when the flag was changed.
const (
	flagConfig     = "config"
	flagLogLevel   = "log-level"
	flagSandbox    = "sandbox"
	flagWorkdir    = "workdir"
	flagSandboxURL = "sandbox-url"
	flagTelemetry  = "telemetry-url"
	flagChatURL    = "chat-url"
	flagAddr       = "addr"
	flagNoColor    = "no-color"
)

type cli struct {
	v *viper.Viper
}

func newRootCommand() *cobra.Command {
	c := &cli{v: viper.New()}
	root := &cobra.Command{
		Use:           "workbench",
		Short:         "Run assistant-generated artifacts against a sandbox",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			if c.v.GetBool(flagNoColor) || !isTerminal(os.Stdout) {
				color.NoColor = true
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.String(flagConfig, "", "Config file (default ./"+config.DefaultConfigFile+" when present)")
	flags.String(flagLogLevel, "", "Log level: debug, info, warn, error")
	flags.String(flagSandbox, "", "Sandbox mode: local or remote")
	flags.String(flagWorkdir, "", "Project directory for the local sandbox")
	flags.String(flagSandboxURL, "", "Base URL of the remote sandbox service")
	flags.String(flagTelemetry, "", "Base URL of the log and file sink")
	flags.String(flagChatURL, "", "Chat endpoint of the generation backend")
	flags.Bool(flagNoColor, false, "Disable colored output")

	root.AddCommand(newRunCommand(c))
	root.AddCommand(newServeCommand(c))
	root.AddCommand(newConfigCommand(c))
	return root
}

// loadConfig resolves defaults, the config file, WORKBENCH_* variables and
// changed flags, in that order.
func (c *cli) loadConfig() (config.Config, config.Metadata, error) {
	opts := []config.Option{config.WithOverrides(c.overrides())}
	if path := c.configPath(); path != "" {
		opts = append(opts, config.WithConfigPath(path))
	}
	cfg, meta, err := config.Load(opts...)
	if err != nil {
		return config.Config{}, config.Metadata{}, err
	}
	observability.SetDefault(observability.NewLogger(cfg.Log))
	return cfg, meta, nil
}

func (c *cli) configPath() string {
	if path := c.v.GetString(flagConfig); path != "" {
		return path
	}
	if _, err := os.Stat(config.DefaultConfigFile); err == nil {
		return config.DefaultConfigFile
	}
	return ""
}

func (c *cli) overrides() config.Overrides {
	var o config.Overrides
	o.LogLevel = c.stringFlag(flagLogLevel)
	o.SandboxMode = c.stringFlag(flagSandbox)
	o.Workdir = c.stringFlag(flagWorkdir)
	o.SandboxBaseURL = c.stringFlag(flagSandboxURL)
	o.TelemetryBaseURL = c.stringFlag(flagTelemetry)
	o.ChatURL = c.stringFlag(flagChatURL)
	o.ServerAddr = c.stringFlag(flagAddr)
	return o
}

func (c *cli) stringFlag(key string) *string {
	if !c.v.IsSet(key) {
		return nil
	}
	value := c.v.GetString(key)
	return &value
}

func newConfigCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.DefaultConfigFile
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.Save(path, config.Default(), force); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), green("Wrote "+path))
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")
	cmd.AddCommand(initCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration and where each value came from",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, meta, err := c.loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if meta.Path() != "" {
				fmt.Fprintln(out, gray("# loaded from "+meta.Path()))
			}
			rows := []struct{ key, value string }{
				{"log.level", cfg.Log.Level},
				{"sandbox.mode", cfg.Sandbox.Mode},
				{"sandbox.workdir", cfg.Sandbox.Workdir},
				{"sandbox.base_url", cfg.Sandbox.BaseURL},
				{"telemetry.base_url", cfg.Telemetry.BaseURL},
				{"chat.url", cfg.Chat.URL},
				{"history.dir", cfg.History.Dir},
				{"server.addr", cfg.Server.Addr},
			}
			for _, row := range rows {
				fmt.Fprintf(out, "%-20s %s %s\n", bold(row.key), row.value, gray("("+string(meta.Source(row.key))+")"))
			}
			return nil
		},
	})
	return cmd
}
