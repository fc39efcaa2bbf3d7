// Package cmd wires the agent's command line.
package cmd

import (
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vigilhome/vigil-agent/internal/conf"
	"github.com/vigilhome/vigil-agent/internal/logger"
)

// Version is set at build time with -ldflags "-X .../internal/cmd.Version=...".
var Version = "dev"

// app carries what every subcommand needs once configuration is loaded.
type app struct {
	configFile string
	viper      *viper.Viper
	settings   *conf.Settings
	log        logger.Logger
	logOut     io.Writer
}

// RootCommand returns the vigil-agent command tree logging to stderr.
func RootCommand() *cobra.Command {
	return newRootCommand(os.Stderr)
}

func newRootCommand(logOut io.Writer) *cobra.Command {
	a := &app{logOut: logOut}

	root := &cobra.Command{
		Use:           "vigil-agent",
		Short:         "VIGIL background agent: offline cache, request routing and push delivery",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}

	root.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "config file (default searches ./config.yaml, ~/.config/vigil-agent, /etc/vigil-agent)")
	root.PersistentFlags().String("loglevel", "", "log level: debug, info, warn or error")
	root.PersistentFlags().String("backend", "", "cache backend: memory, sqlite, mysql or redis")

	root.AddCommand(
		serveCommand(a),
		installCommand(a),
		generationsCommand(a),
	)
	return root
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	root := RootCommand()
	if err := root.Execute(); err != nil {
		root.PrintErrln("Error:", err)
		return 1
	}
	return 0
}

func (a *app) load(cmd *cobra.Command) error {
	a.viper = conf.NewViper(a.configFile)
	if err := bindFlag(a.viper, cmd, "main.loglevel", "loglevel"); err != nil {
		return err
	}
	if err := bindFlag(a.viper, cmd, "cache.backend", "backend"); err != nil {
		return err
	}

	s, err := conf.Load(a.viper)
	if err != nil {
		return err
	}
	a.settings = s
	a.log = logger.NewSlogLogger(a.logOut, logger.LogLevel(s.Main.LogLevel), &logger.SlogOptions{JSON: s.Main.LogJSON}).
		With(logger.String("service", s.Main.Name))
	return nil
}

// bindFlag makes an explicitly set flag override the config key.
func bindFlag(v *viper.Viper, cmd *cobra.Command, key, name string) error {
	f := cmd.Flags().Lookup(name)
	if f == nil {
		return nil
	}
	return v.BindPFlag(key, f)
}
