// Package cmd assembles the CLI.
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mikkohei13/quiet-observer/cmd/serve"
	"github.com/mikkohei13/quiet-observer/internal/conf"
)

// RootCommand creates the root command with its subcommands.
func RootCommand(settings *conf.Settings) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "quiet-observer",
		Short: "Stream monitoring with a retrainable object detector",
	}

	setupFlags(rootCmd, settings)

	rootCmd.AddCommand(serve.Command(settings))

	return rootCmd
}

func setupFlags(rootCmd *cobra.Command, settings *conf.Settings) {
	flags := rootCmd.PersistentFlags()

	flags.BoolVarP(&settings.Debug, "debug", "d", settings.Debug, "Enable debug logging")
	flags.StringVar(&settings.DataDir, "data-dir", settings.DataDir, "Root directory for frames and artifacts")
	flags.StringVar(&settings.WebServer.Host, "host", settings.WebServer.Host, "API listen host")
	flags.StringVar(&settings.WebServer.Port, "port", settings.WebServer.Port, "API listen port")

	_ = viper.BindPFlag("debug", flags.Lookup("debug"))
	_ = viper.BindPFlag("datadir", flags.Lookup("data-dir"))
	_ = viper.BindPFlag("webserver.host", flags.Lookup("host"))
	_ = viper.BindPFlag("webserver.port", flags.Lookup("port"))
}
