package cmd

import (
	"fmt"
	"os"

	// Subcommands
	batch "github.com/cozy-creator/plate-gateway/cmd/plategw/batch"
	initcmd "github.com/cozy-creator/plate-gateway/cmd/plategw/initcmd"
	mockbackend "github.com/cozy-creator/plate-gateway/cmd/plategw/mockbackend"
	run "github.com/cozy-creator/plate-gateway/cmd/plategw/run"
	"github.com/cozy-creator/plate-gateway/internal/config"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var Cmd = &cobra.Command{
	Use:   "plategw",
	Short: "License plate detection gateway",
	Long:  "An HTTP gateway in front of a license plate detection service, with batch blurring of zip archives",

	SilenceUsage: true,

	// Runs before this command and any subcommands
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config.BindEnvs(viper.GetViper())

		if err := viper.BindPFlags(cmd.PersistentFlags()); err != nil {
			return err
		}

		// Load config and env files
		return config.LoadEnvAndConfigFiles()
	},
}

func Execute() {
	if err := Cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	pflags := Cmd.PersistentFlags()

	pflags.String("config-file", "", "Path to the config file")
	pflags.String("env-file", "", "Path to the env file")

	viper.BindPFlag("config_file", pflags.Lookup("config-file"))
	viper.BindPFlag("env_file", pflags.Lookup("env-file"))

	Cmd.AddCommand(run.Cmd, batch.Cmd, mockbackend.Cmd, initcmd.Cmd)
	Cmd.CompletionOptions.HiddenDefaultCmd = true
}
