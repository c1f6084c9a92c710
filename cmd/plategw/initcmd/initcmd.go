package initcmd

import (
	"fmt"

	"github.com/cozy-creator/plate-gateway/internal/templates"

	"github.com/spf13/cobra"
)

var Cmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Write an example config file and env file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) > 0 {
			dir = args[0]
		}

		written, err := templates.WriteExampleTemplates(dir)
		if err != nil {
			return err
		}

		for _, path := range written {
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
		}
		return nil
	},
}
