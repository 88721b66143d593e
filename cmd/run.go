package cmd

import (
	"github.com/AshutoshRajSingh/Zeta/zeta"
	"github.com/spf13/cobra"
	"log"
)

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Connects to discord and starts the bot (and the admin API, if enabled)",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		bot, err := zeta.New(cfg)
		if err != nil {
			log.Fatalf("error creating bot: %s", err.Error())
		}
		if err = bot.Run(cmd.Context()); err != nil {
			log.Fatalf("error running bot: %s", err.Error())
		}
	},
}

//nolint:gochecknoinits // cobra registration
func init() {
	rootCmd.AddCommand(runCmd)
}
