package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "recambio",
	Short: "Turn workshop chat messages into purchase orders",
	Long: `Recambio receives chat messages from workshops, stores them per client and
keeps a plate-keyed ledger of purchase orders reconciled from the whole
conversation.`,
}

// Execute runs the root command. It is called once by main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
