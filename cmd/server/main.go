package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "securechat",
	Short: "securechat - end-to-end encrypted room chat server.",
	Long: `securechat serves the encrypted chat API and realtime socket.

Configuration comes from the environment, an optional .env file and the TOML
file named by CHAT_CONFIG_FILE.

Available Commands:
  serve      Run the HTTP and socket server
  migrate    Create or update the database schema
`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
