package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "mqtt-client",
	Short: "MQTT 3.1.1 publish/subscribe client",
	Long: `A small MQTT 3.1.1 client that keeps its session across reconnects.

Broker address, session persistence, retry and reconnect behaviour are read
from the configuration file. A default file is written on first start.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "configuration file (json or yaml)")
	rootCmd.AddCommand(subscribeCmd, publishCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
