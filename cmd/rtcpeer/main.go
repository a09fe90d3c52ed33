package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath    string
	transportName string
	relayAddress  string
	token         string
	loopback      bool
)

var rootCmd = &cobra.Command{
	Use:   "rtcpeer",
	Short: "Open peer-to-peer data connections through an rtcnet relay",
	Long: `rtcpeer listens on or connects to a relay address and opens WebRTC data
connections to the peers it finds there. Lines typed on stdin are sent to
every open connection; received messages are printed.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "YAML config file")
	flags.StringVarP(&transportName, "transport", "t", "websocket", "relay transport: websocket, text or mqtt")
	flags.StringVarP(&relayAddress, "relay", "r", "", "relay URL, host:port or broker (default from config)")
	flags.StringVar(&token, "token", os.Getenv("RTCNET_TOKEN"), "JWT for relays that require authentication")
	flags.BoolVar(&loopback, "loopback", false, "gather loopback ICE candidates")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
