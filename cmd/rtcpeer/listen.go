package main

import (
	"github.com/spf13/cobra"

	"github.com/mossy-p/rtcnet/internal/network"
)

var conference bool

var listenCmd = &cobra.Command{
	Use:   "listen [address]",
	Short: "Publish an address and accept connections on it",
	Long: `Publish an address on the relay. An empty address asks the relay to pick
one. With --conference every peer listening on the address is connected to
every other, which needs the relay's /ws/conference endpoint.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		address := ""
		if len(args) == 1 {
			address = args[0]
		}
		return run(cmd.Context(), func(m *network.ConnectionManager) {
			m.StartServer(address)
		})
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect <address>",
	Short: "Connect to a peer listening on address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), func(m *network.ConnectionManager) {
			m.Connect(args[0])
		})
	},
}

func init() {
	listenCmd.Flags().BoolVar(&conference, "conference", false, "use a shared conference address")
	rootCmd.AddCommand(listenCmd, connectCmd)
}
