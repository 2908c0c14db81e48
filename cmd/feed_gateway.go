/*
Copyright © 2026 Michael Putera Wardana <michaelputeraw@gmail.com>
*/
package cmd

import (
	"github.com/krobus00/option-feed-service/internal/bootstrap"
	"github.com/spf13/cobra"
)

// feedGatewayCmd represents the feedGateway command
var feedGatewayCmd = &cobra.Command{
	Use:   "feed-gateway",
	Short: "Serve the option feed to websocket clients",
	Long: `Keeps one upstream broker stream subscribed to the strike window around
the live spot, broadcasts market updates to websocket clients and publishes
them to JetStream.`,
	Run: bootstrap.StartFeedGateway,
}

func init() {
	rootCmd.AddCommand(feedGatewayCmd)
}
