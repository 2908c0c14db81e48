/*
Copyright © 2026 Michael Putera Wardana <michaelputeraw@gmail.com>
*/
package cmd

import (
	"github.com/krobus00/option-feed-service/internal/bootstrap"
	"github.com/spf13/cobra"
)

// marketSnapshotWorkerCmd represents the marketSnapshotWorker command
var marketSnapshotWorkerCmd = &cobra.Command{
	Use:   "market-snapshot-worker",
	Short: "Store the latest market values published by feed-gateway",
	Long: `Consumes market updates published by feed-gateway and keeps the latest
value of every instrument in redis.`,
	Run: bootstrap.StartMarketSnapshotWorker,
}

func init() {
	rootCmd.AddCommand(marketSnapshotWorkerCmd)
}
