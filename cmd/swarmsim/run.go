package main

import (
	"log/slog"
	"os"

	"github.com/WendelHime/swarmsim/internal/report"
	"github.com/spf13/cobra"
)

var csvPath string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the swarm described by Common.cfg and PeerInfo.cfg",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, closeLog, err := newLogger()
		if err != nil {
			return err
		}
		defer closeLog()

		res, err := simulate(cmd.Context(), logger)
		if err != nil {
			logger.Error("simulation failed", slog.Any("error", err))
			return err
		}
		printSummary(res)

		if csvPath == "" {
			return nil
		}
		f, err := os.Create(csvPath)
		if err != nil {
			return err
		}
		defer f.Close()
		return report.WriteCSV(f, res)
	},
}

func init() {
	runCmd.Flags().StringVar(&csvPath, "csv", "", "write per-peer results to this CSV file")
	rootCmd.AddCommand(runCmd)
}
