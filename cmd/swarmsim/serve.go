package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/WendelHime/swarmsim/internal/report"
	"github.com/spf13/cobra"
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the swarm, then serve its results as JSON",
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

		srv := &http.Server{
			Handler:      report.NewRouter(res, logger),
			Addr:         listenAddr,
			WriteTimeout: 15 * time.Second,
			ReadTimeout:  15 * time.Second,
		}
		fmt.Printf("serving results on http://%s/api/results\n", listenAddr)
		logger.Info("serving results", slog.String("addr", listenAddr))
		return srv.ListenAndServe()
	},
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:8000", "address to serve results on")
	rootCmd.AddCommand(serveCmd)
}
