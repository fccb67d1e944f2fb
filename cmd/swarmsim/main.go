package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/WendelHime/swarmsim/internal/config"
	"github.com/WendelHime/swarmsim/internal/simulator"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var flags struct {
	dir        string
	commonPath string
	peersPath  string
	logFile    string
	logLevel   string
	endTime    float64
	maxEvents  int
	quiet      bool

	seed          int64
	latency       float64
	bandwidth     float64
	uploadRate    float64
	maxPeers      int
	maxUnchoked   int
	chokeInterval float64
}

var rootCmd = &cobra.Command{
	Use:           "swarmsim",
	Short:         "Discrete-event simulator of a BitTorrent swarm",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	defaults := simulator.DefaultOptions()
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.dir, "dir", ".", "working directory holding the content and the per-peer copies")
	pf.StringVar(&flags.commonPath, "common", "Common.cfg", "path to Common.cfg")
	pf.StringVar(&flags.peersPath, "peers", "PeerInfo.cfg", "path to PeerInfo.cfg")
	pf.StringVar(&flags.logFile, "log-file", "log.txt", "where the JSON log is written")
	pf.StringVar(&flags.logLevel, "log-level", "info", "debug, info, warn or error")
	pf.Float64Var(&flags.endTime, "end-time", 10000, "stop once the next event is past this time (0 = no limit)")
	pf.IntVar(&flags.maxEvents, "max-events", 0, "stop after this many events (0 = no limit)")
	pf.BoolVar(&flags.quiet, "quiet", false, "hide the progress bar")
	pf.Int64Var(&flags.seed, "seed", defaults.Seed, "random seed")
	pf.Float64Var(&flags.latency, "latency", defaults.Latency, "per-message latency in time units")
	pf.Float64Var(&flags.bandwidth, "bandwidth", defaults.LinkBandwidth, "link bandwidth in bytes per time unit (0 = instant)")
	pf.Float64Var(&flags.uploadRate, "upload-rate", defaults.Peer.UploadRate, "per-peer upload rate in bytes per time unit (0 = unthrottled)")
	pf.IntVar(&flags.maxPeers, "max-peers", defaults.MaxPeers, "peers asked from the tracker")
	pf.IntVar(&flags.maxUnchoked, "max-unchoked", defaults.Peer.MaxUnchoked, "unchoked slots per peer, optimistic one included")
	pf.Float64Var(&flags.chokeInterval, "choke-interval", defaults.ChokeInterval, "time between choking rounds")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() (*slog.Logger, func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(flags.logLevel)); err != nil {
		return nil, nil, fmt.Errorf("log level: %w", err)
	}
	logOut, err := os.Create(flags.logFile)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: level}))
	return logger, func() { logOut.Close() }, nil
}

func options() simulator.Options {
	opts := simulator.DefaultOptions()
	opts.Seed = flags.seed
	opts.Latency = flags.latency
	opts.LinkBandwidth = flags.bandwidth
	opts.MaxPeers = flags.maxPeers
	opts.ChokeInterval = flags.chokeInterval
	opts.Peer.UploadRate = flags.uploadRate
	opts.Peer.MaxUnchoked = flags.maxUnchoked
	opts.Peer.MaxPeers = flags.maxPeers
	return opts
}

// simulate builds the swarm described by the config files and runs it to the end.
func simulate(ctx context.Context, logger *slog.Logger) (simulator.Results, error) {
	fs := afero.NewOsFs()
	conf, err := config.Load(fs, flags.commonPath, flags.peersPath)
	if err != nil {
		return simulator.Results{}, err
	}

	var bar *progressbar.ProgressBar
	opts := options()
	opts.OnPieceCompleted = func(peerID string, owned, total int) {
		if bar != nil {
			bar.Add(1)
		}
	}

	sim, err := simulator.Build(conf, opts, fs, flags.dir, logger)
	if err != nil {
		return simulator.Results{}, err
	}
	if err := sim.Initialize(); err != nil {
		return simulator.Results{}, err
	}
	if !flags.quiet {
		missing := int64(sim.PeerCount().Leechers * sim.Metafile().Info.NumPieces())
		bar = progressbar.Default(missing, "pieces")
		defer bar.Finish()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	return sim.Run(ctx, flags.endTime, flags.maxEvents)
}

func printSummary(res simulator.Results) {
	fmt.Printf("\nstopped at t=%.3f (%s) after %d events: %d/%d peers seeding\n",
		res.EndTime, res.Reason, res.Events, res.Seeds(), len(res.Peers))
	for _, id := range res.PeerIDs() {
		p := res.Peers[id]
		completed := "-"
		if p.CompletedAt >= 0 {
			completed = fmt.Sprintf("%.3f", p.CompletedAt)
		}
		fmt.Printf("  %-8s %3d/%-3d completed=%-10s up=%-10d down=%d\n",
			id, p.PiecesOwned, p.TotalPieces, completed, p.Uploaded, p.Downloaded)
	}
}
