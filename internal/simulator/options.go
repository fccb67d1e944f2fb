package simulator

import (
	"github.com/WendelHime/swarmsim/internal/event"
	"github.com/WendelHime/swarmsim/internal/peer"
)

type Options struct {
	// Seed feeds the one random generator every component draws from.
	Seed int64

	ChokeInterval    float64
	RequestInterval  float64
	AnnounceInterval float64

	// Latency is added to every message; LinkBandwidth (bytes per time unit)
	// adds transmission time by wire size. Zero bandwidth means instant.
	Latency       float64
	LinkBandwidth float64

	// MaxPeers bounds the tracker answer used for bootstrap connections.
	MaxPeers int

	// Peer is the template every peer config starts from.
	Peer peer.Config

	OnPieceCompleted func(peerID string, owned, total int)
	OnDispatch       func(ev event.Event)
}

func DefaultOptions() Options {
	return Options{
		Seed:             1,
		ChokeInterval:    10,
		RequestInterval:  1,
		AnnounceInterval: 30,
		Latency:          0.05,
		MaxPeers:         peer.DefaultMaxPeers,
		Peer: peer.Config{
			MaxUnchoked:        peer.DefaultMaxUnchoked,
			OptimisticInterval: peer.DefaultOptimisticInterval,
			EndgameThreshold:   peer.DefaultEndgameThreshold,
			BlockSize:          peer.DefaultBlockSize,
			MaxOutstanding:     peer.DefaultMaxOutstanding,
			MaxPeers:           peer.DefaultMaxPeers,
			UploadRate:         64 * 1024,
		},
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ChokeInterval <= 0 {
		o.ChokeInterval = d.ChokeInterval
	}
	if o.RequestInterval <= 0 {
		o.RequestInterval = d.RequestInterval
	}
	if o.AnnounceInterval <= 0 {
		o.AnnounceInterval = d.AnnounceInterval
	}
	if o.Latency < 0 {
		o.Latency = 0
	}
	if o.MaxPeers <= 0 {
		o.MaxPeers = d.MaxPeers
	}
	return o
}

func (o Options) interval(k event.Kind) float64 {
	switch k {
	case event.KindRunUnchokingAlgorithm:
		return o.ChokeInterval
	case event.KindRequestPiece:
		return o.RequestInterval
	default:
		return o.AnnounceInterval
	}
}
