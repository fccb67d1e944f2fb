// Package peer implements a swarm member: its connection table, the choke and
// interest handshakes, rarest-first piece selection and tit-for-tat choking.
//
// A Peer never reaches into another Peer. Everything it wants to happen
// elsewhere goes out through the Env it is handed on each call.
package peer

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"slices"

	"github.com/WendelHime/swarmsim/internal/bitfield"
	"github.com/WendelHime/swarmsim/internal/message"
	"github.com/WendelHime/swarmsim/internal/shared/models"
	"github.com/WendelHime/swarmsim/internal/storage"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/samber/lo"
	"golang.org/x/time/rate"
)

var (
	ErrInvalidConfig   = errors.New("invalid peer config")
	ErrInvalidMetafile = errors.New("metafile has no pieces")
	ErrStorageMismatch = errors.New("storage does not match metafile")
)

const (
	DefaultMaxUnchoked        = 4
	DefaultOptimisticInterval = 30.0
	DefaultEndgameThreshold   = 0.9
	DefaultBlockSize          = 16 * 1024
	DefaultMaxPeers           = 5
	DefaultMaxOutstanding     = 2
	DefaultHandshakeHeader    = "P2PFILESHARINGPROJ"

	// MinIdleAge is how long a connection must exist before a full peer may
	// drop it for being useless in both directions.
	MinIdleAge = 1.0
)

// Env is the peer's view of the simulation it runs in.
type Env interface {
	Now() float64
	Rand() *rand.Rand
	// Send delivers msg to the peer with id to after delay plus network time.
	Send(to string, msg message.Message, delay float64)
	// Announce reports owned pieces to the tracker and returns peers to connect to.
	Announce(owned []int, maxPeers int) []models.PeerInfo
	// Close tells to that we dropped, or refused, the connection with it.
	Close(to string)
}

type Config struct {
	ID     string
	Addr   models.Addr
	IsSeed bool

	HandshakeHeader string
	// MaxConnections caps the connection table; zero means no cap.
	MaxConnections     int
	MaxUnchoked        int
	OptimisticInterval float64
	EndgameThreshold   float64
	BlockSize          int
	MaxOutstanding     int
	MaxPeers           int
	// UploadRate is in bytes per time unit; zero means unthrottled.
	UploadRate float64
}

func (c Config) withDefaults() Config {
	if c.HandshakeHeader == "" {
		c.HandshakeHeader = DefaultHandshakeHeader
	}
	if c.MaxUnchoked <= 0 {
		c.MaxUnchoked = DefaultMaxUnchoked
	}
	if c.OptimisticInterval <= 0 {
		c.OptimisticInterval = DefaultOptimisticInterval
	}
	if c.EndgameThreshold <= 0 {
		c.EndgameThreshold = DefaultEndgameThreshold
	}
	if c.BlockSize <= 0 {
		c.BlockSize = DefaultBlockSize
	}
	if c.MaxOutstanding <= 0 {
		c.MaxOutstanding = DefaultMaxOutstanding
	}
	if c.MaxPeers <= 0 {
		c.MaxPeers = DefaultMaxPeers
	}
	return c
}

type OptimisticUnchoke struct {
	Time float64
	Peer string
}

type Stats struct {
	Uploaded           int64
	Downloaded         int64
	PiecesCompleted    int
	DuplicateFragments int
	HashFailures       int
	RequestsSent       int
	RequestsIgnored    int
	HavesSent          int
	// CompletedAt is when the peer became a seed, -1 while it is a leecher.
	CompletedAt        float64
	OptimisticUnchokes []OptimisticUnchoke
}

type Peer struct {
	cfg   Config
	meta  models.Metafile
	store storage.Storage
	log   *slog.Logger

	isSeed   bool
	bitfield *bitfield.BitField
	conns    map[string]*ConnectionState
	rarity   map[int]int

	downloadRate map[string]float64
	uploadRate   map[string]float64
	lastReceived map[string]float64
	lastSent     map[string]float64

	requested map[int]mapset.Set[string]
	partial   map[int]*assembly
	limiter   *rate.Limiter

	lastOptimistic float64
	optimistic     string

	stats Stats
}

func New(cfg Config, meta models.Metafile, store storage.Storage, logger *slog.Logger) (*Peer, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: empty id", ErrInvalidConfig)
	}
	n := meta.Info.NumPieces()
	if n == 0 || len(meta.Info.PiecesHashes) != n {
		return nil, ErrInvalidMetafile
	}
	if store == nil || store.NumPieces() != n || store.PieceSize() != meta.Info.PieceLength {
		return nil, ErrStorageMismatch
	}
	cfg = cfg.withDefaults()

	p := &Peer{
		cfg:            cfg,
		meta:           meta,
		store:          store,
		log:            logger.With(slog.String("peer", cfg.ID)),
		bitfield:       bitfield.New(n),
		conns:          make(map[string]*ConnectionState),
		rarity:         make(map[int]int),
		downloadRate:   make(map[string]float64),
		uploadRate:     make(map[string]float64),
		lastReceived:   make(map[string]float64),
		lastSent:       make(map[string]float64),
		requested:      make(map[int]mapset.Set[string]),
		partial:        make(map[int]*assembly),
		lastOptimistic: math.Inf(-1),
		stats:          Stats{CompletedAt: -1},
	}
	if cfg.IsSeed {
		p.bitfield = bitfield.Full(n)
		p.isSeed = true
		p.stats.CompletedAt = 0
	}
	if cfg.UploadRate > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.UploadRate), max(cfg.BlockSize, int(cfg.UploadRate)))
	}
	return p, nil
}

func (p *Peer) ID() string {
	return p.cfg.ID
}

func (p *Peer) Info() models.PeerInfo {
	return models.PeerInfo{ID: p.cfg.ID, Addr: p.cfg.Addr, IsSeed: p.isSeed}
}

func (p *Peer) IsSeed() bool {
	return p.isSeed
}

func (p *Peer) NumPieces() int {
	return p.bitfield.Len()
}

func (p *Peer) OwnedCount() int {
	return p.bitfield.OwnedCount()
}

// Bitfield returns a copy of what the peer owns.
func (p *Peer) Bitfield() *bitfield.BitField {
	return p.bitfield.Clone()
}

func (p *Peer) Rarity(index int) int {
	return p.rarity[index]
}

// Connections lists connected peer ids in ascending order.
func (p *Peer) Connections() []string {
	ids := lo.Keys(p.conns)
	slices.Sort(ids)
	return ids
}

func (p *Peer) Connection(id string) (ConnectionState, bool) {
	conn, ok := p.conns[id]
	if !ok {
		return ConnectionState{}, false
	}
	c := *conn
	if c.Remote != nil {
		c.Remote = c.Remote.Clone()
	}
	return c, true
}

// Outstanding lists the peers a piece is currently requested from.
func (p *Peer) Outstanding(index int) []string {
	set, ok := p.requested[index]
	if !ok {
		return nil
	}
	ids := set.ToSlice()
	slices.Sort(ids)
	return ids
}

func (p *Peer) DownloadRate(id string) float64 {
	return p.downloadRate[id]
}

func (p *Peer) Stats() Stats {
	s := p.stats
	s.OptimisticUnchokes = slices.Clone(p.stats.OptimisticUnchokes)
	return s
}

func (p *Peer) full() bool {
	return p.cfg.MaxConnections > 0 && len(p.conns) >= p.cfg.MaxConnections
}
