// Package tracker is the swarm's central directory: it knows every member,
// what each one owns, and hands out peer lists biased toward seeds.
package tracker

import (
	"errors"
	"log/slog"
	"math/rand"
	"sort"

	"github.com/WendelHime/swarmsim/internal/shared/models"
	"github.com/samber/lo"
)

var ErrTorrentInfoConflict = errors.New("torrent info already set with different values")

type Tracker interface {
	Register(peerID, host string, port int, isSeed bool, owned []int) bool
	UpdatePieces(peerID string, owned []int) bool
	SelectPeers(requester string, maxPeers int) []models.PeerInfo
	SetTorrentInfo(numPieces int, fileSize int64) error
	Deregister(peerID string) bool
	Lookup(peerID string) (models.PeerInfo, bool)
	PeerCount() Count
	TorrentInfo() TorrentInfo
}

type TorrentInfo struct {
	NumPieces int
	PieceSize int
	FileSize  int64
}

type Count struct {
	Total    int
	Seeds    int
	Leechers int
}

type entry struct {
	addr   models.Addr
	isSeed bool
	owned  map[int]struct{}
}

type tracker struct {
	registry map[string]*entry
	torrent  TorrentInfo
	infoSet  bool
	rng      *rand.Rand
	log      *slog.Logger
}

// NewTracker builds an empty registry. rng is the simulation's generator and is
// the only source of randomness used to order peer lists.
func NewTracker(pieceSize int, rng *rand.Rand, logger *slog.Logger) Tracker {
	return &tracker{
		registry: make(map[string]*entry),
		torrent:  TorrentInfo{PieceSize: pieceSize},
		rng:      rng,
		log:      logger,
	}
}

func (t *tracker) Register(peerID, host string, port int, isSeed bool, owned []int) bool {
	if peerID == "" {
		return false
	}
	e, ok := t.registry[peerID]
	if !ok {
		e = &entry{}
		t.registry[peerID] = e
	}
	e.addr = models.Addr{Host: host, Port: port}
	e.isSeed = e.isSeed || isSeed
	e.owned = toSet(owned)
	t.log.Debug("peer registered", slog.String("peer", peerID), slog.String("addr", e.addr.String()), slog.Bool("seed", e.isSeed))
	return true
}

func (t *tracker) UpdatePieces(peerID string, owned []int) bool {
	e, ok := t.registry[peerID]
	if !ok {
		t.log.Warn("update for unregistered peer", slog.String("peer", peerID))
		return false
	}
	e.owned = toSet(owned)
	if !e.isSeed && t.torrent.NumPieces > 0 && len(e.owned) == t.torrent.NumPieces {
		e.isSeed = true
		t.log.Info("peer became a seed", slog.String("peer", peerID))
	}
	return true
}

// SelectPeers returns up to maxPeers members other than the requester. At least
// half of the quota, rounded up, goes to seeds when any exist; leechers fill
// the rest and leftover seeds backfill. maxPeers <= 0 returns everyone.
func (t *tracker) SelectPeers(requester string, maxPeers int) []models.PeerInfo {
	ids := lo.Filter(lo.Keys(t.registry), func(id string, _ int) bool { return id != requester })
	sort.Strings(ids)
	if maxPeers <= 0 || maxPeers > len(ids) {
		maxPeers = len(ids)
	}

	isSeed := func(id string, _ int) bool { return t.registry[id].isSeed }
	seeds, leechers := lo.Filter(ids, isSeed), lo.Reject(ids, isSeed)
	t.rng.Shuffle(len(seeds), func(i, j int) { seeds[i], seeds[j] = seeds[j], seeds[i] })
	t.rng.Shuffle(len(leechers), func(i, j int) { leechers[i], leechers[j] = leechers[j], leechers[i] })

	seedQuota := 0
	if len(seeds) > 0 {
		seedQuota = min(max(1, (maxPeers+1)/2), len(seeds), maxPeers)
	}
	selected := make([]string, 0, maxPeers)
	selected = append(selected, seeds[:seedQuota]...)
	take := min(maxPeers-len(selected), len(leechers))
	selected = append(selected, leechers[:take]...)
	if left := maxPeers - len(selected); left > 0 {
		selected = append(selected, seeds[seedQuota:seedQuota+min(left, len(seeds)-seedQuota)]...)
	}

	return lo.Map(selected, func(id string, _ int) models.PeerInfo {
		return t.info(id)
	})
}

func (t *tracker) SetTorrentInfo(numPieces int, fileSize int64) error {
	if t.infoSet {
		if t.torrent.NumPieces == numPieces && t.torrent.FileSize == fileSize {
			return nil
		}
		return ErrTorrentInfoConflict
	}
	t.torrent.NumPieces = numPieces
	t.torrent.FileSize = fileSize
	t.infoSet = true
	t.log.Info("torrent info set", slog.Int("num_pieces", numPieces), slog.Int64("file_size", fileSize))
	return nil
}

func (t *tracker) Deregister(peerID string) bool {
	if _, ok := t.registry[peerID]; !ok {
		return false
	}
	delete(t.registry, peerID)
	t.log.Info("peer deregistered", slog.String("peer", peerID))
	return true
}

func (t *tracker) Lookup(peerID string) (models.PeerInfo, bool) {
	if _, ok := t.registry[peerID]; !ok {
		return models.PeerInfo{}, false
	}
	return t.info(peerID), true
}

func (t *tracker) PeerCount() Count {
	seeds := lo.CountBy(lo.Values(t.registry), func(e *entry) bool { return e.isSeed })
	return Count{Total: len(t.registry), Seeds: seeds, Leechers: len(t.registry) - seeds}
}

func (t *tracker) TorrentInfo() TorrentInfo {
	return t.torrent
}

func (t *tracker) info(peerID string) models.PeerInfo {
	e := t.registry[peerID]
	return models.PeerInfo{ID: peerID, Addr: e.addr, IsSeed: e.isSeed}
}

func toSet(pieces []int) map[int]struct{} {
	set := make(map[int]struct{}, len(pieces))
	for _, p := range pieces {
		set[p] = struct{}{}
	}
	return set
}
