package peer

import (
	"log/slog"
	"math/rand"

	"github.com/WendelHime/swarmsim/internal/bitfield"
	"github.com/WendelHime/swarmsim/internal/message"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/samber/lo"
)

// InEndgame reports whether enough of the content is owned for duplicate
// requests across peers to be allowed.
func (p *Peer) InEndgame() bool {
	n := p.bitfield.Len()
	return n > 0 && float64(p.bitfield.OwnedCount())/float64(n) >= p.cfg.EndgameThreshold
}

// RequestPieces issues at most one new request to every remote that has
// unchoked us and that we are interested in.
func (p *Peer) RequestPieces(env Env) {
	if p.isSeed || p.bitfield.IsComplete() {
		return
	}
	endgame := p.InEndgame()
	for _, id := range p.Connections() {
		conn := p.conns[id]
		if conn.PeerChoking || !conn.AmInterested || conn.Remote == nil {
			continue
		}
		outstanding := p.outstandingTo(id)
		if outstanding >= p.cfg.MaxOutstanding {
			continue
		}
		index, ok := p.selectPiece(env.Rand(), id, conn.Remote, endgame)
		if !ok {
			continue
		}

		set, ok := p.requested[index]
		if !ok {
			set = mapset.NewThreadUnsafeSet[string]()
			p.requested[index] = set
		}
		set.Add(id)
		if outstanding == 0 {
			p.lastReceived[id] = env.Now()
		}
		env.Send(id, message.Request{Index: index, Offset: 0, Length: p.meta.Info.PieceSize(index)}, 0)
		p.stats.RequestsSent++
		p.log.Debug("piece requested", slog.Int("piece", index), slog.String("remote", id), slog.Bool("endgame", endgame))
	}
}

// selectPiece picks what to ask remote id for: a random piece while we own
// nothing, otherwise the rarest one. Ties among the rarest are broken at random.
func (p *Peer) selectPiece(rng *rand.Rand, id string, remote *bitfield.BitField, endgame bool) (int, bool) {
	candidates := lo.Filter(p.bitfield.Missing(), func(i int, _ int) bool {
		if !remote.Has(i) {
			return false
		}
		set, requested := p.requested[i]
		if !requested {
			return true
		}
		return endgame && !set.Contains(id)
	})
	if len(candidates) == 0 {
		return 0, false
	}
	if p.bitfield.OwnedCount() == 0 {
		return candidates[rng.Intn(len(candidates))], true
	}

	rarest := lo.MinBy(candidates, func(a, b int) bool { return p.rarity[a] < p.rarity[b] })
	tied := lo.Filter(candidates, func(i int, _ int) bool { return p.rarity[i] == p.rarity[rarest] })
	return tied[rng.Intn(len(tied))], true
}

func (p *Peer) outstandingTo(id string) int {
	return lo.CountBy(lo.Values(p.requested), func(set mapset.Set[string]) bool {
		return set.Contains(id)
	})
}
