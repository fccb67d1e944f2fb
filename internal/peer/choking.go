package peer

import (
	"log/slog"
	"sort"

	"github.com/WendelHime/swarmsim/internal/message"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/samber/lo"
)

// RunChoking is the periodic tit-for-tat pass. The best MaxUnchoked-1
// interested remotes by rate keep a slot, one more slot is rotated
// optimistically every OptimisticInterval, and everyone else is choked.
// A leecher that owns nothing has nothing to offer and leaves state alone.
func (p *Peer) RunChoking(env Env) {
	if p.bitfield.OwnedCount() == 0 && !p.isSeed {
		return
	}
	now := env.Now()
	rng := env.Rand()

	ids := p.Connections()
	candidates := lo.Filter(ids, func(id string, _ int) bool { return p.conns[id].PeerInterested })
	rng.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })

	rates := p.downloadRate
	if p.isSeed {
		rates = p.uploadRate
	}
	// on equal rates the peers already holding a regular slot stay ahead
	regularNow := func(id string) bool { return !p.conns[id].AmChoking && id != p.optimistic }
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if rates[a] != rates[b] {
			return rates[a] > rates[b]
		}
		return regularNow(a) && !regularNow(b)
	})

	regular := min(max(p.cfg.MaxUnchoked-1, 0), len(candidates))
	selected := mapset.NewThreadUnsafeSet[string](candidates[:regular]...)
	rest := candidates[regular:]

	if now-p.lastOptimistic >= p.cfg.OptimisticInterval {
		if len(rest) > 0 {
			pick := rest[rng.Intn(len(rest))]
			selected.Add(pick)
			p.optimistic = pick
			p.lastOptimistic = now
			p.stats.OptimisticUnchokes = append(p.stats.OptimisticUnchokes, OptimisticUnchoke{Time: now, Peer: pick})
			p.log.Debug("optimistic unchoke", slog.String("remote", pick), slog.Float64("time", now))
		}
	} else if p.optimistic != "" && lo.Contains(rest, p.optimistic) {
		selected.Add(p.optimistic)
	}

	for _, id := range ids {
		conn := p.conns[id]
		unchoke := selected.Contains(id)
		switch {
		case unchoke && conn.AmChoking:
			conn.AmChoking = false
			env.Send(id, message.Unchoke{}, 0)
		case !unchoke && !conn.AmChoking:
			conn.AmChoking = true
			env.Send(id, message.Choke{}, 0)
		}
	}
}
