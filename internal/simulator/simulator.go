// Package simulator drives a swarm of peers through simulated time. It owns
// the event queue, the tracker, the peer arena and the random generator, and
// it is the only path by which one peer's actions reach another.
package simulator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math/rand"
	"slices"

	"github.com/WendelHime/swarmsim/internal/event"
	"github.com/WendelHime/swarmsim/internal/message"
	"github.com/WendelHime/swarmsim/internal/peer"
	"github.com/WendelHime/swarmsim/internal/shared/models"
	"github.com/WendelHime/swarmsim/internal/storage"
	"github.com/WendelHime/swarmsim/internal/tracker"
)

var (
	ErrDuplicatePeer      = errors.New("duplicate peer")
	ErrUnknownPeer        = errors.New("unknown peer")
	ErrNoPeers            = errors.New("no peers in the swarm")
	ErrAlreadyInitialized = errors.New("simulation already initialized")
	ErrNotInitialized     = errors.New("simulation not initialized")
)

type Simulator struct {
	opts    Options
	meta    models.Metafile
	log     *slog.Logger
	rng     *rand.Rand
	queue   *event.Queue
	tracker tracker.Tracker

	peers map[string]*peer.Peer
	order []string
	seeds map[string]struct{}
	// links holds the latest arrival scheduled on each directed link so
	// traffic between two peers stays in order.
	links map[link]float64

	now         float64
	events      int
	initialized bool
}

func New(opts Options, meta models.Metafile, logger *slog.Logger) *Simulator {
	opts = opts.withDefaults()
	rng := rand.New(rand.NewSource(opts.Seed))
	return &Simulator{
		opts:    opts,
		meta:    meta,
		log:     logger,
		rng:     rng,
		queue:   event.NewQueue(),
		tracker: tracker.NewTracker(meta.Info.PieceLength, rng, logger.With(slog.String("component", "tracker"))),
		peers:   make(map[string]*peer.Peer),
		seeds:   make(map[string]struct{}),
		links:   make(map[link]float64),
	}
}

type link struct {
	from, to string
}

// AddPeer puts a new peer in the arena. Peers added after Initialize join the
// running swarm at the current time.
func (s *Simulator) AddPeer(cfg peer.Config, store storage.Storage) (*peer.Peer, error) {
	if _, ok := s.peers[cfg.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicatePeer, cfg.ID)
	}
	p, err := peer.New(cfg, s.meta, store, s.log)
	if err != nil {
		return nil, fmt.Errorf("peer %s: %w", cfg.ID, err)
	}
	s.peers[cfg.ID] = p
	s.order = append(s.order, cfg.ID)
	slices.Sort(s.order)
	if p.IsSeed() {
		s.seeds[cfg.ID] = struct{}{}
	}
	if s.initialized {
		s.register(p)
		s.bootstrap(p.ID())
	}
	return p, nil
}

// Initialize registers every peer with the tracker, then schedules each peer's
// bootstrap connections and its periodic choking, request and announce events.
func (s *Simulator) Initialize() error {
	if s.initialized {
		return ErrAlreadyInitialized
	}
	if len(s.peers) == 0 {
		return ErrNoPeers
	}
	if err := s.tracker.SetTorrentInfo(s.meta.Info.NumPieces(), int64(s.meta.Info.Length)); err != nil {
		return err
	}
	for _, id := range s.order {
		s.register(s.peers[id])
	}
	for _, id := range s.order {
		s.bootstrap(id)
	}
	s.initialized = true
	s.log.Info("simulation initialized",
		slog.Int("peers", len(s.peers)),
		slog.Int("seeds", len(s.seeds)),
		slog.Int("pieces", s.meta.Info.NumPieces()),
		slog.Int64("seed", s.opts.Seed))
	return nil
}

func (s *Simulator) register(p *peer.Peer) {
	info := p.Info()
	s.tracker.Register(info.ID, info.Addr.Host, info.Addr.Port, info.IsSeed, p.Bitfield().Owned())
}

func (s *Simulator) bootstrap(id string) {
	for _, remote := range s.tracker.SelectPeers(id, s.opts.MaxPeers) {
		s.Schedule(s.now, id, event.Connect{Remote: remote})
	}
	s.Schedule(s.now, id, event.ChokeTick{})
	s.Schedule(s.now+s.opts.RequestInterval, id, event.RequestTick{})
	s.Schedule(s.now+s.opts.AnnounceInterval, id, event.AnnounceTick{})
}

// Schedule queues payload for target at time at, or now if at is in the past.
// A nil payload or a delivery without a message is dropped.
func (s *Simulator) Schedule(at float64, target string, payload event.Payload) {
	if !validPayload(payload) {
		s.log.Warn("invalid event dropped", slog.String("target", target), slog.Float64("time", at))
		return
	}
	if at < s.now {
		at = s.now
	}
	s.queue.Push(event.Event{Time: at, Target: target, Payload: payload})
}

func validPayload(payload event.Payload) bool {
	switch pl := payload.(type) {
	case nil:
		return false
	case event.Deliver:
		return pl.Message != nil
	}
	return true
}

// ScheduleDeparture makes id leave the swarm at time at.
func (s *Simulator) ScheduleDeparture(id string, at float64) error {
	if _, ok := s.peers[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	s.Schedule(at, id, event.Depart{})
	return nil
}

// Run processes events until the queue drains, the next event lies beyond
// endTime, maxEvents have been handled in this call, every peer is a seed, or
// ctx is done. endTime <= 0 and maxEvents <= 0 disable those limits.
func (s *Simulator) Run(ctx context.Context, endTime float64, maxEvents int) (Results, error) {
	if !s.initialized {
		return Results{}, ErrNotInitialized
	}
	processed := 0
	var reason Reason
	for {
		if ctx.Err() != nil {
			reason = ReasonCanceled
			break
		}
		if s.allSeeds() {
			reason = ReasonAllSeeds
			break
		}
		if maxEvents > 0 && processed >= maxEvents {
			reason = ReasonMaxEvents
			break
		}
		next, ok := s.queue.Peek()
		if !ok {
			reason = ReasonQueueEmpty
			break
		}
		if endTime > 0 && next.Time > endTime {
			reason = ReasonEndTime
			break
		}

		ev, _ := s.queue.Pop()
		s.now = ev.Time
		s.dispatch(ev)
		processed++
		s.events++
	}

	s.log.Info("simulation stopped",
		slog.String("reason", string(reason)),
		slog.Float64("time", s.now),
		slog.Int("events", processed),
		slog.Int("seeds", len(s.seeds)),
		slog.Int("peers", len(s.peers)))
	return s.Results(reason), nil
}

func (s *Simulator) allSeeds() bool {
	return len(s.peers) > 0 && len(s.seeds) == len(s.peers)
}

func (s *Simulator) dispatch(ev event.Event) {
	kind := ev.Kind()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("event handler failed",
				slog.String("kind", kind.String()),
				slog.String("target", ev.Target),
				slog.Any("panic", r))
		}
	}()
	if s.opts.OnDispatch != nil {
		s.opts.OnDispatch(ev)
	}

	if _, ok := ev.Payload.(event.Depart); ok {
		s.depart(ev.Target)
		return
	}
	p, ok := s.peers[ev.Target]
	if !ok {
		s.log.Warn("event for unknown peer dropped",
			slog.String("kind", kind.String()),
			slog.String("target", ev.Target),
			slog.Float64("time", ev.Time))
		if d, isDelivery := ev.Payload.(event.Deliver); isDelivery {
			// nobody answers on the other end
			s.close(ev.Target, d.From)
		}
		return
	}
	if kind.Recurring() {
		s.Schedule(ev.Time+s.opts.interval(kind), ev.Target, ev.Payload)
	}

	before := p.OwnedCount()
	env := &dispatchEnv{s: s, self: ev.Target}
	switch pl := ev.Payload.(type) {
	case event.Deliver:
		p.HandleMessage(env, pl.From, pl.Message)
	case event.Connect:
		p.Connect(env, pl.Remote)
	case event.Disconnect:
		p.Disconnect(env, pl.Remote)
	case event.ChokeTick:
		p.RunChoking(env)
	case event.RequestTick:
		p.RequestPieces(env)
	case event.AnnounceTick:
		p.Announce(env)
	}

	if owned := p.OwnedCount(); owned > before && s.opts.OnPieceCompleted != nil {
		s.opts.OnPieceCompleted(ev.Target, owned, p.NumPieces())
	}
	if _, known := s.seeds[ev.Target]; !known && p.IsSeed() {
		s.seeds[ev.Target] = struct{}{}
		s.log.Info("peer completed", slog.String("peer", ev.Target), slog.Float64("time", s.now), slog.Int("seeds", len(s.seeds)))
	}
}

func (s *Simulator) depart(id string) {
	p, ok := s.peers[id]
	if !ok {
		s.log.Warn("departure of unknown peer dropped", slog.String("target", id))
		return
	}
	for _, remote := range p.Connections() {
		s.close(id, remote)
	}
	s.tracker.Deregister(id)
	delete(s.peers, id)
	delete(s.seeds, id)
	s.order = slices.DeleteFunc(s.order, func(other string) bool { return other == id })
	maps.DeleteFunc(s.links, func(l link, _ float64) bool { return l.from == id || l.to == id })
	s.log.Info("peer left the swarm", slog.String("peer", id), slog.Float64("time", s.now))
}

// send puts msg on the wire from from to to. The receiver gets what the frame
// decodes to, after the sender's delay, the link latency and the transmission
// time of the frame.
func (s *Simulator) send(from, to string, msg message.Message, delay float64) {
	frame := msg.Bytes()
	received, err := decodeFrame(msg.Type(), frame)
	if err != nil {
		s.log.Error("undecodable frame dropped",
			slog.String("from", from),
			slog.String("to", to),
			slog.String("type", msg.Type().String()),
			slog.Any("error", err))
		return
	}
	at := s.now + max(delay, 0) + s.opts.Latency
	if s.opts.LinkBandwidth > 0 {
		at += float64(len(frame)) / s.opts.LinkBandwidth
	}
	s.deliver(at, from, to, event.Deliver{From: from, Message: received})
}

func decodeFrame(t message.Type, frame []byte) (message.Message, error) {
	r := bytes.NewReader(frame)
	if t == message.TypeHandshake {
		return message.DecodeHandshake(r)
	}
	return message.Decode(r)
}

// close tells to that from dropped their connection.
func (s *Simulator) close(from, to string) {
	s.deliver(s.now+s.opts.Latency, from, to, event.Disconnect{Remote: from})
}

// deliver schedules traffic on the link from -> to, never ahead of what is
// already in flight on it.
func (s *Simulator) deliver(at float64, from, to string, payload event.Payload) {
	l := link{from: from, to: to}
	at = max(at, s.links[l], s.now)
	s.links[l] = at
	s.Schedule(at, to, payload)
}

func (s *Simulator) announce(id string, owned []int, maxPeers int) []models.PeerInfo {
	s.tracker.UpdatePieces(id, owned)
	return s.tracker.SelectPeers(id, maxPeers)
}

func (s *Simulator) Now() float64 {
	return s.now
}

func (s *Simulator) Pending() int {
	return s.queue.Len()
}

func (s *Simulator) Peer(id string) (*peer.Peer, bool) {
	p, ok := s.peers[id]
	return p, ok
}

func (s *Simulator) PeerCount() tracker.Count {
	return s.tracker.PeerCount()
}

func (s *Simulator) Metafile() models.Metafile {
	return s.meta
}

// Results snapshots every peer still in the swarm.
func (s *Simulator) Results(reason Reason) Results {
	r := Results{EndTime: s.now, Reason: reason, Events: s.events, Peers: make(map[string]PeerResult, len(s.peers))}
	for _, id := range s.order {
		p := s.peers[id]
		stats := p.Stats()
		r.Peers[id] = PeerResult{
			IsSeed:             p.IsSeed(),
			PiecesOwned:        p.OwnedCount(),
			TotalPieces:        p.NumPieces(),
			CompletedAt:        stats.CompletedAt,
			Uploaded:           stats.Uploaded,
			Downloaded:         stats.Downloaded,
			PiecesCompleted:    stats.PiecesCompleted,
			DuplicateFragments: stats.DuplicateFragments,
			HashFailures:       stats.HashFailures,
			RequestsSent:       stats.RequestsSent,
			RequestsIgnored:    stats.RequestsIgnored,
			HavesSent:          stats.HavesSent,
			OptimisticUnchokes: len(stats.OptimisticUnchokes),
		}
	}
	return r
}

// dispatchEnv is the peer.Env handed to the target of one event.
type dispatchEnv struct {
	s    *Simulator
	self string
}

func (e *dispatchEnv) Now() float64 {
	return e.s.now
}

func (e *dispatchEnv) Rand() *rand.Rand {
	return e.s.rng
}

func (e *dispatchEnv) Send(to string, msg message.Message, delay float64) {
	e.s.send(e.self, to, msg, delay)
}

func (e *dispatchEnv) Announce(owned []int, maxPeers int) []models.PeerInfo {
	return e.s.announce(e.self, owned, maxPeers)
}

func (e *dispatchEnv) Close(to string) {
	e.s.close(e.self, to)
}
