package peer

import (
	"log/slog"
	"time"

	"github.com/WendelHime/swarmsim/internal/bitfield"
	"github.com/WendelHime/swarmsim/internal/message"
	"github.com/WendelHime/swarmsim/internal/metainfo"
	"github.com/WendelHime/swarmsim/internal/shared/models"
	"github.com/samber/lo"
)

// MinRateWindow bounds the elapsed time used for a rate sample so that
// fragments landing at the same instant do not divide by zero.
const MinRateWindow = 1e-3

var simEpoch = time.Unix(0, 0)

// Connect opens a connection to remote by sending our handshake. Known peers,
// ourselves and anything past MaxConnections are ignored. The entry stays
// pending until the remote answers with its handshake or refuses with Close.
func (p *Peer) Connect(env Env, remote models.PeerInfo) {
	if remote.ID == p.cfg.ID {
		return
	}
	if _, ok := p.conns[remote.ID]; ok {
		return
	}
	if p.full() {
		p.log.Debug("connection table full", slog.String("remote", remote.ID))
		return
	}
	p.conns[remote.ID] = newConnectionState(env.Now())
	env.Send(remote.ID, message.Handshake{Header: p.cfg.HandshakeHeader, PeerID: p.cfg.ID}, 0)
	p.log.Debug("connecting", slog.String("remote", remote.ID), slog.String("addr", remote.Addr.String()))
}

// close drops the connection on both ends.
func (p *Peer) close(env Env, remote string) {
	p.Disconnect(env, remote)
	env.Close(remote)
}

// Disconnect forgets remote: its pieces stop counting toward rarity and any
// request outstanding to it becomes eligible elsewhere.
func (p *Peer) Disconnect(env Env, remote string) {
	conn, ok := p.conns[remote]
	if !ok {
		return
	}
	if conn.Remote != nil {
		for _, i := range conn.Remote.Owned() {
			p.decRarity(i)
		}
	}
	p.cancelRequests(remote)
	delete(p.conns, remote)
	delete(p.downloadRate, remote)
	delete(p.uploadRate, remote)
	delete(p.lastReceived, remote)
	delete(p.lastSent, remote)
	if p.optimistic == remote {
		p.optimistic = ""
	}
	p.log.Debug("disconnected", slog.String("remote", remote), slog.Float64("time", env.Now()))
}

// Announce reports our pieces to the tracker and connects to whoever it
// suggests. Seeds skip other seeds. A full peer first makes room by dropping
// one idle connection.
func (p *Peer) Announce(env Env) {
	suggested := env.Announce(p.bitfield.Owned(), p.cfg.MaxPeers)
	fresh := lo.Filter(suggested, func(info models.PeerInfo, _ int) bool {
		_, known := p.conns[info.ID]
		return !known && info.ID != p.cfg.ID && !(p.isSeed && info.IsSeed)
	})
	if len(fresh) == 0 {
		return
	}
	evicted := ""
	if p.full() {
		evicted = p.evictIdle(env)
	}
	for _, info := range fresh {
		if info.ID != evicted {
			p.Connect(env, info)
		}
	}
}

// evictIdle closes one connection that neither side is interested in and
// returns its id, or "" when every connection is in use.
func (p *Peer) evictIdle(env Env) string {
	now := env.Now()
	idle := lo.Filter(p.Connections(), func(id string, _ int) bool {
		conn := p.conns[id]
		return conn.Handshaked && !conn.AmInterested && !conn.PeerInterested && now-conn.ConnectedAt >= MinIdleAge
	})
	if len(idle) == 0 {
		return ""
	}
	id := idle[env.Rand().Intn(len(idle))]
	p.log.Debug("dropping idle connection", slog.String("remote", id), slog.Float64("time", now))
	p.close(env, id)
	return id
}

// dropSeed closes a connection once both ends are seeds.
func (p *Peer) dropSeed(env Env, id string, conn *ConnectionState) bool {
	if !p.isSeed || conn.Remote == nil || !conn.Remote.IsComplete() {
		return false
	}
	p.log.Debug("dropping seed to seed connection", slog.String("remote", id))
	p.close(env, id)
	return true
}

func (p *Peer) HandleMessage(env Env, from string, msg message.Message) {
	if hs, ok := msg.(message.Handshake); ok {
		p.handleHandshake(env, from, hs)
		return
	}
	conn, ok := p.conns[from]
	if !ok || !conn.Handshaked {
		p.log.Debug("message outside a connection dropped", slog.String("from", from), slog.String("type", msg.Type().String()))
		return
	}

	switch m := msg.(type) {
	case message.Bitfield:
		p.handleBitfield(env, from, conn, m)
	case message.Have:
		p.handleHave(env, from, conn, m)
	case message.Interested:
		conn.PeerInterested = true
	case message.NotInterested:
		conn.PeerInterested = false
	case message.Choke:
		conn.PeerChoking = true
		p.cancelRequests(from)
	case message.Unchoke:
		conn.PeerChoking = false
	case message.Request:
		p.handleRequest(env, from, conn, m)
	case message.Piece:
		p.handlePiece(env, from, m)
	}
}

func (p *Peer) handleHandshake(env Env, from string, hs message.Handshake) {
	if hs.Header != p.cfg.HandshakeHeader || hs.PeerID != from {
		p.log.Warn("handshake rejected", slog.String("from", from), slog.String("header", hs.Header), slog.String("peer_id", hs.PeerID))
		p.close(env, from)
		return
	}
	conn, ok := p.conns[from]
	if !ok {
		if p.full() {
			p.log.Debug("handshake refused, connection table full", slog.String("from", from))
			env.Close(from)
			return
		}
		conn = newConnectionState(env.Now())
		p.conns[from] = conn
		env.Send(from, message.Handshake{Header: p.cfg.HandshakeHeader, PeerID: p.cfg.ID}, 0)
	}
	if conn.Handshaked {
		return
	}
	conn.Handshaked = true
	if p.bitfield.OwnedCount() > 0 {
		env.Send(from, message.Bitfield{Data: p.bitfield.Bytes()}, 0)
	}
}

func (p *Peer) handleBitfield(env Env, from string, conn *ConnectionState, m message.Bitfield) {
	remote := bitfield.FromBytes(m.Data, p.bitfield.Len())
	for i := 0; i < remote.Len(); i++ {
		had := conn.Remote != nil && conn.Remote.Has(i)
		switch {
		case remote.Has(i) && !had:
			p.rarity[i]++
		case !remote.Has(i) && had:
			p.decRarity(i)
		}
	}
	conn.Remote = remote
	if p.dropSeed(env, from, conn) {
		return
	}
	p.updateInterest(env, from, conn)
}

func (p *Peer) handleHave(env Env, from string, conn *ConnectionState, m message.Have) {
	if m.Index < 0 || m.Index >= p.bitfield.Len() {
		return
	}
	if conn.Remote == nil {
		conn.Remote = bitfield.New(p.bitfield.Len())
	}
	if !conn.Remote.Has(m.Index) {
		conn.Remote.Set(m.Index, true)
		p.rarity[m.Index]++
	}
	if p.dropSeed(env, from, conn) {
		return
	}
	p.updateInterest(env, from, conn)
}

// updateInterest sends INTERESTED or NOT_INTERESTED when our wish for the
// remote's pieces changed.
func (p *Peer) updateInterest(env Env, id string, conn *ConnectionState) {
	want := !p.isSeed && conn.Remote != nil && p.offersMissing(conn.Remote)
	if want == conn.AmInterested {
		return
	}
	conn.AmInterested = want
	if want {
		env.Send(id, message.Interested{}, 0)
	} else {
		env.Send(id, message.NotInterested{}, 0)
	}
}

func (p *Peer) offersMissing(remote *bitfield.BitField) bool {
	for _, i := range p.bitfield.Missing() {
		if remote.Has(i) {
			return true
		}
	}
	return false
}

func (p *Peer) handleRequest(env Env, from string, conn *ConnectionState, m message.Request) {
	if conn.AmChoking || !p.bitfield.Has(m.Index) {
		p.stats.RequestsIgnored++
		return
	}
	pieceLen := p.meta.Info.PieceSize(m.Index)
	if m.Offset < 0 || m.Length <= 0 || m.Offset+m.Length > pieceLen {
		p.stats.RequestsIgnored++
		return
	}
	data, err := p.store.ReadPiece(m.Index)
	if err != nil {
		p.log.Error("failed to read piece", slog.Int("piece", m.Index), slog.Any("error", err))
		return
	}
	data = data[m.Offset : m.Offset+m.Length]

	now := env.Now()
	for off := 0; off < len(data); off += p.cfg.BlockSize {
		block := data[off:min(off+p.cfg.BlockSize, len(data))]
		delay := p.throttle(now, len(block))
		env.Send(from, message.Piece{Index: m.Index, Offset: m.Offset + off, Data: block}, delay)
		p.recordUpload(from, now+delay, len(block))
	}
}

// throttle reserves n bytes of upload capacity and returns how long the
// fragment has to wait for it.
func (p *Peer) throttle(now float64, n int) float64 {
	if p.limiter == nil {
		return 0
	}
	at := simEpoch.Add(time.Duration(now * float64(time.Second)))
	r := p.limiter.ReserveN(at, n)
	if !r.OK() {
		return 0
	}
	return r.DelayFrom(at).Seconds()
}

func (p *Peer) handlePiece(env Env, from string, m message.Piece) {
	pieceLen := p.meta.Info.PieceSize(m.Index)
	if pieceLen == 0 || len(m.Data) == 0 || m.Offset < 0 || m.Offset+len(m.Data) > pieceLen {
		return
	}
	p.recordDownload(env.Now(), from, len(m.Data))
	if p.bitfield.Has(m.Index) {
		p.stats.DuplicateFragments++
		return
	}

	asm, ok := p.partial[m.Index]
	if !ok {
		asm = newAssembly(m.Index, pieceLen, p.meta.Info.PiecesHashes[m.Index])
		p.partial[m.Index] = asm
	}
	if !asm.add(m.Offset, m.Data) {
		p.stats.DuplicateFragments++
		return
	}
	if !asm.complete() {
		return
	}
	delete(p.partial, m.Index)

	data := asm.bytes()
	if !metainfo.Verify(p.meta, m.Index, data) {
		p.stats.HashFailures++
		delete(p.requested, m.Index)
		p.log.Warn("piece failed verification", slog.Int("piece", m.Index), slog.String("from", from))
		return
	}
	if err := p.store.WritePiece(m.Index, data); err != nil {
		delete(p.requested, m.Index)
		p.log.Error("failed to save piece", slog.Int("piece", m.Index), slog.Any("error", err))
		return
	}
	p.completePiece(env, m.Index)
}

func (p *Peer) completePiece(env Env, index int) {
	p.bitfield.Set(index, true)
	delete(p.requested, index)
	p.stats.PiecesCompleted++
	p.log.Info("piece completed", slog.Int("piece", index), slog.Int("owned", p.bitfield.OwnedCount()), slog.Int("total", p.bitfield.Len()), slog.Float64("time", env.Now()))

	for _, id := range p.Connections() {
		env.Send(id, message.Have{Index: index}, 0)
		p.stats.HavesSent++
	}
	p.Announce(env)

	if p.bitfield.IsComplete() && !p.isSeed {
		p.isSeed = true
		p.stats.CompletedAt = env.Now()
		p.partial = make(map[int]*assembly)
		p.log.Info("download complete, now seeding", slog.Float64("time", env.Now()))
	}
	for _, id := range p.Connections() {
		p.updateInterest(env, id, p.conns[id])
	}
	for _, id := range p.Connections() {
		p.dropSeed(env, id, p.conns[id])
	}
}

func (p *Peer) cancelRequests(remote string) {
	for index, set := range p.requested {
		set.Remove(remote)
		if set.Cardinality() == 0 {
			delete(p.requested, index)
		}
	}
}

func (p *Peer) decRarity(index int) {
	p.rarity[index]--
	if p.rarity[index] <= 0 {
		delete(p.rarity, index)
	}
}

func ema(old, sample float64) float64 {
	return 0.25*old + 0.75*sample
}

func (p *Peer) recordDownload(now float64, from string, n int) {
	elapsed := 1.0
	if last, ok := p.lastReceived[from]; ok {
		elapsed = max(now-last, MinRateWindow)
	}
	p.downloadRate[from] = ema(p.downloadRate[from], float64(n)/elapsed)
	p.lastReceived[from] = now
	p.stats.Downloaded += int64(n)
}

func (p *Peer) recordUpload(to string, at float64, n int) {
	elapsed := 1.0
	if last, ok := p.lastSent[to]; ok {
		elapsed = max(at-last, MinRateWindow)
	}
	p.uploadRate[to] = ema(p.uploadRate[to], float64(n)/elapsed)
	p.lastSent[to] = at
	p.stats.Uploaded += int64(n)
}
