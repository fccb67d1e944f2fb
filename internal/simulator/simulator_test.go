package simulator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/WendelHime/swarmsim/internal/config"
	"github.com/WendelHime/swarmsim/internal/event"
	"github.com/WendelHime/swarmsim/internal/metainfo"
	"github.com/WendelHime/swarmsim/internal/peer"
	"github.com/WendelHime/swarmsim/internal/shared/models"
	"github.com/WendelHime/swarmsim/internal/storage"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testPieceSize = 32
	testPieces    = 10
	testEndTime   = 5000
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testContent() []byte {
	content := make([]byte, testPieceSize*testPieces)
	for i := range content {
		content[i] = byte(i*7 + i/testPieceSize)
	}
	return content
}

type swarm struct {
	sim     *Simulator
	fs      afero.Fs
	content []byte
	stores  map[string]storage.Storage
}

// newSwarm builds peers "1".."n" where the first seeds peers own the content.
func newSwarm(t *testing.T, seeds, leechers int, opts Options) *swarm {
	t.Helper()
	content := testContent()
	meta, err := metainfo.Build(announceURL, "content.dat", testPieceSize, bytes.NewReader(content))
	require.NoError(t, err)

	s := &swarm{sim: New(opts, meta, testLogger()), fs: afero.NewMemMapFs(), content: content, stores: map[string]storage.Storage{}}
	for i := 1; i <= seeds+leechers; i++ {
		s.add(t, fmt.Sprint(i), i <= seeds)
	}
	return s
}

func (s *swarm) add(t *testing.T, id string, seed bool) *peer.Peer {
	t.Helper()
	path := "peer_" + id + "/content.dat"
	if seed {
		require.NoError(t, afero.WriteFile(s.fs, path, s.content, 0644))
	}
	store, err := storage.NewFileHandler(s.fs, path, testPieceSize, int64(len(s.content)))
	require.NoError(t, err)
	s.stores[id] = store

	cfg := s.sim.opts.Peer
	cfg.ID = id
	cfg.Addr = models.Addr{Host: "localhost", Port: 6000}
	cfg.IsSeed = seed
	p, err := s.sim.AddPeer(cfg, store)
	require.NoError(t, err)
	return p
}

func (s *swarm) stored(t *testing.T, id string) []byte {
	t.Helper()
	var out []byte
	for i := 0; i < testPieces; i++ {
		piece, err := s.stores[id].ReadPiece(i)
		require.NoError(t, err)
		out = append(out, piece...)
	}
	return out
}

type trace struct {
	time   float64
	target string
	kind   event.Kind
}

func TestSeedAndLeecher(t *testing.T) {
	completions := 0
	opts := DefaultOptions()
	opts.OnPieceCompleted = func(peerID string, owned, total int) {
		assert.Equal(t, "2", peerID)
		assert.Equal(t, testPieces, total)
		completions++
		assert.Equal(t, completions, owned)
	}
	s := newSwarm(t, 1, 1, opts)
	require.NoError(t, s.sim.Initialize())

	res, err := s.sim.Run(context.Background(), testEndTime, 0)
	require.NoError(t, err)

	assert.Equal(t, ReasonAllSeeds, res.Reason)
	assert.Equal(t, testPieces, completions)
	assert.Equal(t, []string{"1", "2"}, res.PeerIDs())
	assert.Equal(t, 2, res.Seeds())

	leecher := res.Peers["2"]
	assert.True(t, leecher.IsSeed)
	assert.Equal(t, testPieces, leecher.PiecesOwned)
	assert.Zero(t, leecher.DuplicateFragments)
	assert.Equal(t, testPieces, leecher.PiecesCompleted)
	assert.Zero(t, leecher.HashFailures)
	assert.Greater(t, leecher.RequestsSent, 0)
	assert.Greater(t, leecher.HavesSent, 0)
	assert.Equal(t, int64(len(s.content)), leecher.Downloaded)
	assert.Greater(t, leecher.CompletedAt, 0.0)
	assert.LessOrEqual(t, leecher.CompletedAt, res.EndTime)

	seed := res.Peers["1"]
	assert.Equal(t, 0.0, seed.CompletedAt)
	assert.Equal(t, int64(len(s.content)), seed.Uploaded)

	assert.Equal(t, s.content, s.stored(t, "2"))
}

func TestClockNeverGoesBack(t *testing.T) {
	var seen []trace
	opts := DefaultOptions()
	opts.OnDispatch = func(ev event.Event) {
		seen = append(seen, trace{ev.Time, ev.Target, ev.Kind()})
	}
	s := newSwarm(t, 1, 4, opts)
	require.NoError(t, s.sim.Initialize())

	res, err := s.sim.Run(context.Background(), testEndTime, 0)
	require.NoError(t, err)
	assert.Equal(t, ReasonAllSeeds, res.Reason)
	assert.Equal(t, 5, res.Seeds())
	require.Len(t, seen, res.Events)

	for i := 1; i < len(seen); i++ {
		require.GreaterOrEqual(t, seen[i].time, seen[i-1].time, "event %d", i)
	}
	assert.Equal(t, seen[len(seen)-1].time, res.EndTime)
	for _, id := range res.PeerIDs() {
		assert.Equal(t, s.content, s.stored(t, id), "peer %s", id)
	}
}

func TestSchedulePastIsClamped(t *testing.T) {
	var ghost []float64
	opts := DefaultOptions()
	opts.OnDispatch = func(ev event.Event) {
		if ev.Target == "ghost" {
			ghost = append(ghost, ev.Time)
		}
	}
	s := newSwarm(t, 1, 1, opts)
	require.NoError(t, s.sim.Initialize())

	_, err := s.sim.Run(context.Background(), 5, 0)
	require.NoError(t, err)
	now := s.sim.Now()
	require.Greater(t, now, 0.0)

	s.sim.Schedule(0, "ghost", event.ChokeTick{})
	res, err := s.sim.Run(context.Background(), testEndTime, 0)
	require.NoError(t, err)

	require.Equal(t, []float64{now}, ghost, "clamped to now and dropped without rescheduling")
	assert.Equal(t, ReasonAllSeeds, res.Reason)
	assert.NotContains(t, res.Peers, "ghost")
}

func TestRunStops(t *testing.T) {
	var tests = []struct {
		name   string
		setup  func(t *testing.T) *Simulator
		run    func(sim *Simulator) (Results, error)
		assert func(t *testing.T, sim *Simulator, res Results, err error)
	}{
		{
			name: "not initialized",
			setup: func(t *testing.T) *Simulator {
				return newSwarm(t, 1, 1, DefaultOptions()).sim
			},
			run: func(sim *Simulator) (Results, error) {
				return sim.Run(context.Background(), 0, 0)
			},
			assert: func(t *testing.T, _ *Simulator, _ Results, err error) {
				assert.ErrorIs(t, err, ErrNotInitialized)
			},
		},
		{
			name: "max events",
			setup: func(t *testing.T) *Simulator {
				s := newSwarm(t, 1, 3, DefaultOptions())
				require.NoError(t, s.sim.Initialize())
				return s.sim
			},
			run: func(sim *Simulator) (Results, error) {
				return sim.Run(context.Background(), 0, 3)
			},
			assert: func(t *testing.T, _ *Simulator, res Results, err error) {
				require.NoError(t, err)
				assert.Equal(t, ReasonMaxEvents, res.Reason)
				assert.Equal(t, 3, res.Events)
			},
		},
		{
			name: "end time",
			setup: func(t *testing.T) *Simulator {
				s := newSwarm(t, 1, 3, DefaultOptions())
				require.NoError(t, s.sim.Initialize())
				return s.sim
			},
			run: func(sim *Simulator) (Results, error) {
				return sim.Run(context.Background(), 5, 0)
			},
			assert: func(t *testing.T, sim *Simulator, res Results, err error) {
				require.NoError(t, err)
				assert.Equal(t, ReasonEndTime, res.Reason)
				assert.LessOrEqual(t, res.EndTime, 5.0)
				assert.Greater(t, sim.Pending(), 0)
			},
		},
		{
			name: "canceled",
			setup: func(t *testing.T) *Simulator {
				s := newSwarm(t, 1, 1, DefaultOptions())
				require.NoError(t, s.sim.Initialize())
				return s.sim
			},
			run: func(sim *Simulator) (Results, error) {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				return sim.Run(ctx, 0, 0)
			},
			assert: func(t *testing.T, _ *Simulator, res Results, err error) {
				require.NoError(t, err)
				assert.Equal(t, ReasonCanceled, res.Reason)
				assert.Zero(t, res.Events)
			},
		},
		{
			name: "only seeds",
			setup: func(t *testing.T) *Simulator {
				s := newSwarm(t, 2, 0, DefaultOptions())
				require.NoError(t, s.sim.Initialize())
				return s.sim
			},
			run: func(sim *Simulator) (Results, error) {
				return sim.Run(context.Background(), 0, 0)
			},
			assert: func(t *testing.T, _ *Simulator, res Results, err error) {
				require.NoError(t, err)
				assert.Equal(t, ReasonAllSeeds, res.Reason)
				assert.Zero(t, res.Events)
				assert.Equal(t, 2, res.Seeds())
			},
		},
		{
			name: "queue drains once the last peer leaves",
			setup: func(t *testing.T) *Simulator {
				s := newSwarm(t, 0, 1, DefaultOptions())
				require.NoError(t, s.sim.Initialize())
				require.NoError(t, s.sim.ScheduleDeparture("1", 2))
				return s.sim
			},
			run: func(sim *Simulator) (Results, error) {
				return sim.Run(context.Background(), 0, 0)
			},
			assert: func(t *testing.T, sim *Simulator, res Results, err error) {
				require.NoError(t, err)
				assert.Equal(t, ReasonQueueEmpty, res.Reason)
				assert.Empty(t, res.Peers)
				assert.Zero(t, sim.Pending())
				assert.Zero(t, sim.PeerCount().Total)
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			sim := tt.setup(t)
			res, err := tt.run(sim)
			tt.assert(t, sim, res, err)
		})
	}
}

func TestInitializeErrors(t *testing.T) {
	meta, err := metainfo.Build(announceURL, "content.dat", testPieceSize, bytes.NewReader(testContent()))
	require.NoError(t, err)
	assert.ErrorIs(t, New(DefaultOptions(), meta, testLogger()).Initialize(), ErrNoPeers)

	s := newSwarm(t, 1, 1, DefaultOptions())
	require.NoError(t, s.sim.Initialize())
	assert.ErrorIs(t, s.sim.Initialize(), ErrAlreadyInitialized)

	_, err = s.sim.AddPeer(peer.Config{ID: "1"}, s.stores["1"])
	assert.ErrorIs(t, err, ErrDuplicatePeer)
	assert.ErrorIs(t, s.sim.ScheduleDeparture("9", 1), ErrUnknownPeer)
}

func TestDeterminism(t *testing.T) {
	run := func(seed int64) ([]trace, Results) {
		var seen []trace
		opts := DefaultOptions()
		opts.Seed = seed
		opts.OnDispatch = func(ev event.Event) {
			seen = append(seen, trace{ev.Time, ev.Target, ev.Kind()})
		}
		s := newSwarm(t, 1, 5, opts)
		require.NoError(t, s.sim.Initialize())
		res, err := s.sim.Run(context.Background(), testEndTime, 0)
		require.NoError(t, err)
		return seen, res
	}

	traceA, resA := run(42)
	traceB, resB := run(42)
	assert.Equal(t, traceA, traceB)
	assert.Equal(t, resA, resB)
	assert.Equal(t, ReasonAllSeeds, resA.Reason)
}

func TestDeparture(t *testing.T) {
	s := newSwarm(t, 1, 3, DefaultOptions())
	require.NoError(t, s.sim.Initialize())
	require.NoError(t, s.sim.ScheduleDeparture("4", 5))

	res, err := s.sim.Run(context.Background(), testEndTime, 0)
	require.NoError(t, err)

	assert.Equal(t, ReasonAllSeeds, res.Reason)
	assert.Equal(t, []string{"1", "2", "3"}, res.PeerIDs())
	assert.Equal(t, 3, s.sim.PeerCount().Total)
	_, ok := s.sim.Peer("4")
	assert.False(t, ok)
	for _, id := range res.PeerIDs() {
		p, ok := s.sim.Peer(id)
		require.True(t, ok)
		assert.NotContains(t, p.Connections(), "4", "peer %s", id)
	}
}

func TestLateJoiner(t *testing.T) {
	s := newSwarm(t, 1, 1, DefaultOptions())
	require.NoError(t, s.sim.Initialize())
	_, err := s.sim.Run(context.Background(), 3, 0)
	require.NoError(t, err)

	s.add(t, "3", false)
	assert.Equal(t, 3, s.sim.PeerCount().Total)

	res, err := s.sim.Run(context.Background(), testEndTime, 0)
	require.NoError(t, err)
	assert.Equal(t, ReasonAllSeeds, res.Reason)
	assert.Equal(t, testPieces, res.Peers["3"].PiecesOwned)
	assert.Equal(t, s.content, s.stored(t, "3"))
}

func TestConnectionCap(t *testing.T) {
	var tests = []struct {
		name           string
		maxConnections int
		leechers       int
	}{
		{name: "one connection each", maxConnections: 1, leechers: 4},
		{name: "two connections each", maxConnections: 2, leechers: 4},
		{name: "cap below a larger swarm", maxConnections: 2, leechers: 8},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			opts.Peer.MaxConnections = tt.maxConnections
			s := newSwarm(t, 1, tt.leechers, opts)
			require.NoError(t, s.sim.Initialize())

			res, err := s.sim.Run(context.Background(), testEndTime, 0)
			require.NoError(t, err)

			assert.Equal(t, ReasonAllSeeds, res.Reason)
			for _, id := range res.PeerIDs() {
				p, ok := s.sim.Peer(id)
				require.True(t, ok)
				assert.LessOrEqual(t, len(p.Connections()), tt.maxConnections, "peer %s", id)
				assert.Equal(t, s.content, s.stored(t, id), "peer %s", id)
			}
		})
	}
}

func TestInvalidEventsDropped(t *testing.T) {
	s := newSwarm(t, 1, 1, DefaultOptions())
	require.NoError(t, s.sim.Initialize())
	pending := s.sim.Pending()

	s.sim.Schedule(0, "2", event.Deliver{From: "1"})
	s.sim.Schedule(0, "2", nil)
	assert.Equal(t, pending, s.sim.Pending())

	var res Results
	var err error
	assert.NotPanics(t, func() {
		res, err = s.sim.Run(context.Background(), testEndTime, 0)
	})
	require.NoError(t, err)
	assert.Equal(t, ReasonAllSeeds, res.Reason)
}

func TestDeliveryToDepartedPeer(t *testing.T) {
	s := newSwarm(t, 1, 1, DefaultOptions())
	require.NoError(t, s.sim.Initialize())
	_, err := s.sim.Run(context.Background(), 0.5, 0)
	require.NoError(t, err)

	// "3" is not in the swarm, so "2" hears back that nobody answered
	p, ok := s.sim.Peer("2")
	require.True(t, ok)
	env := &dispatchEnv{s: s.sim, self: "2"}
	p.Connect(env, models.PeerInfo{ID: "3"})
	require.Contains(t, p.Connections(), "3")

	res, err := s.sim.Run(context.Background(), testEndTime, 0)
	require.NoError(t, err)
	assert.Equal(t, ReasonAllSeeds, res.Reason)
	assert.NotContains(t, p.Connections(), "3")
}

func TestLinkBandwidth(t *testing.T) {
	var seen []trace
	opts := DefaultOptions()
	opts.LinkBandwidth = 64
	opts.OnDispatch = func(ev event.Event) {
		seen = append(seen, trace{ev.Time, ev.Target, ev.Kind()})
	}
	s := newSwarm(t, 1, 3, opts)
	require.NoError(t, s.sim.Initialize())

	res, err := s.sim.Run(context.Background(), testEndTime, 0)
	require.NoError(t, err)

	assert.Equal(t, ReasonAllSeeds, res.Reason)
	for i := 1; i < len(seen); i++ {
		require.LessOrEqual(t, seen[i-1].time, seen[i].time)
	}
	for _, id := range res.PeerIDs() {
		assert.Equal(t, s.content, s.stored(t, id), "peer %s", id)
	}
}

func TestBuild(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/swarm/Common.cfg", []byte("PieceSize 32\nFileName content.dat\nFileSize 300\nMaxConnections 8\n"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/swarm/PeerInfo.cfg", []byte("1001 localhost 6001 1\n1002 localhost 6002 0\n1003 localhost 6003 0\n"), 0644))

	conf, err := loadConfig(fs)
	require.NoError(t, err)
	sim, err := Build(conf, DefaultOptions(), fs, "/swarm", testLogger())
	require.NoError(t, err)

	content, err := afero.ReadFile(fs, "/swarm/content.dat")
	require.NoError(t, err)
	assert.Len(t, content, 300)

	torrent, err := fs.Open("/swarm/content.dat.torrent")
	require.NoError(t, err)
	defer torrent.Close()
	meta, err := metainfo.NewDecoder(testLogger()).Decode(torrent)
	require.NoError(t, err)
	assert.Equal(t, sim.Metafile().InfoHash, meta.InfoHash)
	assert.Equal(t, 10, meta.Info.NumPieces())

	seeded, err := afero.ReadFile(fs, "/swarm/peer_1001/content.dat")
	require.NoError(t, err)
	assert.Equal(t, content, seeded)

	require.NoError(t, sim.Initialize())
	res, err := sim.Run(context.Background(), testEndTime, 0)
	require.NoError(t, err)
	assert.Equal(t, ReasonAllSeeds, res.Reason)
	for _, id := range []string{"1002", "1003"} {
		got, err := afero.ReadFile(fs, "/swarm/peer_"+id+"/content.dat")
		require.NoError(t, err)
		assert.Equal(t, content, got, "peer %s", id)
	}

	again, err := Build(conf, DefaultOptions(), fs, "/swarm", testLogger())
	require.NoError(t, err)
	assert.Equal(t, sim.Metafile().InfoHash, again.Metafile().InfoHash, "existing content is reused")
	p, ok := again.Peer("1002")
	require.True(t, ok)
	assert.Zero(t, p.OwnedCount(), "leechers start empty on a rebuild")
}

func TestBuildMissingContent(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/swarm/Common.cfg", []byte("PieceSize 32\nFileName content.dat\n"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/swarm/PeerInfo.cfg", []byte("1001 localhost 6001\n1002 localhost 6002\n"), 0644))

	conf, err := loadConfig(fs)
	require.NoError(t, err)
	_, err = Build(conf, DefaultOptions(), fs, "/swarm", testLogger())
	assert.ErrorIs(t, err, ErrMissingContent)
}

func TestBuildRejectsCorruptTorrent(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/swarm/content.dat.torrent", []byte("not bencode"), 0644))

	_, err := readTorrent(fs, "/swarm/content.dat.torrent", testLogger())
	assert.Error(t, err)
	_, err = readTorrent(fs, "/swarm/missing.torrent", testLogger())
	assert.Error(t, err)
}

func loadConfig(fs afero.Fs) (config.Config, error) {
	return config.Load(fs, "/swarm/Common.cfg", "/swarm/PeerInfo.cfg")
}
