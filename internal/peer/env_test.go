package peer

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"testing"

	"github.com/WendelHime/swarmsim/internal/message"
	"github.com/WendelHime/swarmsim/internal/metainfo"
	"github.com/WendelHime/swarmsim/internal/shared/models"
	"github.com/WendelHime/swarmsim/internal/storage"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

type sent struct {
	to    string
	msg   message.Message
	delay float64
}

type fakeEnv struct {
	now       float64
	rng       *rand.Rand
	sent      []sent
	peers     []models.PeerInfo
	announced [][]int
	closed    []string
}

func newFakeEnv() *fakeEnv {
	return &fakeEnv{rng: rand.New(rand.NewSource(3))}
}

func (e *fakeEnv) Now() float64 { return e.now }

func (e *fakeEnv) Rand() *rand.Rand { return e.rng }

func (e *fakeEnv) Send(to string, msg message.Message, delay float64) {
	e.sent = append(e.sent, sent{to: to, msg: msg, delay: delay})
}

func (e *fakeEnv) Announce(owned []int, maxPeers int) []models.PeerInfo {
	e.announced = append(e.announced, owned)
	return e.peers
}

func (e *fakeEnv) Close(to string) {
	e.closed = append(e.closed, to)
}

// take returns everything sent so far and forgets it.
func (e *fakeEnv) take() []sent {
	out := e.sent
	e.sent = nil
	return out
}

func (e *fakeEnv) ofType(t message.Type) []sent {
	var out []sent
	for _, s := range e.sent {
		if s.msg.Type() == t {
			out = append(out, s)
		}
	}
	return out
}

const (
	testPieceSize = 8
	testBlockSize = 4
)

func testContent(numPieces int) []byte {
	var b bytes.Buffer
	for i := 0; b.Len() < numPieces*testPieceSize; i++ {
		fmt.Fprintf(&b, "%d,", i)
	}
	return b.Bytes()[:numPieces*testPieceSize]
}

func testMeta(t *testing.T, content []byte) models.Metafile {
	m, err := metainfo.Build("sim://tracker", "content.dat", testPieceSize, bytes.NewReader(content))
	require.NoError(t, err)
	return m
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPeer(t *testing.T, id string, seed bool, content []byte, mutate func(*Config)) *Peer {
	t.Helper()
	fs := afero.NewMemMapFs()
	path := id + "/content.dat"
	if seed {
		require.NoError(t, afero.WriteFile(fs, path, content, 0644))
	}
	store, err := storage.NewFileHandler(fs, path, testPieceSize, int64(len(content)))
	require.NoError(t, err)

	cfg := Config{ID: id, Addr: models.Addr{Host: "localhost", Port: 6000}, IsSeed: seed, BlockSize: testBlockSize}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg, testMeta(t, content), store, testLogger())
	require.NoError(t, err)
	return p
}

// link marks a connection as established on p without any message exchange.
func link(p *Peer, remote string) *ConnectionState {
	conn := newConnectionState(0)
	conn.Handshaked = true
	p.conns[remote] = conn
	return conn
}

func pieceOf(content []byte, index int) []byte {
	return content[index*testPieceSize : (index+1)*testPieceSize]
}

func newSet(ids ...string) mapset.Set[string] {
	return mapset.NewThreadUnsafeSet[string](ids...)
}
