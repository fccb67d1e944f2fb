package simulator

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/WendelHime/swarmsim/internal/config"
	"github.com/WendelHime/swarmsim/internal/metainfo"
	"github.com/WendelHime/swarmsim/internal/shared/models"
	"github.com/WendelHime/swarmsim/internal/storage"
	"github.com/spf13/afero"
)

const announceURL = "sim://tracker/announce"

var ErrMissingContent = errors.New("content file missing and no FileSize to generate it")

// Build prepares a simulation from a loaded configuration. The shared content
// is read from FileName under dir, or generated from opts.Seed when it does not
// exist and FileSize is set. Its metainfo is written next to it, and every
// peer gets its own copy under dir/peer_<id>/, filled in for seeds only.
func Build(conf config.Config, opts Options, fs afero.Fs, dir string, logger *slog.Logger) (*Simulator, error) {
	if len(conf.Peers) == 0 {
		return nil, ErrNoPeers
	}
	contentPath := filepath.Join(dir, conf.Common.FileName)
	content, err := loadContent(fs, contentPath, conf.Common.FileSize, opts.Seed)
	if err != nil {
		return nil, err
	}

	base := filepath.Base(conf.Common.FileName)
	built, err := metainfo.Build(announceURL, base, conf.Common.PieceSize, bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("build metainfo: %w", err)
	}
	torrentPath := contentPath + ".torrent"
	if err := writeTorrent(fs, torrentPath, built); err != nil {
		return nil, err
	}
	// peers work from the .torrent on disk, as a client would
	meta, err := readTorrent(fs, torrentPath, logger)
	if err != nil {
		return nil, err
	}

	sim := New(opts, meta, logger)
	for _, entry := range conf.Peers {
		path := filepath.Join(dir, "peer_"+entry.ID, base)
		if entry.HasFile {
			if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return nil, fmt.Errorf("peer %s: %w", entry.ID, err)
			}
			if err := afero.WriteFile(fs, path, content, 0644); err != nil {
				return nil, fmt.Errorf("peer %s: %w", entry.ID, err)
			}
		} else if err := fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("peer %s: %w", entry.ID, err)
		}

		store, err := storage.NewFileHandler(fs, path, conf.Common.PieceSize, int64(len(content)))
		if err != nil {
			return nil, fmt.Errorf("peer %s: %w", entry.ID, err)
		}

		cfg := sim.opts.Peer
		cfg.ID = entry.ID
		cfg.Addr = models.Addr{Host: entry.Host, Port: entry.Port}
		cfg.IsSeed = entry.HasFile
		cfg.HandshakeHeader = conf.Common.HandshakeHeader
		cfg.MaxConnections = conf.Common.MaxConnections
		if _, err := sim.AddPeer(cfg, store); err != nil {
			return nil, err
		}
	}
	logger.Info("swarm built",
		slog.String("file", conf.Common.FileName),
		slog.Int("size", len(content)),
		slog.Int("pieces", meta.Info.NumPieces()),
		slog.Int("peers", len(conf.Peers)))
	return sim, nil
}

func loadContent(fs afero.Fs, path string, size, seed int64) ([]byte, error) {
	content, err := afero.ReadFile(fs, path)
	if err == nil {
		return content, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if size <= 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrMissingContent)
	}

	content = make([]byte, size)
	rand.New(rand.NewSource(seed)).Read(content)
	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	if err := afero.WriteFile(fs, path, content, 0644); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	return content, nil
}

func writeTorrent(fs afero.Fs, path string, meta models.Metafile) error {
	f, err := fs.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	if err := metainfo.Encode(f, meta); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return nil
}

func readTorrent(fs afero.Fs, path string, logger *slog.Logger) (models.Metafile, error) {
	f, err := fs.Open(path)
	if err != nil {
		return models.Metafile{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	meta, err := metainfo.NewDecoder(logger).Decode(f)
	if err != nil {
		return models.Metafile{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return meta, nil
}
