// Package config loads the swarm description: Common.cfg holds the shared
// settings and PeerInfo.cfg lists the members, one per line.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

var (
	ErrMissingKey    = errors.New("missing configuration key")
	ErrInvalidValue  = errors.New("invalid configuration value")
	ErrDuplicatePeer = errors.New("duplicate peer id")
	ErrNoPeers       = errors.New("no peers configured")
)

const EnvPrefix = "SWARMSIM"

type Common struct {
	PieceSize       int
	FileName        string
	MaxConnections  int
	HandshakeHeader string
	// FileSize is only needed when FileName does not exist and content has to be generated.
	FileSize int64
}

type PeerEntry struct {
	ID      string
	Host    string
	Port    int
	HasFile bool
}

type Config struct {
	Common Common
	Peers  []PeerEntry
}

// Load reads both files from fs. Keys of Common.cfg can be overridden with
// SWARMSIM_<KEY> environment variables.
func Load(fs afero.Fs, commonPath, peerInfoPath string) (Config, error) {
	commonFile, err := fs.Open(commonPath)
	if err != nil {
		return Config{}, fmt.Errorf("open %s: %w", commonPath, err)
	}
	defer commonFile.Close()
	common, err := ParseCommon(commonFile)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", commonPath, err)
	}

	peerFile, err := fs.Open(peerInfoPath)
	if err != nil {
		return Config{}, fmt.Errorf("open %s: %w", peerInfoPath, err)
	}
	defer peerFile.Close()
	peers, err := ParsePeerInfo(peerFile)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", peerInfoPath, err)
	}

	return Config{Common: common, Peers: peers}, nil
}

func ParseCommon(r io.Reader) (Common, error) {
	v := viper.New()
	v.SetConfigType("properties")
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetDefault("HandshakeHeader", "P2PFILESHARINGPROJ")
	v.SetDefault("MaxConnections", 0)
	v.SetDefault("FileSize", 0)
	if err := v.ReadConfig(r); err != nil {
		return Common{}, fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}

	for _, key := range []string{"PieceSize", "FileName"} {
		if !v.IsSet(key) {
			return Common{}, fmt.Errorf("%w: %s", ErrMissingKey, key)
		}
	}

	c := Common{
		FileName:        strings.TrimSpace(v.GetString("FileName")),
		HandshakeHeader: v.GetString("HandshakeHeader"),
	}
	var err error
	if c.PieceSize, err = positiveInt(v, "PieceSize"); err != nil {
		return Common{}, err
	}
	if c.MaxConnections, err = nonNegativeInt(v, "MaxConnections"); err != nil {
		return Common{}, err
	}
	size, err := nonNegativeInt(v, "FileSize")
	if err != nil {
		return Common{}, err
	}
	c.FileSize = int64(size)
	if c.FileName == "" {
		return Common{}, fmt.Errorf("%w: FileName is empty", ErrInvalidValue)
	}
	if len(c.HandshakeHeader) > 255 {
		return Common{}, fmt.Errorf("%w: HandshakeHeader longer than 255 bytes", ErrInvalidValue)
	}
	return c, nil
}

func positiveInt(v *viper.Viper, key string) (int, error) {
	n, err := nonNegativeInt(v, key)
	if err == nil && n == 0 {
		return 0, fmt.Errorf("%w: %s must be positive", ErrInvalidValue, key)
	}
	return n, err
}

func nonNegativeInt(v *viper.Viper, key string) (int, error) {
	raw := strings.TrimSpace(v.GetString(key))
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalidValue, key, raw)
	}
	return n, nil
}

// ParsePeerInfo reads "id host port [has_file]" lines. Blank lines and lines
// starting with '#' are skipped. When no line carries the has_file column the
// first peer is the seed.
func ParsePeerInfo(r io.Reader) ([]PeerEntry, error) {
	var peers []PeerEntry
	seen := make(map[string]struct{})
	anyFlag := false

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 || len(fields) > 4 {
			return nil, fmt.Errorf("%w: line %d: want \"id host port [has_file]\"", ErrInvalidValue, lineNo)
		}
		port, err := strconv.Atoi(fields[2])
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("%w: line %d: port %q", ErrInvalidValue, lineNo, fields[2])
		}
		if _, dup := seen[fields[0]]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePeer, fields[0])
		}
		seen[fields[0]] = struct{}{}

		entry := PeerEntry{ID: fields[0], Host: fields[1], Port: port}
		if len(fields) == 4 {
			anyFlag = true
			switch fields[3] {
			case "1":
				entry.HasFile = true
			case "0":
			default:
				return nil, fmt.Errorf("%w: line %d: has_file %q", ErrInvalidValue, lineNo, fields[3])
			}
		}
		peers = append(peers, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(peers) == 0 {
		return nil, ErrNoPeers
	}
	if !anyFlag {
		peers[0].HasFile = true
	}
	return peers, nil
}
