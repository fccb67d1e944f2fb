package models

// PeerInfo is what the tracker knows and hands out about a swarm member.
type PeerInfo struct {
	ID     string
	Addr   Addr
	IsSeed bool
}
