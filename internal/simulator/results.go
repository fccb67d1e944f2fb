package simulator

import (
	"slices"

	"github.com/samber/lo"
)

// Reason tells why Run returned.
type Reason string

const (
	ReasonQueueEmpty Reason = "queue-empty"
	ReasonEndTime    Reason = "end-time"
	ReasonMaxEvents  Reason = "max-events"
	ReasonAllSeeds   Reason = "all-seeds"
	ReasonCanceled   Reason = "canceled"
)

type PeerResult struct {
	IsSeed             bool    `json:"is_seed"`
	PiecesOwned        int     `json:"pieces_owned"`
	TotalPieces        int     `json:"total_pieces"`
	CompletedAt        float64 `json:"completed_at"`
	Uploaded           int64   `json:"uploaded"`
	Downloaded         int64   `json:"downloaded"`
	PiecesCompleted    int     `json:"pieces_completed"`
	DuplicateFragments int     `json:"duplicate_fragments"`
	HashFailures       int     `json:"hash_failures"`
	RequestsSent       int     `json:"requests_sent"`
	RequestsIgnored    int     `json:"requests_ignored"`
	HavesSent          int     `json:"haves_sent"`
	OptimisticUnchokes int     `json:"optimistic_unchokes"`
}

type Results struct {
	EndTime float64               `json:"simulation_end_time"`
	Reason  Reason                `json:"reason"`
	Events  int                   `json:"events"`
	Peers   map[string]PeerResult `json:"per_peer"`
}

// PeerIDs lists the peers in the snapshot in ascending order.
func (r Results) PeerIDs() []string {
	ids := lo.Keys(r.Peers)
	slices.Sort(ids)
	return ids
}

func (r Results) Seeds() int {
	return lo.CountBy(lo.Values(r.Peers), func(p PeerResult) bool { return p.IsSeed })
}
