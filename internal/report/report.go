// Package report exports simulation results as CSV or over HTTP.
package report

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/WendelHime/swarmsim/internal/simulator"
	"github.com/gorilla/mux"
)

var csvHeader = []string{
	"peer_id",
	"is_seed",
	"pieces_owned",
	"total_pieces",
	"completed_at",
	"uploaded",
	"downloaded",
	"pieces_completed",
	"duplicate_fragments",
	"hash_failures",
	"requests_sent",
	"requests_ignored",
	"haves_sent",
	"optimistic_unchokes",
}

// WriteCSV writes one row per peer, in ascending id order.
func WriteCSV(w io.Writer, results simulator.Results) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, id := range results.PeerIDs() {
		p := results.Peers[id]
		row := []string{
			id,
			strconv.FormatBool(p.IsSeed),
			strconv.Itoa(p.PiecesOwned),
			strconv.Itoa(p.TotalPieces),
			strconv.FormatFloat(p.CompletedAt, 'f', 3, 64),
			strconv.FormatInt(p.Uploaded, 10),
			strconv.FormatInt(p.Downloaded, 10),
			strconv.Itoa(p.PiecesCompleted),
			strconv.Itoa(p.DuplicateFragments),
			strconv.Itoa(p.HashFailures),
			strconv.Itoa(p.RequestsSent),
			strconv.Itoa(p.RequestsIgnored),
			strconv.Itoa(p.HavesSent),
			strconv.Itoa(p.OptimisticUnchokes),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

type peerResponse struct {
	ID string `json:"id"`
	simulator.PeerResult
}

// NewRouter serves a finished run:
//
//	GET /api/results      the whole snapshot
//	GET /api/peers/{id}   one peer
func NewRouter(results simulator.Results, logger *slog.Logger) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/results", func(rw http.ResponseWriter, req *http.Request) {
		writeJSON(rw, logger, http.StatusOK, results)
	}).Methods(http.MethodGet)

	r.HandleFunc("/api/peers/{id}", func(rw http.ResponseWriter, req *http.Request) {
		id := mux.Vars(req)["id"]
		p, ok := results.Peers[id]
		if !ok {
			writeJSON(rw, logger, http.StatusNotFound, map[string]string{"error": "unknown peer " + id})
			return
		}
		writeJSON(rw, logger, http.StatusOK, peerResponse{ID: id, PeerResult: p})
	}).Methods(http.MethodGet)
	return r
}

func writeJSON(rw http.ResponseWriter, logger *slog.Logger, status int, v any) {
	data, err := json.MarshalIndent(v, "", " ")
	if err != nil {
		logger.Error("failed to encode response", slog.Any("error", err))
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	rw.Write(data)
}
