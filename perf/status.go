package perf

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

// ControllerStatus describes an attached controller.
type ControllerStatus struct {
	TransportID string            `json:"trid"`
	Model       string            `json:"model"`
	Serial      string            `json:"serial"`
	Firmware    string            `json:"firmware"`
	VendorID    uint16            `json:"vendor_id"`
	QueuePairs  int               `json:"queue_pairs"`
	Namespaces  []NamespaceStatus `json:"namespaces"`
}

// NamespaceStatus describes one namespace.
type NamespaceStatus struct {
	ID         uint32 `json:"id"`
	Active     bool   `json:"active"`
	SizeBytes  uint64 `json:"size_bytes"`
	SectorSize uint32 `json:"sector_size"`
}

// NewStatusRouter exposes the runner over HTTP.
func NewStatusRouter(r *Runner) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, r.Report())
	}).Methods("GET")

	router.HandleFunc("/controllers", func(w http.ResponseWriter, _ *http.Request) {
		out := make([]ControllerStatus, 0, len(r.ctrlrs))
		for _, c := range r.ctrlrs {
			cs := ControllerStatus{
				TransportID: c.TransportID().String(),
				Model:       c.ModelNumber(),
				Serial:      c.SerialNumber(),
				Firmware:    c.FirmwareRevision(),
				VendorID:    c.VendorID(),
				QueuePairs:  c.QueuePairs(),
			}
			for _, ns := range c.Namespaces() {
				cs.Namespaces = append(cs.Namespaces, NamespaceStatus{
					ID:         ns.ID(),
					Active:     ns.IsActive(),
					SizeBytes:  ns.Size(),
					SectorSize: ns.SectorSize(),
				})
			}
			out = append(out, cs)
		}
		writeJSON(w, http.StatusOK, out)
	}).Methods("GET")

	router.HandleFunc("/workers/{id:[0-9]+}", func(w http.ResponseWriter, req *http.Request) {
		id, err := strconv.Atoi(mux.Vars(req)["id"])
		if err != nil {
			http.Error(w, "invalid worker id", http.StatusBadRequest)
			return
		}
		stats, ok := r.Worker(id)
		if !ok {
			http.Error(w, "worker not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}).Methods("GET")

	return router
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
