package alarm

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/mux"
)

// Listener is the ingest endpoint from spec.md §6: POST /v1/alarm/coordinator
// accepts a batch of alarm records, validating each against the schema and
// dropping only the invalid ones (not the whole batch); POST
// /v1/alarm/llm_engine simply logs. Routing follows the pack's
// gorilla/mux convention (4nonX-D-PlaneOS's handlers package) rather than
// the teacher's raw http.ServeMux, since the teacher has no router
// dependency of its own to imitate here.
type Listener struct {
	pipeline *Pipeline
}

func NewListener(p *Pipeline) *Listener {
	return &Listener{pipeline: p}
}

// Register attaches the alarm routes to r.
func (l *Listener) Register(r *mux.Router) {
	r.HandleFunc("/v1/alarm/coordinator", l.handleCoordinatorAlarms).Methods(http.MethodPost)
	r.HandleFunc("/v1/alarm/llm_engine", l.handleLLMEngineAlarms).Methods(http.MethodPost)
}

func (l *Listener) handleCoordinatorAlarms(w http.ResponseWriter, r *http.Request) {
	var records []Record
	if err := json.NewDecoder(r.Body).Decode(&records); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	accepted, rejected := 0, 0
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			log.Printf("alarm: listener dropped invalid record: %v", err)
			rejected++
			continue
		}
		l.pipeline.AlarmAdded(rec)
		accepted++
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]int{
		"accepted": accepted,
		"rejected": rejected,
	})
}

func (l *Listener) handleLLMEngineAlarms(w http.ResponseWriter, r *http.Request) {
	var body json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	log.Printf("alarm: llm_engine: %s", string(body))
	w.WriteHeader(http.StatusOK)
}
