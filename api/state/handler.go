// Package state serves read-only views of the worker session.
package state

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/kilianp07/roadside/core/dispatch"
	"github.com/kilianp07/roadside/core/model"
)

// Coordinator is the part of the dispatch coordinator the views read.
type Coordinator interface {
	Snapshot() dispatch.State
}

// Conversations returns the chat log of a job.
type Conversations interface {
	Log(jobID string) []model.ChatMessage
}

// Connection reports the dispatch channel state.
type Connection interface {
	State() model.ConnectionState
}

// Positions returns the last known position.
type Positions interface {
	Last() (model.Reading, bool)
}

// View is the body of GET /api/state.
type View struct {
	WorkerID   string                `json:"worker_id"`
	Connection model.ConnectionState `json:"connection"`
	dispatch.State
	Position *model.Reading `json:"position,omitempty"`
}

// Handler serves the state endpoints. Messages, Conn and Pos may be nil.
type Handler struct {
	WorkerID string
	Dispatch Coordinator
	Messages Conversations
	Conn     Connection
	Pos      Positions
}

// RegisterRoutes sets up the read-only routes.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/state", h.State).Methods(http.MethodGet)
	router.HandleFunc("/api/offers", h.Offers).Methods(http.MethodGet)
	router.HandleFunc("/api/job", h.Job).Methods(http.MethodGet)
	router.HandleFunc("/api/chat/{jobID}", h.Chat).Methods(http.MethodGet)
}

// State returns the full session view.
func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	v := View{WorkerID: h.WorkerID, Connection: model.Disconnected, State: h.Dispatch.Snapshot()}
	if h.Conn != nil {
		v.Connection = h.Conn.State()
	}
	if h.Pos != nil {
		if rd, ok := h.Pos.Last(); ok {
			v.Position = &rd
		}
	}
	writeJSON(w, http.StatusOK, v)
}

// Offers returns the open offers in arrival order.
func (h *Handler) Offers(w http.ResponseWriter, r *http.Request) {
	offers := h.Dispatch.Snapshot().Offers
	if offers == nil {
		offers = []model.JobOffer{}
	}
	writeJSON(w, http.StatusOK, offers)
}

// Job returns the active job, or 404 when there is none.
func (h *Handler) Job(w http.ResponseWriter, r *http.Request) {
	s := h.Dispatch.Snapshot()
	if s.ActiveJob == nil {
		http.Error(w, "no active job", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		*model.ActiveJob
		Pending *dispatch.Pending `json:"pending,omitempty"`
	}{s.ActiveJob, s.Pending})
}

// Chat returns the conversation of a job.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	if h.Messages == nil {
		http.Error(w, "chat disabled", http.StatusNotFound)
		return
	}
	log := h.Messages.Log(mux.Vars(r)["jobID"])
	if log == nil {
		log = []model.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, log)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
