// Package retrycontrol is the out-of-band operator surface: HTTP
// endpoints to ignore one or all pending blocking retries for a topic
// or a single partition, plus an endpoint to inspect current overrides.
package retrycontrol

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/microservices-platform/retry-dispatcher/pkg/apperr"
	"github.com/microservices-platform/retry-dispatcher/pkg/logging"
	"github.com/microservices-platform/retry-dispatcher/retry"
)

// Handler serves the operator control surface over the shared Blocking
// State Store.
type Handler struct {
	store  *retry.Store
	logger *logging.Logger
}

// NewHandler creates a Handler over store.
func NewHandler(store *retry.Store, logger *logging.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// Response is the generic envelope every endpoint responds with.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, Response{Success: false, Error: message})
}

// Routes mounts the control surface on r.
//
//	POST /topics/{topic}/ignore-once
//	POST /topics/{topic}/ignore-all
//	POST /topics/{topic}/reset
//	POST /topics/{topic}/partitions/{partition}/ignore-once
//	POST /topics/{topic}/partitions/{partition}/ignore-all
//	POST /topics/{topic}/partitions/{partition}/reset
//	GET  /targets
func (h *Handler) Routes(r chi.Router) {
	r.Post("/topics/{topic}/ignore-once", h.ignoreOnceTopic)
	r.Post("/topics/{topic}/ignore-all", h.ignoreAllTopic)
	r.Post("/topics/{topic}/reset", h.resetTopic)
	r.Post("/topics/{topic}/partitions/{partition}/ignore-once", h.ignoreOncePartition)
	r.Post("/topics/{topic}/partitions/{partition}/ignore-all", h.ignoreAllPartition)
	r.Post("/topics/{topic}/partitions/{partition}/reset", h.resetPartition)
	r.Get("/targets", h.listTargets)
}

func (h *Handler) ignoreOnceTopic(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	h.apply(w, retry.TopicTarget(topic), retry.IgnoringOnce())
}

func (h *Handler) ignoreAllTopic(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	h.apply(w, retry.TopicTarget(topic), retry.IgnoringAll())
}

func (h *Handler) resetTopic(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	h.apply(w, retry.TopicTarget(topic), retry.Blocking())
}

func (h *Handler) ignoreOncePartition(w http.ResponseWriter, r *http.Request) {
	tp, err := partitionTarget(r)
	if err != nil {
		writeAppError(w, err)
		return
	}
	h.apply(w, retry.TopicPartitionTarget(tp), retry.IgnoringOnce())
}

func (h *Handler) ignoreAllPartition(w http.ResponseWriter, r *http.Request) {
	tp, err := partitionTarget(r)
	if err != nil {
		writeAppError(w, err)
		return
	}
	h.apply(w, retry.TopicPartitionTarget(tp), retry.IgnoringAll())
}

func (h *Handler) resetPartition(w http.ResponseWriter, r *http.Request) {
	tp, err := partitionTarget(r)
	if err != nil {
		writeAppError(w, err)
		return
	}
	h.apply(w, retry.TopicPartitionTarget(tp), retry.Blocking())
}

func writeAppError(w http.ResponseWriter, err error) {
	writeError(w, apperr.GetHTTPStatus(err), err.Error())
}

func (h *Handler) apply(w http.ResponseWriter, target retry.BlockingTarget, state retry.BlockingState) {
	h.store.Set(target, state)
	h.logger.Info("operator override applied",
		zap.String("target", target.String()),
		zap.String("state", state.Kind.String()),
	)
	writeJSON(w, http.StatusOK, Response{Success: true, Data: targetView{
		Target: target.String(),
		State:  state.Kind.String(),
	}})
}

// targetView is the JSON shape a target and its state render as.
type targetView struct {
	Target string `json:"target"`
	State  string `json:"state"`
}

// listTargets reports the current state of every target the store holds
// an entry for (any target that has been written or watched, including
// ones now back to Blocking), so an operator can see current state
// before deciding whether to ignore-once or ignore-all.
func (h *Handler) listTargets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Response{Success: true, Data: h.store.Snapshot()})
}

func partitionTarget(r *http.Request) (retry.TopicPartition, error) {
	topic := chi.URLParam(r, "topic")
	partitionStr := chi.URLParam(r, "partition")
	partition, err := strconv.Atoi(partitionStr)
	if err != nil {
		return retry.TopicPartition{}, apperr.WrapError(err, apperr.ErrCodeBadRequest, "invalid partition")
	}
	return retry.TopicPartition{Topic: topic, Partition: partition}, nil
}
