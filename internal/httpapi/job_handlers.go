package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"granary.org/internal/entitlement"
	"granary.org/internal/jobs"
)

// submitJobRequest is the wire form of an entitle-by-products submission.
// FromPools is a pointer so an absent field and an explicit empty list stay
// distinguishable; the job contract rejects the former.
type submitJobRequest struct {
	OwnerKey     string    `json:"owner_key"`
	ConsumerUUID string    `json:"consumer_uuid"`
	ProductIDs   []string  `json:"product_ids"`
	FromPools    *[]string `json:"from_pools"`
	EntitleDate  string    `json:"entitle_date"`
}

func (a *API) handleJobsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.submitJob(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleJobResource(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/jobs/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	job, err := a.scheduler.Get(id)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			writeError(w, r, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var entitleDate time.Time
	if req.EntitleDate != "" {
		parsed, err := time.Parse(time.RFC3339, req.EntitleDate)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "entitle_date must be RFC3339")
			return
		}
		entitleDate = parsed
	}

	// Resolve the owner for the exclusivity scope: explicit key first,
	// the consumer's owner otherwise.
	ownerKey := strings.TrimSpace(req.OwnerKey)
	if ownerKey == "" && strings.TrimSpace(req.ConsumerUUID) != "" {
		consumer, err := a.svc.GetConsumer(r.Context(), req.ConsumerUUID)
		if err != nil {
			handleEntitlementError(w, r, err)
			return
		}
		ownerKey = consumer.OwnerKey
	}
	var owner entitlement.Owner
	if ownerKey != "" {
		resolved, err := a.svc.GetOwner(r.Context(), ownerKey)
		if err != nil {
			handleEntitlementError(w, r, err)
			return
		}
		owner = resolved
	}

	cfg := jobs.NewEntitleByProductsConfig().
		SetOwner(owner).
		SetConsumer(req.ConsumerUUID).
		SetProducts(req.ProductIDs).
		SetEntitleDate(entitleDate)
	if req.FromPools != nil {
		cfg.SetPools(*req.FromPools)
	}

	job, err := a.scheduler.Submit(r.Context(), cfg.Config)
	if err != nil {
		handleJobError(w, r, err)
		return
	}

	a.audit(r.Context(), "job.submit", "job", job.ID, map[string]string{
		"key":      job.Key,
		"consumer": req.ConsumerUUID,
	})
	w.Header().Set("Location", "/v1/jobs/"+job.ID)
	writeJSON(w, http.StatusAccepted, job)
}

func handleJobError(w http.ResponseWriter, r *http.Request, err error) {
	var validationErr *jobs.ValidationError
	switch {
	case errors.Is(err, jobs.ErrInvalidConfiguration), errors.As(err, &validationErr):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, jobs.ErrSchedulerClosed):
		writeError(w, r, http.StatusServiceUnavailable, "scheduler is shutting down")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
