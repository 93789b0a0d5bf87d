package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"granary.org/internal/entitlement"
)

type createOwnerRequest struct {
	Key         string `json:"key"`
	DisplayName string `json:"display_name"`
	LogLevel    string `json:"log_level"`
}

type createPoolRequest struct {
	ProductID    string `json:"product_id"`
	ConsumerUUID string `json:"consumer_uuid"`
	MaxMembers   int64  `json:"max_members"`
	Unlimited    bool   `json:"unlimited"`
}

type registerConsumerRequest struct {
	OwnerKey string `json:"owner_key"`
	Name     string `json:"name"`
	Type     string `json:"type"`
}

type bindRequest struct {
	PoolID       string `json:"pool_id"`
	ConsumerUUID string `json:"consumer_uuid"`
	EntitleDate  string `json:"entitle_date"`
}

func (a *API) handleOwnersCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createOwner(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

// handleOwnerResource serves /v1/owners/{key} and /v1/owners/{key}/pools.
func (a *API) handleOwnerResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/owners/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if strings.HasSuffix(path, "/pools") {
		key := strings.TrimSuffix(strings.TrimSuffix(path, "/pools"), "/")
		if key == "" {
			writeError(w, r, http.StatusNotFound, "owner not found")
			return
		}
		switch r.Method {
		case http.MethodGet:
			a.listPools(w, r, key)
		case http.MethodPost:
			a.createPool(w, r, key)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		}
		return
	}

	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		a.getOwner(w, r, path)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

func (a *API) createOwner(w http.ResponseWriter, r *http.Request) {
	var req createOwnerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Key) == "" {
		writeError(w, r, http.StatusBadRequest, "key is required")
		return
	}

	owner, err := a.svc.CreateOwner(r.Context(), entitlement.Owner{
		Key:         req.Key,
		DisplayName: req.DisplayName,
		LogLevel:    req.LogLevel,
	})
	if err != nil {
		handleEntitlementError(w, r, err)
		return
	}

	a.audit(r.Context(), "owner.create", "owner", owner.Key, nil)
	w.Header().Set("Location", "/v1/owners/"+owner.Key)
	writeJSON(w, http.StatusCreated, owner)
}

func (a *API) getOwner(w http.ResponseWriter, r *http.Request, key string) {
	owner, err := a.svc.GetOwner(r.Context(), key)
	if err != nil {
		handleEntitlementError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, owner)
}

func (a *API) listPools(w http.ResponseWriter, r *http.Request, ownerKey string) {
	if _, err := a.svc.GetOwner(r.Context(), ownerKey); err != nil {
		handleEntitlementError(w, r, err)
		return
	}
	pools, err := a.svc.ListPoolsByOwner(r.Context(), ownerKey)
	if err != nil {
		handleEntitlementError(w, r, err)
		return
	}
	if pools == nil {
		pools = []entitlement.Pool{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": pools})
}

func (a *API) createPool(w http.ResponseWriter, r *http.Request, ownerKey string) {
	var req createPoolRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.ProductID) == "" {
		writeError(w, r, http.StatusBadRequest, "product_id is required")
		return
	}
	if !req.Unlimited && req.MaxMembers <= 0 {
		writeError(w, r, http.StatusBadRequest, "max_members must be > 0 unless unlimited")
		return
	}

	pool, err := a.svc.CreatePool(r.Context(), entitlement.Pool{
		OwnerKey:     ownerKey,
		ProductID:    req.ProductID,
		ConsumerUUID: strings.TrimSpace(req.ConsumerUUID),
		MaxMembers:   req.MaxMembers,
		Unlimited:    req.Unlimited,
	})
	if err != nil {
		handleEntitlementError(w, r, err)
		return
	}

	meta := map[string]string{
		"product": pool.ProductID,
		"max":     strconv.FormatInt(pool.MaxMembers, 10),
	}
	if pool.ConsumerUUID != "" {
		meta["consumer"] = pool.ConsumerUUID
	}
	a.audit(r.Context(), "pool.create", "pool", pool.ID, meta)
	writeJSON(w, http.StatusCreated, pool)
}

func (a *API) handleConsumersCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.registerConsumer(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

// handleConsumerResource serves /v1/consumers/{uuid} and
// /v1/consumers/{uuid}/entitlements.
func (a *API) handleConsumerResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/consumers/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if strings.HasSuffix(path, "/entitlements") {
		uuid := strings.TrimSuffix(strings.TrimSuffix(path, "/entitlements"), "/")
		if uuid == "" {
			writeError(w, r, http.StatusNotFound, "consumer not found")
			return
		}
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.listEntitlements(w, r, uuid)
		return
	}

	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		a.getConsumer(w, r, path)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

func (a *API) registerConsumer(w http.ResponseWriter, r *http.Request) {
	var req registerConsumerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.OwnerKey) == "" || strings.TrimSpace(req.Name) == "" {
		writeError(w, r, http.StatusBadRequest, "owner_key and name are required")
		return
	}

	consumer, err := a.svc.RegisterConsumer(r.Context(), entitlement.Consumer{
		OwnerKey: req.OwnerKey,
		Name:     req.Name,
		Type:     req.Type,
	})
	if err != nil {
		handleEntitlementError(w, r, err)
		return
	}

	a.audit(r.Context(), "consumer.register", "consumer", consumer.UUID, map[string]string{
		"owner": consumer.OwnerKey,
		"type":  consumer.Type,
	})
	w.Header().Set("Location", "/v1/consumers/"+consumer.UUID)
	writeJSON(w, http.StatusCreated, consumer)
}

func (a *API) getConsumer(w http.ResponseWriter, r *http.Request, uuid string) {
	consumer, err := a.svc.GetConsumer(r.Context(), uuid)
	if err != nil {
		handleEntitlementError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, consumer)
}

func (a *API) listEntitlements(w http.ResponseWriter, r *http.Request, uuid string) {
	ents, err := a.svc.ListEntitlements(r.Context(), uuid)
	if err != nil {
		handleEntitlementError(w, r, err)
		return
	}
	if ents == nil {
		ents = []entitlement.Entitlement{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": ents})
}

func (a *API) handleBind(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req bindRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	poolID := strings.TrimSpace(req.PoolID)
	consumerUUID := strings.TrimSpace(req.ConsumerUUID)
	if poolID == "" || consumerUUID == "" {
		writeError(w, r, http.StatusBadRequest, "pool_id and consumer_uuid are required")
		return
	}
	var at time.Time
	if req.EntitleDate != "" {
		parsed, err := time.Parse(time.RFC3339, req.EntitleDate)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "entitle_date must be RFC3339")
			return
		}
		at = parsed
	}

	ent, err := a.entitler.BindByPool(r.Context(), poolID, consumerUUID, at)
	if err != nil {
		handleEntitlementError(w, r, err)
		return
	}

	a.audit(r.Context(), "entitlement.bind", "entitlement", ent.ID, map[string]string{
		"pool":     ent.PoolID,
		"consumer": ent.ConsumerUUID,
		"product":  ent.ProductID,
	})
	writeJSON(w, http.StatusCreated, ent)
}
