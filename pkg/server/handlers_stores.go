package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/storeplane/storeplane/pkg/apierror"
	"github.com/storeplane/storeplane/pkg/audit"
	"github.com/storeplane/storeplane/pkg/auth"
	"github.com/storeplane/storeplane/pkg/lifecycle"
	"github.com/storeplane/storeplane/pkg/naming"
	"github.com/storeplane/storeplane/pkg/orchestrator"
	"github.com/storeplane/storeplane/pkg/registry"
)

// createStorePayload deliberately has no ownerId: the owner is always the
// authenticated caller.
type createStorePayload struct {
	Name          string          `json:"name"`
	Engine        registry.Engine `json:"engine"`
	Theme         *registry.Theme `json:"theme"`
	AdminPassword string          `json:"adminPassword"`
}

func (s *Server) handleCreateStore(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFrom(r.Context())

	var payload createStorePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, r, s.log, apierror.New(apierror.CodeValidation, "invalid JSON body"))
		return
	}

	if err := s.guard.CheckCreationCooldown(identity.ID, identity.IsAdmin()); err != nil {
		writeError(w, r, s.log, err)
		return
	}

	store, err := s.orch.CreateStore(r.Context(), orchestrator.CreateRequest{
		Name:          payload.Name,
		Engine:        payload.Engine,
		Theme:         payload.Theme,
		OwnerID:       identity.ID,
		AdminPassword: payload.AdminPassword,
	})
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"requestId": RequestIDFrom(r.Context()),
		"store":     viewStore(store, identity),
	})
}

func (s *Server) handleListStores(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFrom(r.Context())
	query := r.URL.Query()

	filter := registry.ListFilter{
		Status: lifecycle.Status(query.Get("status")),
		Engine: registry.Engine(query.Get("engine")),
		Limit:  intParam(query.Get("limit"), 20),
		Offset: intParam(query.Get("offset"), 0),
	}
	// Tenants only ever see their own stores; admins may scope to any owner.
	if identity.IsAdmin() {
		filter.OwnerID = query.Get("ownerId")
	} else {
		filter.OwnerID = identity.ID
	}

	stores, total, err := s.orch.ListStores(r.Context(), filter)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}

	views := make([]storeView, 0, len(stores))
	for i := range stores {
		views = append(views, viewStore(&stores[i], identity))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requestId": RequestIDFrom(r.Context()),
		"stores":    views,
		"total":     total,
		"limit":     filter.Limit,
		"offset":    filter.Offset,
	})
}

// authorizeStore loads the store and enforces tenant scoping.
func (s *Server) authorizeStore(r *http.Request, identity *auth.Identity) (*registry.Store, error) {
	id := chi.URLParam(r, "id")
	if !naming.IsStoreID(id) {
		return nil, apierror.Newf(apierror.CodeValidation, "malformed store id %q", id)
	}
	store, err := s.orch.GetStore(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if !identity.IsAdmin() && store.OwnerID != identity.ID {
		// Hide the store's existence from other tenants.
		return nil, apierror.Newf(apierror.CodeStoreNotFound, "store %s not found", id)
	}
	return store, nil
}

func (s *Server) handleGetStore(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFrom(r.Context())
	store, err := s.authorizeStore(r, identity)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requestId": RequestIDFrom(r.Context()),
		"store":     viewStore(store, identity),
	})
}

func (s *Server) handleDeleteStore(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFrom(r.Context())
	store, err := s.authorizeStore(r, identity)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}

	updated, err := s.orch.DeleteStore(r.Context(), store.ID)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"requestId": RequestIDFrom(r.Context()),
		"store":     viewStore(updated, identity),
	})
}

func (s *Server) handleRetryStore(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFrom(r.Context())
	store, err := s.authorizeStore(r, identity)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}

	updated, err := s.orch.RetryStore(r.Context(), store.ID)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"requestId": RequestIDFrom(r.Context()),
		"store":     viewStore(updated, identity),
	})
}

func (s *Server) handleStoreLogs(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFrom(r.Context())
	store, err := s.authorizeStore(r, identity)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}

	query := r.URL.Query()
	limit := intParam(query.Get("limit"), 50)
	offset := intParam(query.Get("offset"), 0)

	events, total, err := s.orch.GetStoreLogs(r.Context(), store.ID, limit, offset)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requestId": RequestIDFrom(r.Context()),
		"logs":      events,
		"total":     total,
		"limit":     limit,
		"offset":    offset,
	})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFrom(r.Context())
	query := r.URL.Query()

	filter := audit.Filter{
		StoreID:   query.Get("storeId"),
		EventType: audit.EventType(query.Get("eventType")),
		Limit:     intParam(query.Get("limit"), 50),
		Offset:    intParam(query.Get("offset"), 0),
	}
	// Tenants only see events for stores they own.
	if !identity.IsAdmin() {
		filter.OwnerID = identity.ID
	}

	events, total, err := s.audit.Query(r.Context(), filter)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requestId": RequestIDFrom(r.Context()),
		"events":    events,
		"total":     total,
		"limit":     filter.Limit,
		"offset":    filter.Offset,
	})
}

func intParam(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
