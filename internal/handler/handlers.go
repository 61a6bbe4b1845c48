// Package handler provides the routerd HTTP handlers.
package handler

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/partition-router/internal/errors"
	"github.com/devrev/pairdb/partition-router/internal/middleware"
	"github.com/devrev/pairdb/partition-router/internal/model"
	"github.com/devrev/pairdb/partition-router/internal/partitionkey"
	"github.com/devrev/pairdb/partition-router/internal/service"
)

const maxBodyBytes = 4 << 20

// CollectionForgetter is told when a collection is invalidated
type CollectionForgetter interface {
	ForgetCollection(collectionRID string)
}

// Dependencies are the services the handlers route through
type Dependencies struct {
	Cache     *service.PartitionKeyRangeCache
	Resolver  *service.BatchPartitionResolver
	Locations *service.LocationCache
	// Failover is nil when partition failover is disabled
	Failover *service.PartitionFailoverManager
	// Marker receives endpoint unavailability reports; the gossip service
	// when enabled, else the location cache
	Marker    service.UnavailabilityMarker
	Forgetter CollectionForgetter
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	deps     Dependencies
	validate *validator.Validate
	timeout  time.Duration
	logger   *zap.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(deps Dependencies, timeout time.Duration, logger *zap.Logger) *Handlers {
	if deps.Marker == nil {
		deps.Marker = deps.Locations
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		deps:     deps,
		validate: validator.New(),
		timeout:  timeout,
		logger:   logger,
	}
}

// Register adds the v1 routes to router
func (h *Handlers) Register(router *mux.Router) {
	v1 := router.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/collections/{rid}/resolve", h.ResolvePartitionKey).Methods(http.MethodPost)
	v1.HandleFunc("/collections/{rid}/chunks", h.ResolveChunks).Methods(http.MethodPost)
	v1.HandleFunc("/collections/{rid}/ranges", h.GetOverlappingRanges).Methods(http.MethodGet)
	v1.HandleFunc("/collections/{rid}/ranges/{range_id}", h.GetRangeByID).Methods(http.MethodGet)
	v1.HandleFunc("/collections/{rid}/ranges/{range_id}/failures", h.ReportPartitionFailure).Methods(http.MethodPost)
	v1.HandleFunc("/collections/{rid}", h.InvalidateCollection).Methods(http.MethodDelete)

	v1.HandleFunc("/endpoints", h.GetEndpoints).Methods(http.MethodGet)
	v1.HandleFunc("/endpoints/unavailable", h.MarkEndpointUnavailable).Methods(http.MethodPost)
	v1.HandleFunc("/partitions/overrides", h.ListPartitionOverrides).Methods(http.MethodGet)
}

// ResolvePartitionKey handles POST /v1/collections/{rid}/resolve
func (h *Handlers) ResolvePartitionKey(w http.ResponseWriter, r *http.Request) {
	rid := collectionRID(r)

	var req ResolveRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	key, err := parseKey(req.PartitionKey)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	def, err := req.Definition.toDefinition()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	res, ok, err := h.deps.Cache.ResolvePartitionKey(ctx, rid, def, key, req.ForceRefresh)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !ok {
		h.writeError(w, r, errors.NotFound("collection", rid))
		return
	}

	opType := model.OperationType(req.Operation)
	if opType == "" {
		opType = model.OperationRead
	}
	resourceType := model.ResourceType(req.ResourceType)
	if resourceType == "" {
		resourceType = model.ResourceDocument
	}
	op := opType.RequestOperation()

	endpoint := h.deps.Locations.ResolveServiceEndpoint(service.RouteRequest{
		OperationType:   opType,
		ResourceType:    resourceType,
		ExcludedRegions: req.ExcludedRegions,
	})

	resp := ResolveResponse{
		EffectivePartitionKey: res.EffectivePartitionKey,
		EffectiveRange:        res.EffectiveRange,
		Ranges:                res.Ranges,
		Endpoint:              endpoint,
		Endpoints:             h.deps.Locations.ApplicableEndpoints(op, req.ExcludedRegions),
	}
	if h.deps.Failover != nil && len(res.Ranges) == 1 {
		if override, ok := h.deps.Failover.ResolveOverride(rid, res.Ranges[0].ID, op); ok {
			resp.PartitionOverride = override
			resp.Endpoint = override
		}
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// ResolveChunks handles POST /v1/collections/{rid}/chunks
func (h *Handlers) ResolveChunks(w http.ResponseWriter, r *http.Request) {
	rid := collectionRID(r)

	var req ChunksRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	def, err := req.Definition.toDefinition()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	items := make([]service.ItemIdentity, len(req.Items))
	for i, it := range req.Items {
		key, err := parseKey(it.PartitionKey)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		items[i] = service.ItemIdentity{ID: it.ID, PartitionKey: key}
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	chunks, ok, err := h.deps.Resolver.ResolveChunksForCollection(ctx, h.deps.Cache, rid, items, def)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !ok {
		h.writeError(w, r, errors.NotFound("collection", rid))
		return
	}

	resp := ChunksResponse{Chunks: make([]ChunkResponse, len(chunks))}
	for i, c := range chunks {
		view := ChunkResponse{
			PartitionKeyRangeID: c.PartitionKeyRangeID,
			MinInclusive:        c.Range.MinInclusive,
			MaxExclusive:        c.Range.MaxExclusive,
			Items:               make([]ChunkItemView, len(c.Items)),
		}
		for j, it := range c.Items {
			view.Items[j] = ChunkItemView{Index: it.Index, ID: it.Item.ID}
		}
		resp.Chunks[i] = view
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// GetOverlappingRanges handles GET /v1/collections/{rid}/ranges
func (h *Handlers) GetOverlappingRanges(w http.ResponseWriter, r *http.Request) {
	rid := collectionRID(r)
	q := r.URL.Query()

	rng := model.FullRange()
	if q.Has("min") {
		rng.Min = q.Get("min")
	}
	if q.Has("max") {
		rng.Max = q.Get("max")
	}
	for _, epk := range []string{rng.Min, rng.Max} {
		if err := partitionkey.ValidateEPK(epk); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	if err := rng.Validate(); err != nil {
		h.writeError(w, r, errors.InvalidArgument(err.Error(), nil))
		return
	}
	force, err := parseBool(q.Get("force_refresh"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	ranges, ok, err := h.deps.Cache.TryGetOverlappingRanges(ctx, rid, rng, force)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !ok {
		h.writeError(w, r, errors.NotFound("collection", rid))
		return
	}
	if ranges == nil {
		ranges = []model.PartitionKeyRange{}
	}

	h.writeJSON(w, http.StatusOK, RangesResponse{Ranges: ranges})
}

// GetRangeByID handles GET /v1/collections/{rid}/ranges/{range_id}
func (h *Handlers) GetRangeByID(w http.ResponseWriter, r *http.Request) {
	rid := collectionRID(r)
	rangeID := mux.Vars(r)["range_id"]

	force, err := parseBool(r.URL.Query().Get("force_refresh"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	pkr, ok, err := h.deps.Cache.TryGetPartitionKeyRangeByID(ctx, rid, rangeID, force)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !ok {
		h.writeError(w, r, errors.NotFound("partition key range", rid+"/"+rangeID))
		return
	}

	h.writeJSON(w, http.StatusOK, pkr)
}

// InvalidateCollection handles DELETE /v1/collections/{rid}
func (h *Handlers) InvalidateCollection(w http.ResponseWriter, r *http.Request) {
	rid := collectionRID(r)
	h.deps.Cache.Invalidate(rid)
	if h.deps.Forgetter != nil {
		h.deps.Forgetter.ForgetCollection(rid)
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetEndpoints handles GET /v1/endpoints
func (h *Handlers) GetEndpoints(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	opName := q.Get("operation")
	if opName == "" {
		opName = "read"
	}
	op, ok := model.ParseRequestOperation(opName)
	if !ok || op == model.RequestOperationAll {
		h.writeError(w, r, errors.InvalidArgument("operation must be read or write", nil))
		return
	}

	var excluded []string
	if q.Has("excluded_regions") {
		excluded = splitList(q.Get("excluded_regions"))
	}

	unavailable := h.deps.Locations.UnavailableEndpoints()
	if unavailable == nil {
		unavailable = []service.UnavailableEndpoint{}
	}

	h.writeJSON(w, http.StatusOK, EndpointsResponse{
		Operation:   op.String(),
		Endpoints:   h.deps.Locations.ApplicableEndpoints(op, excluded),
		Unavailable: unavailable,
	})
}

// MarkEndpointUnavailable handles POST /v1/endpoints/unavailable
func (h *Handlers) MarkEndpointUnavailable(w http.ResponseWriter, r *http.Request) {
	var req MarkUnavailableRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	op, _ := model.ParseRequestOperation(req.Operation)

	h.deps.Marker.MarkEndpointUnavailable(req.Endpoint, op)
	w.WriteHeader(http.StatusAccepted)
}

// ReportPartitionFailure handles POST /v1/collections/{rid}/ranges/{range_id}/failures
func (h *Handlers) ReportPartitionFailure(w http.ResponseWriter, r *http.Request) {
	if h.deps.Failover == nil {
		h.writeError(w, r, errors.Unavailable("partition failover is disabled", nil))
		return
	}

	rid := collectionRID(r)
	rangeID := mux.Vars(r)["range_id"]

	var req FailureRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	op, _ := model.ParseRequestOperation(req.Operation)

	if req.Success {
		h.deps.Failover.RecordSuccess(rid, rangeID, op)
	} else {
		h.deps.Failover.RecordFailure(rid, rangeID, req.Endpoint, op)
	}

	resp := FailureResponse{}
	if endpoint, ok := h.deps.Failover.ResolveOverride(rid, rangeID, op); ok {
		resp.Overridden = true
		resp.Endpoint = endpoint
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ListPartitionOverrides handles GET /v1/partitions/overrides
func (h *Handlers) ListPartitionOverrides(w http.ResponseWriter, r *http.Request) {
	overrides := []service.PartitionOverride{}
	if h.deps.Failover != nil {
		overrides = append(overrides, h.deps.Failover.Overrides()...)
	}
	h.writeJSON(w, http.StatusOK, OverridesResponse{Overrides: overrides})
}

// WriteError writes err as the standard error body. Exported for the
// server's not-found handlers.
func (h *Handlers) WriteError(w http.ResponseWriter, r *http.Request, err error) {
	h.writeError(w, r, err)
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return errors.InvalidArgument("malformed request body", err)
	}
	if err := h.validate.Struct(dst); err != nil {
		return validationError(err)
	}
	return nil
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := middleware.RequestIDFromContext(r.Context())

	status := http.StatusInternalServerError
	code := errors.ErrCodeInternal
	message := err.Error()

	var re *errors.RoutingError
	if stderrors.As(err, &re) {
		status = re.HTTPStatus()
		code = re.Code
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("request_id", requestID),
			zap.String("path", r.URL.Path),
			zap.String("error_code", code.String()),
			zap.Error(err))
	} else {
		h.logger.Debug("Request rejected",
			zap.String("request_id", requestID),
			zap.String("path", r.URL.Path),
			zap.String("error_code", code.String()),
			zap.Error(err))
	}

	h.writeJSON(w, status, ErrorResponse{
		Status:    "error",
		ErrorCode: code.String(),
		Message:   message,
		RequestID: requestID,
	})
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func collectionRID(r *http.Request) string {
	return mux.Vars(r)["rid"]
}

func parseBool(s string) (bool, error) {
	if s == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, errors.InvalidArgument("force_refresh must be a boolean", err)
	}
	return b, nil
}

func splitList(s string) []string {
	out := []string{}
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
