package handler

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/devrev/pairdb/partition-router/internal/errors"
	"github.com/devrev/pairdb/partition-router/internal/model"
	"github.com/devrev/pairdb/partition-router/internal/partitionkey"
	"github.com/devrev/pairdb/partition-router/internal/service"
)

// DefinitionRequest is the partition key definition of a collection
type DefinitionRequest struct {
	Paths   []string `json:"paths" validate:"required,min=1,max=3,dive,startswith=/"`
	Kind    string   `json:"kind" validate:"omitempty,oneof=Hash MultiHash"`
	Version int      `json:"version" validate:"omitempty,oneof=1 2"`
}

func (d DefinitionRequest) toDefinition() (partitionkey.Definition, error) {
	def := partitionkey.Definition{
		Paths:   d.Paths,
		Kind:    partitionkey.Kind(d.Kind),
		Version: partitionkey.Version(d.Version),
	}
	return def, def.Validate()
}

// ResolveRequest is the body of POST /v1/collections/{rid}/resolve
type ResolveRequest struct {
	PartitionKey json.RawMessage   `json:"partition_key" validate:"required"`
	Definition   DefinitionRequest `json:"definition"`
	Operation    string            `json:"operation" validate:"omitempty,oneof=Create Read ReadFeed Query Replace Upsert Patch Delete Batch ExecuteJavaScript Head"`
	ResourceType string            `json:"resource_type" validate:"omitempty,oneof=docs sprocs colls dbs pkranges"`
	ForceRefresh bool              `json:"force_refresh"`
	// nil uses the configured exclusions, an empty list excludes nothing
	ExcludedRegions []string `json:"excluded_regions"`
}

// ResolveResponse is where a partition key lives and where to send the request
type ResolveResponse struct {
	EffectivePartitionKey string                    `json:"effective_partition_key,omitempty"`
	EffectiveRange        model.Range               `json:"effective_range"`
	Ranges                []model.PartitionKeyRange `json:"ranges"`
	Endpoint              string                    `json:"endpoint"`
	Endpoints             []string                  `json:"endpoints"`
	PartitionOverride     string                    `json:"partition_override,omitempty"`
}

// ChunkItemRequest identifies one item of a read-many request
type ChunkItemRequest struct {
	ID           string          `json:"id" validate:"required"`
	PartitionKey json.RawMessage `json:"partition_key" validate:"required"`
}

// ChunksRequest is the body of POST /v1/collections/{rid}/chunks
type ChunksRequest struct {
	Items      []ChunkItemRequest `json:"items" validate:"required,min=1,dive"`
	Definition DefinitionRequest  `json:"definition"`
}

// ChunkResponse is one query chunk
type ChunkResponse struct {
	PartitionKeyRangeID string          `json:"partition_key_range_id"`
	MinInclusive        string          `json:"min_inclusive"`
	MaxExclusive        string          `json:"max_exclusive"`
	Items               []ChunkItemView `json:"items"`
}

// ChunkItemView is an item placed in a chunk with its position in the request
type ChunkItemView struct {
	Index int    `json:"index"`
	ID    string `json:"id"`
}

// ChunksResponse lists the query chunks in ring order
type ChunksResponse struct {
	Chunks []ChunkResponse `json:"chunks"`
}

// RangesResponse lists partition key ranges in ring order
type RangesResponse struct {
	Ranges []model.PartitionKeyRange `json:"ranges"`
}

// EndpointsResponse lists endpoints in the order requests should try them
type EndpointsResponse struct {
	Operation   string                        `json:"operation"`
	Endpoints   []string                      `json:"endpoints"`
	Unavailable []service.UnavailableEndpoint `json:"unavailable"`
}

// MarkUnavailableRequest is the body of POST /v1/endpoints/unavailable
type MarkUnavailableRequest struct {
	Endpoint  string `json:"endpoint" validate:"required,url"`
	Operation string `json:"operation" validate:"required,oneof=read write all"`
}

// FailureRequest is the body of POST /v1/collections/{rid}/ranges/{range_id}/failures
type FailureRequest struct {
	Endpoint  string `json:"endpoint" validate:"required,url"`
	Operation string `json:"operation" validate:"required,oneof=read write"`
	Success   bool   `json:"success"`
}

// FailureResponse reports the partition's routing after a failure report
type FailureResponse struct {
	Overridden bool   `json:"overridden"`
	Endpoint   string `json:"endpoint,omitempty"`
}

// OverridesResponse lists partitions currently routed away from their endpoint
type OverridesResponse struct {
	Overrides []service.PartitionOverride `json:"overrides"`
}

// ErrorResponse represents the standard error response format
type ErrorResponse struct {
	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func parseKey(raw json.RawMessage) (partitionkey.Key, error) {
	return partitionkey.KeyFromJSON(string(raw))
}

// validationError flattens validator output into one InvalidArgument error
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		return errors.InvalidArgument("invalid request", err)
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed on %s", fe.Namespace(), fe.Tag()))
	}
	return errors.InvalidArgument("invalid request: "+strings.Join(parts, "; "), nil)
}
