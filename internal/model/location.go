package model

// AccountRegion is a region of the database account and the endpoint serving it
type AccountRegion struct {
	Name     string `json:"name"`
	Endpoint string `json:"databaseAccountEndpoint"`
}

// AccountProperties is the account topology returned by the service root
type AccountProperties struct {
	ID                           string          `json:"id"`
	WritableLocations            []AccountRegion `json:"writableLocations"`
	ReadableLocations            []AccountRegion `json:"readableLocations"`
	EnableMultipleWriteLocations bool            `json:"enableMultipleWriteLocations"`
}

// RequestOperation scopes endpoint unavailability
type RequestOperation int

const (
	RequestOperationRead RequestOperation = 1 << iota
	RequestOperationWrite

	RequestOperationAll = RequestOperationRead | RequestOperationWrite
)

// Includes reports whether o and op share an operation. All overlaps with
// everything, so a read-only mark still counts against an All request.
func (o RequestOperation) Includes(op RequestOperation) bool {
	return o&op != 0
}

func (o RequestOperation) String() string {
	switch o {
	case RequestOperationRead:
		return "read"
	case RequestOperationWrite:
		return "write"
	case RequestOperationAll:
		return "all"
	default:
		return "none"
	}
}

// ParseRequestOperation parses "read", "write" or "all"
func ParseRequestOperation(s string) (RequestOperation, bool) {
	switch s {
	case "read", "Read", "READ":
		return RequestOperationRead, true
	case "write", "Write", "WRITE":
		return RequestOperationWrite, true
	case "all", "All", "ALL":
		return RequestOperationAll, true
	}
	return 0, false
}

// OperationType is the kind of request being routed
type OperationType string

const (
	OperationCreate   OperationType = "Create"
	OperationRead     OperationType = "Read"
	OperationReadFeed OperationType = "ReadFeed"
	OperationQuery    OperationType = "Query"
	OperationReplace  OperationType = "Replace"
	OperationUpsert   OperationType = "Upsert"
	OperationPatch    OperationType = "Patch"
	OperationDelete   OperationType = "Delete"
	OperationBatch    OperationType = "Batch"
	OperationExecute  OperationType = "ExecuteJavaScript"
	OperationHead     OperationType = "Head"
)

// IsReadOnly reports whether the operation never mutates data
func (o OperationType) IsReadOnly() bool {
	switch o {
	case OperationRead, OperationReadFeed, OperationQuery, OperationHead:
		return true
	}
	return false
}

// RequestOperation returns the unavailability scope of the operation
func (o OperationType) RequestOperation() RequestOperation {
	if o.IsReadOnly() {
		return RequestOperationRead
	}
	return RequestOperationWrite
}

// ResourceType is the kind of resource a request targets
type ResourceType string

const (
	ResourceDocument          ResourceType = "docs"
	ResourceStoredProcedure   ResourceType = "sprocs"
	ResourceCollection        ResourceType = "colls"
	ResourceDatabase          ResourceType = "dbs"
	ResourcePartitionKeyRange ResourceType = "pkranges"
)
