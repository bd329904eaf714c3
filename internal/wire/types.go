package wire

// Recognized request Type strings, sent by the device adapter.
const (
	TypeCreatePool  = "create pool"
	TypeOpenPool    = "open pool"
	TypeReadBlock   = "read block"
	TypeWriteBlock  = "write block"
	TypeFreeBlock   = "free block"
	TypeBeginTXG    = "begin txg"
	TypeEndTXG      = "end txg"
	TypeFlushWrites = "flush writes" // recognized but never sent; see DESIGN.md
)

// Recognized response Type strings, received by the reader.
const (
	TypePoolCreateDone = "pool create done"
	TypePoolOpenDone   = "pool open done"
	TypeEndTXGDone     = "end txg done"
	TypeReadDone       = "read done"
	TypeWriteDone      = "write done"
)

// Field names used across request/response kv-maps.
const (
	FieldType        = "Type"
	FieldName        = "name"
	FieldGUID        = "GUID"
	FieldCredentials = "credentials"
	FieldEndpoint    = "endpoint"
	FieldRegion      = "region"
	FieldBucket      = "bucket"
	FieldSize        = "size"
	FieldBlock       = "block"
	FieldRequestID   = "request_id"
	FieldData        = "data"
	FieldTXG         = "TXG"
	FieldUberblock   = "uberblock"
	FieldNextBlock   = "next_block"
)
