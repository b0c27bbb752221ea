package metadata

import (
	"github.com/google/uuid"

	"github.com/ternstore/tern/core/model"
)

// Metadata is the RPC surface of the metadata service. Allocation
// decisions, dedup detection and completion bookkeeping live behind it;
// the I/O engine only executes what it returns.
type Metadata interface {
	// CreateObjectUpload ...
	CreateObjectUpload(args CreateObjectUploadArgs, reply *CreateObjectUploadReply) error
	// CreateMultipart ...
	CreateMultipart(args CreateMultipartArgs, reply *CreateMultipartReply) error
	// CompleteObjectUpload ...
	CompleteObjectUpload(args CompleteObjectUploadArgs, reply *CompleteObjectUploadReply) error
	// CompleteMultipart ...
	CompleteMultipart(args CompleteMultipartArgs, reply *CompleteMultipartReply) error
	// AbortObjectUpload ...
	AbortObjectUpload(args AbortObjectUploadArgs, reply *AbortObjectUploadReply) error
	// AllocateObjectParts ...
	AllocateObjectParts(args AllocateObjectPartsArgs, reply *AllocateObjectPartsReply) error
	// FinalizeObjectParts ...
	FinalizeObjectParts(args FinalizeObjectPartsArgs, reply *FinalizeObjectPartsReply) error
	// ReadObjectMD ...
	ReadObjectMD(args ReadObjectMDArgs, reply *ReadObjectMDReply) error
	// ReadObjectMappings ...
	ReadObjectMappings(args ReadObjectMappingsArgs, reply *ReadObjectMappingsReply) error
	// ReportErrorOnObject ...
	ReportErrorOnObject(args ReportErrorOnObjectArgs, reply *ReportErrorOnObjectReply) error
	// ReportEndpointProblems ...
	ReportEndpointProblems(args ReportEndpointProblemsArgs, reply *ReportEndpointProblemsReply) error
}

type CreateObjectUploadArgs struct {
	Bucket      string
	Key         string
	Size        int64
	ContentType string
}

type CreateObjectUploadReply struct {
	ObjID            uuid.UUID
	BucketID         uuid.UUID
	TierID           uuid.UUID
	ChunkSplitConfig model.ChunkSplitConfig
	ChunkCoderConfig model.ChunkCoderConfig
}

type CreateMultipartArgs struct {
	ObjID uuid.UUID
	Num   int
}

type CreateMultipartReply struct {
	MultipartID      uuid.UUID
	ChunkSplitConfig model.ChunkSplitConfig
	ChunkCoderConfig model.ChunkCoderConfig
}

type CompleteObjectUploadArgs struct {
	ObjID    uuid.UUID
	Size     int64
	NumParts int
	MD5      string
	SHA256   string
}

type CompleteObjectUploadReply struct {
	Etag string
}

type CompleteMultipartArgs struct {
	ObjID       uuid.UUID
	MultipartID uuid.UUID
	Num         int
	Size        int64
	MD5         string
	NumParts    int
}

type CompleteMultipartReply struct {
	Etag string
}

type AbortObjectUploadArgs struct {
	ObjID uuid.UUID
}

type AbortObjectUploadReply struct {
}

// FragAlloc carries the blocks allocated for one fragment; one block per
// target replica.
type FragAlloc struct {
	Index  int
	Kind   model.FragKind
	Blocks []model.Block
}

// ChunkAlloc is the allocation verdict for one submitted chunk: either a
// dedup hit (DupChunkID set, no writes needed) or a block allocation per
// fragment plus the durability floor.
type ChunkAlloc struct {
	ChunkID         uuid.UUID
	DupChunkID      uuid.UUID
	MinWrittenFrags int
	Frags           []FragAlloc
}

type AllocateObjectPartsArgs struct {
	ObjID     uuid.UUID
	CheckDups bool
	Parts     []model.Part
	Chunks    []model.Chunk
}

type AllocateObjectPartsReply struct {
	Chunks []ChunkAlloc
}

// BlockResult reports the outcome of one block write back to the service.
type BlockResult struct {
	BlockID uuid.UUID
	Written bool
	Message string
}

type FinalizeObjectPartsArgs struct {
	ObjID        uuid.UUID
	Parts        []model.Part
	Chunks       []model.Chunk
	BlockResults []BlockResult
}

type FinalizeObjectPartsReply struct {
	HadErrors bool
}

type ReadObjectMDArgs struct {
	Bucket string
	Key    string
	ObjID  uuid.UUID
}

type ReadObjectMDReply struct {
	ObjectMD model.ObjectMD
}

type ReadObjectMappingsArgs struct {
	ObjID uuid.UUID
	Start int64
	End   int64
}

type ReadObjectMappingsReply struct {
	Mapping model.ObjectMapping
}

type ReportErrorOnObjectArgs struct {
	Action  string
	Bucket  string
	Key     string
	ObjID   uuid.UUID
	Start   int64
	End     int64
	BlockMD model.Block
	RPCCode string
	Message string
}

type ReportErrorOnObjectReply struct {
}

type ReportEndpointProblemsArgs struct {
	Problem string
	NodeID  uuid.UUID
	Message string
}

type ReportEndpointProblemsReply struct {
}
