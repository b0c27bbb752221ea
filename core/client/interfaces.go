package client

import (
	"context"

	"github.com/ternstore/tern/core/model"
	"github.com/ternstore/tern/rpc/metadata"
)

// MetadataService is the downward interface to the metadata service. The
// engine treats replies as opaque apart from the documented fields; it
// never makes allocation or placement decisions itself.
type MetadataService interface {
	CreateObjectUpload(ctx context.Context, args metadata.CreateObjectUploadArgs) (*metadata.CreateObjectUploadReply, error)
	CreateMultipart(ctx context.Context, args metadata.CreateMultipartArgs) (*metadata.CreateMultipartReply, error)
	CompleteObjectUpload(ctx context.Context, args metadata.CompleteObjectUploadArgs) (*metadata.CompleteObjectUploadReply, error)
	CompleteMultipart(ctx context.Context, args metadata.CompleteMultipartArgs) (*metadata.CompleteMultipartReply, error)
	AbortObjectUpload(ctx context.Context, args metadata.AbortObjectUploadArgs) error
	AllocateObjectParts(ctx context.Context, args metadata.AllocateObjectPartsArgs) (*metadata.AllocateObjectPartsReply, error)
	FinalizeObjectParts(ctx context.Context, args metadata.FinalizeObjectPartsArgs) (*metadata.FinalizeObjectPartsReply, error)
	ReadObjectMD(ctx context.Context, args metadata.ReadObjectMDArgs) (*metadata.ReadObjectMDReply, error)
	ReadObjectMappings(ctx context.Context, args metadata.ReadObjectMappingsArgs) (*metadata.ReadObjectMappingsReply, error)
	ReportErrorOnObject(ctx context.Context, args metadata.ReportErrorOnObjectArgs) error
	ReportEndpointProblems(ctx context.Context, args metadata.ReportEndpointProblemsArgs) error
}

// BlockStore reads and writes block replicas on agents; the block metadata
// carries the target agent address.
type BlockStore interface {
	ReadBlock(ctx context.Context, blockMD model.Block) ([]byte, error)
	WriteBlock(ctx context.Context, blockMD model.Block, data []byte) error
}
