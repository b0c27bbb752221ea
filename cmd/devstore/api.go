package main

import (
	"context"

	"github.com/ternstore/tern/core/devstore"
	"github.com/ternstore/tern/rpc/blockstore"
	"github.com/ternstore/tern/rpc/metadata"
)

// MetadataAPI exposes the embedded metadata service over net/rpc.
type MetadataAPI struct {
	Metadata *devstore.Metadata
}

func NewMetadataAPI(md *devstore.Metadata) *MetadataAPI {
	return &MetadataAPI{Metadata: md}
}

// CreateObjectUpload ...
func (m *MetadataAPI) CreateObjectUpload(args *metadata.CreateObjectUploadArgs, reply *metadata.CreateObjectUploadReply) error {
	log.Infow("rpc", "event", "MetadataAPI.CreateObjectUpload", "bucket", args.Bucket, "key", args.Key)
	r, err := m.Metadata.CreateObjectUpload(context.Background(), *args)
	if err != nil {
		return err
	}

	*reply = *r
	return nil
}

// CreateMultipart ...
func (m *MetadataAPI) CreateMultipart(args *metadata.CreateMultipartArgs, reply *metadata.CreateMultipartReply) error {
	log.Infow("rpc", "event", "MetadataAPI.CreateMultipart", "obj", args.ObjID, "num", args.Num)
	r, err := m.Metadata.CreateMultipart(context.Background(), *args)
	if err != nil {
		return err
	}

	*reply = *r
	return nil
}

// CompleteObjectUpload ...
func (m *MetadataAPI) CompleteObjectUpload(args *metadata.CompleteObjectUploadArgs, reply *metadata.CompleteObjectUploadReply) error {
	log.Infow("rpc", "event", "MetadataAPI.CompleteObjectUpload", "obj", args.ObjID)
	r, err := m.Metadata.CompleteObjectUpload(context.Background(), *args)
	if err != nil {
		return err
	}

	*reply = *r
	return nil
}

// CompleteMultipart ...
func (m *MetadataAPI) CompleteMultipart(args *metadata.CompleteMultipartArgs, reply *metadata.CompleteMultipartReply) error {
	log.Infow("rpc", "event", "MetadataAPI.CompleteMultipart", "obj", args.ObjID, "multipart", args.MultipartID)
	r, err := m.Metadata.CompleteMultipart(context.Background(), *args)
	if err != nil {
		return err
	}

	*reply = *r
	return nil
}

// AbortObjectUpload ...
func (m *MetadataAPI) AbortObjectUpload(args *metadata.AbortObjectUploadArgs, reply *metadata.AbortObjectUploadReply) error {
	log.Infow("rpc", "event", "MetadataAPI.AbortObjectUpload", "obj", args.ObjID)
	return m.Metadata.AbortObjectUpload(context.Background(), *args)
}

// AllocateObjectParts ...
func (m *MetadataAPI) AllocateObjectParts(args *metadata.AllocateObjectPartsArgs, reply *metadata.AllocateObjectPartsReply) error {
	log.Infow("rpc", "event", "MetadataAPI.AllocateObjectParts", "obj", args.ObjID, "chunks", len(args.Chunks))
	r, err := m.Metadata.AllocateObjectParts(context.Background(), *args)
	if err != nil {
		return err
	}

	*reply = *r
	return nil
}

// FinalizeObjectParts ...
func (m *MetadataAPI) FinalizeObjectParts(args *metadata.FinalizeObjectPartsArgs, reply *metadata.FinalizeObjectPartsReply) error {
	log.Infow("rpc", "event", "MetadataAPI.FinalizeObjectParts", "obj", args.ObjID, "parts", len(args.Parts))
	r, err := m.Metadata.FinalizeObjectParts(context.Background(), *args)
	if err != nil {
		return err
	}

	*reply = *r
	return nil
}

// ReadObjectMD ...
func (m *MetadataAPI) ReadObjectMD(args *metadata.ReadObjectMDArgs, reply *metadata.ReadObjectMDReply) error {
	r, err := m.Metadata.ReadObjectMD(context.Background(), *args)
	if err != nil {
		return err
	}

	*reply = *r
	return nil
}

// ReadObjectMappings ...
func (m *MetadataAPI) ReadObjectMappings(args *metadata.ReadObjectMappingsArgs, reply *metadata.ReadObjectMappingsReply) error {
	r, err := m.Metadata.ReadObjectMappings(context.Background(), *args)
	if err != nil {
		return err
	}

	*reply = *r
	return nil
}

// ReportErrorOnObject ...
func (m *MetadataAPI) ReportErrorOnObject(args *metadata.ReportErrorOnObjectArgs, reply *metadata.ReportErrorOnObjectReply) error {
	return m.Metadata.ReportErrorOnObject(context.Background(), *args)
}

// ReportEndpointProblems ...
func (m *MetadataAPI) ReportEndpointProblems(args *metadata.ReportEndpointProblemsArgs, reply *metadata.ReportEndpointProblemsReply) error {
	return m.Metadata.ReportEndpointProblems(context.Background(), *args)
}

// AgentAPI exposes one block agent over net/rpc.
type AgentAPI struct {
	Agent *devstore.Agent
}

func NewAgentAPI(agent *devstore.Agent) *AgentAPI {
	return &AgentAPI{Agent: agent}
}

// ReadBlock ...
func (a *AgentAPI) ReadBlock(args *blockstore.ReadBlockArgs, reply *blockstore.ReadBlockReply) error {
	data, err := a.Agent.ReadBlock(args.BlockMD)
	if err != nil {
		return err
	}

	reply.Data = data
	return nil
}

// WriteBlock ...
func (a *AgentAPI) WriteBlock(args *blockstore.WriteBlockArgs, reply *blockstore.WriteBlockReply) error {
	err := a.Agent.WriteBlock(args.BlockMD, args.Data)
	if err != nil {
		return err
	}

	reply.NumBytesReceived = len(args.Data)
	return nil
}
