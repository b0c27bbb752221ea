package metadata

import (
	"context"
	"net/rpc"
)

// Client talks to a remote metadata service over net/rpc.
type Client struct {
	rpcClient *rpc.Client
}

func NewClient(addr string) (*Client, error) {
	rpcClient, err := rpc.DialHTTP("tcp", addr)
	if err != nil {
		return nil, err
	}

	return &Client{rpcClient: rpcClient}, nil
}

func (c *Client) Close() error {
	return c.rpcClient.Close()
}

func (c *Client) call(ctx context.Context, method string, args, reply any) error {
	call := c.rpcClient.Go(method, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case done := <-call.Done:
		return done.Error
	}
}

func (c *Client) CreateObjectUpload(ctx context.Context, args CreateObjectUploadArgs) (*CreateObjectUploadReply, error) {
	var reply CreateObjectUploadReply
	err := c.call(ctx, "MetadataAPI.CreateObjectUpload", args, &reply)
	if err != nil {
		return nil, err
	}

	return &reply, nil
}

func (c *Client) CreateMultipart(ctx context.Context, args CreateMultipartArgs) (*CreateMultipartReply, error) {
	var reply CreateMultipartReply
	err := c.call(ctx, "MetadataAPI.CreateMultipart", args, &reply)
	if err != nil {
		return nil, err
	}

	return &reply, nil
}

func (c *Client) CompleteObjectUpload(ctx context.Context, args CompleteObjectUploadArgs) (*CompleteObjectUploadReply, error) {
	var reply CompleteObjectUploadReply
	err := c.call(ctx, "MetadataAPI.CompleteObjectUpload", args, &reply)
	if err != nil {
		return nil, err
	}

	return &reply, nil
}

func (c *Client) CompleteMultipart(ctx context.Context, args CompleteMultipartArgs) (*CompleteMultipartReply, error) {
	var reply CompleteMultipartReply
	err := c.call(ctx, "MetadataAPI.CompleteMultipart", args, &reply)
	if err != nil {
		return nil, err
	}

	return &reply, nil
}

func (c *Client) AbortObjectUpload(ctx context.Context, args AbortObjectUploadArgs) error {
	var reply AbortObjectUploadReply
	return c.call(ctx, "MetadataAPI.AbortObjectUpload", args, &reply)
}

func (c *Client) AllocateObjectParts(ctx context.Context, args AllocateObjectPartsArgs) (*AllocateObjectPartsReply, error) {
	var reply AllocateObjectPartsReply
	err := c.call(ctx, "MetadataAPI.AllocateObjectParts", args, &reply)
	if err != nil {
		return nil, err
	}

	return &reply, nil
}

func (c *Client) FinalizeObjectParts(ctx context.Context, args FinalizeObjectPartsArgs) (*FinalizeObjectPartsReply, error) {
	var reply FinalizeObjectPartsReply
	err := c.call(ctx, "MetadataAPI.FinalizeObjectParts", args, &reply)
	if err != nil {
		return nil, err
	}

	return &reply, nil
}

func (c *Client) ReadObjectMD(ctx context.Context, args ReadObjectMDArgs) (*ReadObjectMDReply, error) {
	var reply ReadObjectMDReply
	err := c.call(ctx, "MetadataAPI.ReadObjectMD", args, &reply)
	if err != nil {
		return nil, err
	}

	return &reply, nil
}

func (c *Client) ReadObjectMappings(ctx context.Context, args ReadObjectMappingsArgs) (*ReadObjectMappingsReply, error) {
	var reply ReadObjectMappingsReply
	err := c.call(ctx, "MetadataAPI.ReadObjectMappings", args, &reply)
	if err != nil {
		return nil, err
	}

	return &reply, nil
}

func (c *Client) ReportErrorOnObject(ctx context.Context, args ReportErrorOnObjectArgs) error {
	var reply ReportErrorOnObjectReply
	return c.call(ctx, "MetadataAPI.ReportErrorOnObject", args, &reply)
}

func (c *Client) ReportEndpointProblems(ctx context.Context, args ReportEndpointProblemsArgs) error {
	var reply ReportEndpointProblemsReply
	return c.call(ctx, "MetadataAPI.ReportEndpointProblems", args, &reply)
}
