package blockstore

import (
	"context"
	"net/rpc"
	"time"

	"github.com/ternstore/tern/core/model"
	"github.com/ternstore/tern/lib/cmap"
)

// Client reads and writes blocks on agents over net/rpc. Connections are
// dialed lazily per agent address and reused; every call is bounded by the
// configured timeout.
type Client struct {
	timeout time.Duration
	conns   cmap.Map[string, *rpc.Client]
}

func NewClient(timeout time.Duration) *Client {
	return &Client{
		timeout: timeout,
		conns:   cmap.NewMap[string, *rpc.Client](),
	}
}

func (c *Client) conn(address string) (*rpc.Client, error) {
	existing, exists := c.conns.Get(address)
	if exists {
		return *existing, nil
	}

	rpcClient, err := rpc.DialHTTP("tcp", address)
	if err != nil {
		return nil, err
	}

	c.conns.Set(address, rpcClient)
	return rpcClient, nil
}

func (c *Client) call(ctx context.Context, address, method string, args, reply any) error {
	rpcClient, err := c.conn(address)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	call := rpcClient.Go(method, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-cctx.Done():
		return cctx.Err()
	case done := <-call.Done:
		if done.Error != nil {
			// a broken connection is dropped so the next call redials
			if done.Error == rpc.ErrShutdown {
				c.conns.Delete(address)
			}
			return done.Error
		}
		return nil
	}
}

// ReadBlock fetches the payload of one block replica from the agent named
// by the block's address.
func (c *Client) ReadBlock(ctx context.Context, blockMD model.Block) ([]byte, error) {
	args := ReadBlockArgs{BlockMD: blockMD}
	var reply ReadBlockReply

	err := c.call(ctx, blockMD.Address, "AgentAPI.ReadBlock", args, &reply)
	if err != nil {
		return nil, err
	}

	return reply.Data, nil
}

// WriteBlock stores one block replica on the agent named by the block's
// address.
func (c *Client) WriteBlock(ctx context.Context, blockMD model.Block, data []byte) error {
	args := WriteBlockArgs{BlockMD: blockMD, Data: data}
	var reply WriteBlockReply

	return c.call(ctx, blockMD.Address, "AgentAPI.WriteBlock", args, &reply)
}

func (c *Client) Close() error {
	c.conns.Range(func(k, v any) bool {
		v.(*rpc.Client).Close()
		return true
	})
	return nil
}
