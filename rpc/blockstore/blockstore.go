package blockstore

import (
	"github.com/ternstore/tern/core/model"
)

// Agent is the RPC surface of one block-store agent.
type Agent interface {
	// ReadBlock ...
	ReadBlock(args ReadBlockArgs, reply *ReadBlockReply) error
	// WriteBlock ...
	WriteBlock(args WriteBlockArgs, reply *WriteBlockReply) error
}

type ReadBlockArgs struct {
	BlockMD model.Block
}

type ReadBlockReply struct {
	Data []byte
}

type WriteBlockArgs struct {
	BlockMD model.Block
	Data    []byte
}

type WriteBlockReply struct {
	NumBytesReceived int
}
