package devstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	fp "path/filepath"

	"github.com/google/uuid"

	"github.com/ternstore/tern/core/model"
)

var ErrBlockNotFound = errors.New("block not found")

// Agent stores block replicas as one file per block id under its root
// directory. Integrity is the engine's concern; the agent serves bytes as
// written.
type Agent struct {
	NodeID  uuid.UUID
	Address string
	root    string
}

func NewAgent(root, address string) (*Agent, error) {
	err := os.MkdirAll(root, 0750)
	if err != nil && !os.IsExist(err) {
		return nil, err
	}

	return &Agent{
		NodeID:  uuid.New(),
		Address: address,
		root:    root,
	}, nil
}

// Root is the agent's block directory.
func (a *Agent) Root() string {
	return a.root
}

// BlockPath is where a block lands on disk: <root>/<block id>.block.
func (a *Agent) BlockPath(blockID uuid.UUID) string {
	return fp.Join(a.root, fmt.Sprintf("%s.block", blockID))
}

func (a *Agent) WriteBlock(blockMD model.Block, data []byte) error {
	return os.WriteFile(a.BlockPath(blockMD.ID), data, 0640)
}

func (a *Agent) ReadBlock(blockMD model.Block) ([]byte, error) {
	data, err := os.ReadFile(a.BlockPath(blockMD.ID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBlockNotFound
		}
		return nil, err
	}

	return data, nil
}

// LocalBlockStore routes block reads and writes to in-process agents by
// address.
type LocalBlockStore struct {
	agents map[string]*Agent
}

func NewLocalBlockStore(agents []*Agent) *LocalBlockStore {
	byAddress := make(map[string]*Agent, len(agents))
	for _, agent := range agents {
		byAddress[agent.Address] = agent
	}
	return &LocalBlockStore{agents: byAddress}
}

func (s *LocalBlockStore) agent(address string) (*Agent, error) {
	agent, exists := s.agents[address]
	if !exists {
		return nil, fmt.Errorf("no agent at address %q", address)
	}
	return agent, nil
}

func (s *LocalBlockStore) ReadBlock(ctx context.Context, blockMD model.Block) ([]byte, error) {
	agent, err := s.agent(blockMD.Address)
	if err != nil {
		return nil, err
	}
	return agent.ReadBlock(blockMD)
}

func (s *LocalBlockStore) WriteBlock(ctx context.Context, blockMD model.Block, data []byte) error {
	agent, err := s.agent(blockMD.Address)
	if err != nil {
		return err
	}
	return agent.WriteBlock(blockMD, data)
}
