package devstore

import (
	"fmt"
	"path/filepath"
)

// Store bundles an embedded metadata service with a set of local agents,
// enough to run the I/O engine end to end in one process.
type Store struct {
	Metadata *Metadata
	Agents   []*Agent
	Blocks   *LocalBlockStore
}

func New(cfg Config, dir string, numAgents int) (*Store, error) {
	md, err := NewMetadata(cfg, dir)
	if err != nil {
		return nil, err
	}

	agents := make([]*Agent, 0, numAgents)
	for i := 0; i < numAgents; i++ {
		address := fmt.Sprintf("local://agent-%d", i)
		agent, err := NewAgent(filepath.Join(dir, fmt.Sprintf("agent-%d", i)), address)
		if err != nil {
			md.Close()
			return nil, err
		}
		agents = append(agents, agent)
		md.RegisterAgent(agent.NodeID, agent.Address)
	}

	return &Store{
		Metadata: md,
		Agents:   agents,
		Blocks:   NewLocalBlockStore(agents),
	}, nil
}

func (s *Store) Close() error {
	return s.Metadata.Close()
}

// AgentByNode resolves an agent from a block's node id.
func (s *Store) AgentByNode(nodeID string) *Agent {
	for _, agent := range s.Agents {
		if agent.NodeID.String() == nodeID {
			return agent
		}
	}
	return nil
}
