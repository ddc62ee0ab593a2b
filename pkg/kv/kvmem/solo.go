package kvmem

import (
	"arx/pkg/kv"
)

// SoloConsensus is the single-node consensus used by standalone
// deployments: this node is always the CFT primary and everything it
// commits is immediately replicated.
type SoloConsensus struct {
	store *Store
	node  kv.NodeID
}

func NewSoloConsensus(store *Store, node kv.NodeID) *SoloConsensus {
	return &SoloConsensus{store: store, node: node}
}

func (c *SoloConsensus) Primary() kv.NodeID { return c.node }

func (c *SoloConsensus) ActiveNodes() []kv.NodeID { return []kv.NodeID{c.node} }

func (c *SoloConsensus) IsPrimary() bool { return true }

func (c *SoloConsensus) Type() kv.ConsensusType { return kv.CFT }

func (c *SoloConsensus) CommittedSeqno() kv.Version {
	return c.store.GlobalCommitVersion()
}

func (c *SoloConsensus) Statistics() kv.Statistics {
	return kv.Statistics{
		ActivePeers:  1,
		CurrentView:  1,
		IsPrimaryNow: true,
	}
}
