package algorithm

import (
	"github.com/lspecian/vexfs/eventsync/internal/model"
)

// QuorumCalculator calculates quorum requirements
type QuorumCalculator struct{}

// NewQuorumCalculator creates a new quorum calculator
func NewQuorumCalculator() *QuorumCalculator {
	return &QuorumCalculator{}
}

// CalculateQuorum returns the number of replicas required for a majority
func (q *QuorumCalculator) CalculateQuorum(totalReplicas int) int {
	return (totalReplicas / 2) + 1
}

// GetRequiredReplicas returns the number of acknowledgements a protocol needs
// before an event may be marked synchronized. Protocols that do not wait for
// replicas return 0.
func (q *QuorumCalculator) GetRequiredReplicas(protocol model.SyncProtocol, replicationFactor int) int {
	if replicationFactor <= 0 {
		replicationFactor = 1
	}
	switch protocol {
	case model.ProtocolStrong:
		return q.CalculateQuorum(replicationFactor)
	case model.ProtocolLinearizable:
		return replicationFactor
	default:
		return 0
	}
}

// IsQuorumReached checks if enough acknowledgements arrived for the protocol
func (q *QuorumCalculator) IsQuorumReached(protocol model.SyncProtocol, acks, replicationFactor int) bool {
	return acks >= q.GetRequiredReplicas(protocol, replicationFactor)
}
