package service

import (
	"fmt"
	"sync"

	"github.com/lspecian/vexfs/eventsync/internal/algorithm"
	"github.com/lspecian/vexfs/eventsync/internal/errors"
	"github.com/lspecian/vexfs/eventsync/internal/model"
)

// ConsistencyService maps consistency levels to protocols and computes quorum
// requirements. The preferred protocol applies to events that leave their
// level unset and may be switched at runtime by the adaptive controller.
type ConsistencyService struct {
	mu        sync.RWMutex
	preferred model.SyncProtocol
	quorum    *algorithm.QuorumCalculator
}

// NewConsistencyService creates a new consistency service
func NewConsistencyService(preferred model.SyncProtocol) *ConsistencyService {
	if !ValidProtocol(preferred) {
		preferred = model.ProtocolCausal
	}
	return &ConsistencyService{
		preferred: preferred,
		quorum:    algorithm.NewQuorumCalculator(),
	}
}

// ValidProtocol reports whether p names a known protocol
func ValidProtocol(p model.SyncProtocol) bool {
	switch p {
	case model.ProtocolEventual, model.ProtocolCausal, model.ProtocolStrong,
		model.ProtocolSequential, model.ProtocolLinearizable:
		return true
	default:
		return false
	}
}

// ProtocolFor selects the synchronization protocol for a consistency level
func (s *ConsistencyService) ProtocolFor(level model.ConsistencyLevel) (model.SyncProtocol, error) {
	switch level {
	case model.ConsistencyDefault:
		return s.Preferred(), nil
	case model.ConsistencyEventual:
		return model.ProtocolEventual, nil
	case model.ConsistencyCausal:
		return model.ProtocolCausal, nil
	case model.ConsistencyStrong:
		return model.ProtocolStrong, nil
	case model.ConsistencySequential:
		return model.ProtocolSequential, nil
	case model.ConsistencyLinearizable:
		return model.ProtocolLinearizable, nil
	default:
		return "", errors.InvalidArgument(fmt.Sprintf("invalid consistency level %q", level), nil)
	}
}

// Preferred returns the protocol used for events without an explicit level
func (s *ConsistencyService) Preferred() model.SyncProtocol {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.preferred
}

// SetPreferred switches the default protocol; unknown protocols are ignored
func (s *ConsistencyService) SetPreferred(p model.SyncProtocol) {
	if !ValidProtocol(p) {
		return
	}
	s.mu.Lock()
	s.preferred = p
	s.mu.Unlock()
}

// GetRequiredReplicas returns the acknowledgements a protocol needs
func (s *ConsistencyService) GetRequiredReplicas(protocol model.SyncProtocol, replicationFactor int) int {
	return s.quorum.GetRequiredReplicas(protocol, replicationFactor)
}

// IsQuorumReached checks if quorum is reached for the given acknowledgements
func (s *ConsistencyService) IsQuorumReached(protocol model.SyncProtocol, acks, replicationFactor int) bool {
	return s.quorum.IsQuorumReached(protocol, acks, replicationFactor)
}

// AchievedLevel is the consistency level reported for an event synchronized
// under protocol
func AchievedLevel(protocol model.SyncProtocol) model.ConsistencyLevel {
	return model.ConsistencyLevel(protocol)
}
