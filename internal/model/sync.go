package model

import (
	"time"
)

// SyncProtocol is the synchronization protocol selected for an event
type SyncProtocol string

const (
	ProtocolEventual     SyncProtocol = "eventual"
	ProtocolCausal       SyncProtocol = "causal"
	ProtocolStrong       SyncProtocol = "strong"
	ProtocolSequential   SyncProtocol = "sequential"
	ProtocolLinearizable SyncProtocol = "linearizable"
)

// SyncStatus is the lifecycle position of a pending event
type SyncStatus string

const (
	SyncStatusPending                SyncStatus = "pending"
	SyncStatusWaitingForDependencies SyncStatus = "waiting_for_dependencies"
	SyncStatusReadyForSync           SyncStatus = "ready_for_sync"
	SyncStatusSynchronizing          SyncStatus = "synchronizing"
	SyncStatusSynchronized           SyncStatus = "synchronized"
	SyncStatusFailed                 SyncStatus = "failed"
)

// SynchronizationState is a status plus the failure reason when Failed
type SynchronizationState struct {
	Status SyncStatus `json:"status"`
	Reason string     `json:"reason,omitempty"`
}

// Terminal reports whether no further transitions happen without operator action
func (s SynchronizationState) Terminal() bool {
	return s.Status == SyncStatusSynchronized || s.Status == SyncStatusFailed
}

// PendingEvent is an event held by the engine until its protocol is satisfied
type PendingEvent struct {
	Event                  *DistributedSemanticEvent `json:"event"`
	State                  SynchronizationState      `json:"state"`
	Protocol               SyncProtocol              `json:"protocol"`
	UnresolvedDependencies []string                  `json:"unresolved_dependencies,omitempty"`
	ReceivedAt             time.Time                 `json:"received_at"`
	Deadline               time.Time                 `json:"deadline"`
	Attempts               int                       `json:"attempts"`
	ConflictsResolved      int                       `json:"conflicts_resolved"`
}

// Clone returns a deep copy of the pending entry
func (p *PendingEvent) Clone() *PendingEvent {
	out := *p
	out.Event = p.Event.Clone()
	out.UnresolvedDependencies = append([]string(nil), p.UnresolvedDependencies...)
	return &out
}

// SynchronizationMetadata describes how an event was synchronized
type SynchronizationMetadata struct {
	Protocol          SyncProtocol     `json:"protocol"`
	ConsistencyLevel  ConsistencyLevel `json:"consistency_level"`
	Latency           time.Duration    `json:"latency"`
	NodeCount         int              `json:"node_count"`
	ConflictsResolved int              `json:"conflicts_resolved"`
	GlobalSequence    uint64           `json:"global_sequence,omitempty"`
	SourceEventID     string           `json:"source_event_id"`
	ResolvedFrom      []string         `json:"resolved_from,omitempty"`
	// SupersededBy names the conflict winner when this event lost; its CRDT
	// mutation was not applied
	SupersededBy string `json:"superseded_by,omitempty"`
}

// SynchronizedEvent is an entry of the append-only synchronized queue
type SynchronizedEvent struct {
	Event          *DistributedSemanticEvent `json:"event"`
	Metadata       SynchronizationMetadata   `json:"metadata"`
	SynchronizedAt time.Time                 `json:"synchronized_at"`
}

// SynchronizationMetrics is the snapshot polled by observability collaborators
type SynchronizationMetrics struct {
	TotalEvents           uint64  `json:"total_events"`
	SuccessfulSyncs       uint64  `json:"successful_syncs"`
	FailedSyncs           uint64  `json:"failed_syncs"`
	RejectedEvents        uint64  `json:"rejected_events"`
	PendingEvents         int     `json:"pending_events"`
	AverageLatencyMs      float64 `json:"average_latency_ms"`
	ConsistencyViolations uint64  `json:"consistency_violations"`
	ConflictsDetected     uint64  `json:"conflicts_detected"`
	ConflictsResolved     uint64  `json:"conflicts_resolved"`
	CausalityViolations   uint64  `json:"causality_violations"`
	NetworkEfficiency     float64 `json:"network_efficiency"`
}
