package model

import (
	"time"
)

// EventType names the kind of semantic event emitted by the filesystem,
// vector or graph layers
type EventType string

const (
	EventTypeFilesystemWrite  EventType = "fs.write"
	EventTypeFilesystemCreate EventType = "fs.create"
	EventTypeFilesystemDelete EventType = "fs.delete"
	EventTypeFilesystemRename EventType = "fs.rename"
	EventTypeVectorInsert     EventType = "vector.insert"
	EventTypeVectorUpdate     EventType = "vector.update"
	EventTypeVectorDelete     EventType = "vector.delete"
	EventTypeGraphNodeAdd     EventType = "graph.node.add"
	EventTypeGraphEdgeAdd     EventType = "graph.edge.add"
	EventTypeGraphEdgeRemove  EventType = "graph.edge.remove"
	EventTypeCRDTMerge        EventType = "crdt.merge"
)

// AccessType describes how an event touches a resource
type AccessType int

const (
	AccessRead AccessType = iota
	AccessWrite
	AccessReadWrite
)

// IsWrite reports whether the access mutates the resource
func (a AccessType) IsWrite() bool {
	return a == AccessWrite || a == AccessReadWrite
}

// IsRead reports whether the access observes the resource
func (a AccessType) IsRead() bool {
	return a == AccessRead || a == AccessReadWrite
}

func (a AccessType) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessReadWrite:
		return "read_write"
	default:
		return "unknown"
	}
}

// ResourceAccess is one logical resource an event reads or writes
type ResourceAccess struct {
	Key    string     `json:"key"`
	Access AccessType `json:"access"`
}

// EventPriority orders events inside priority-based batches
type EventPriority int

const (
	PriorityLow EventPriority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// CRDTType identifies one of the supported replicated data types
type CRDTType string

const (
	CRDTGCounter    CRDTType = "g_counter"
	CRDTPNCounter   CRDTType = "pn_counter"
	CRDTLWWRegister CRDTType = "lww_register"
	CRDTORSet       CRDTType = "or_set"
	CRDTTwoPhaseSet CRDTType = "two_phase_set"
	CRDTMVRegister  CRDTType = "mv_register"
)

// CRDTOpKind is the mutation applied to a CRDT instance
type CRDTOpKind string

const (
	CRDTOpIncrement CRDTOpKind = "increment"
	CRDTOpDecrement CRDTOpKind = "decrement"
	CRDTOpSet       CRDTOpKind = "set"
	CRDTOpAdd       CRDTOpKind = "add"
	CRDTOpRemove    CRDTOpKind = "remove"
)

// CRDTMutation is a CRDT operation carried by a semantic event
type CRDTMutation struct {
	Type      CRDTType   `json:"type"`
	Key       string     `json:"key"`
	Op        CRDTOpKind `json:"op"`
	Amount    uint64     `json:"amount,omitempty"`
	Value     string     `json:"value,omitempty"`
	Tag       string     `json:"tag,omitempty"`
	// Tags are the add-tags an OR-Set remove observed at its origin
	Tags      []string `json:"tags,omitempty"`
	Timestamp int64    `json:"timestamp,omitempty"`
}

// SemanticEvent is the base event produced by the filesystem, vector and graph layers
type SemanticEvent struct {
	ID           string            `json:"id"`
	Type         EventType         `json:"type"`
	Origin       string            `json:"origin"`
	Timestamp    time.Time         `json:"timestamp"`
	Priority     EventPriority     `json:"priority"`
	Resources    []ResourceAccess  `json:"resources,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty"`
	CRDT         *CRDTMutation     `json:"crdt,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	Payload      []byte            `json:"payload,omitempty"`
}

// Clone returns a deep copy of the event
func (e *SemanticEvent) Clone() *SemanticEvent {
	if e == nil {
		return nil
	}
	out := *e
	if e.Resources != nil {
		out.Resources = append([]ResourceAccess(nil), e.Resources...)
	}
	if e.Dependencies != nil {
		out.Dependencies = append([]string(nil), e.Dependencies...)
	}
	if e.CRDT != nil {
		mut := *e.CRDT
		mut.Tags = append([]string(nil), e.CRDT.Tags...)
		out.CRDT = &mut
	}
	if e.Attributes != nil {
		out.Attributes = make(map[string]string, len(e.Attributes))
		for k, v := range e.Attributes {
			out.Attributes[k] = v
		}
	}
	if e.Payload != nil {
		out.Payload = append([]byte(nil), e.Payload...)
	}
	return &out
}

// ConsistencyLevel is the consistency an event asks the engine to achieve
type ConsistencyLevel string

const (
	// ConsistencyDefault defers to the engine's preferred protocol
	ConsistencyDefault      ConsistencyLevel = ""
	ConsistencyEventual     ConsistencyLevel = "eventual"
	ConsistencyCausal       ConsistencyLevel = "causal"
	ConsistencyStrong       ConsistencyLevel = "strong"
	ConsistencySequential   ConsistencyLevel = "sequential"
	ConsistencyLinearizable ConsistencyLevel = "linearizable"
)

// Valid reports whether the level is one the engine understands
func (c ConsistencyLevel) Valid() bool {
	switch c {
	case ConsistencyDefault, ConsistencyEventual, ConsistencyCausal, ConsistencyStrong,
		ConsistencySequential, ConsistencyLinearizable:
		return true
	default:
		return false
	}
}

// ConflictResolutionData is resolution context attached by an upstream collaborator
type ConflictResolutionData struct {
	Strategy       string   `json:"strategy,omitempty"`
	ConflictingIDs []string `json:"conflicting_ids,omitempty"`
	ResolvedBy     string   `json:"resolved_by,omitempty"`
}

// CoordinationMetadata carries the distributed coordination requirements of an event
type CoordinationMetadata struct {
	ConsistencyLevel    ConsistencyLevel        `json:"consistency_level"`
	ReplicationFactor   int                     `json:"replication_factor"`
	CoordinationTimeout time.Duration           `json:"coordination_timeout"`
	NodeSequence        uint64                  `json:"node_sequence,omitempty"`
	Resolution          *ConflictResolutionData `json:"resolution,omitempty"`
}

// DistributedSemanticEvent wraps a semantic event with its originator's clock
// and coordination metadata
type DistributedSemanticEvent struct {
	Event       *SemanticEvent       `json:"event"`
	VectorClock VectorClock          `json:"vector_clock"`
	Metadata    CoordinationMetadata `json:"metadata"`
}

// ID returns the wrapped event id
func (d *DistributedSemanticEvent) ID() string {
	if d == nil || d.Event == nil {
		return ""
	}
	return d.Event.ID
}

// Origin returns the originating node id
func (d *DistributedSemanticEvent) Origin() string {
	if d == nil || d.Event == nil {
		return ""
	}
	return d.Event.Origin
}

// Clone returns a deep copy so components never share mutable event state
func (d *DistributedSemanticEvent) Clone() *DistributedSemanticEvent {
	if d == nil {
		return nil
	}
	out := &DistributedSemanticEvent{
		Event:       d.Event.Clone(),
		VectorClock: d.VectorClock.Clone(),
		Metadata:    d.Metadata,
	}
	if d.Metadata.Resolution != nil {
		res := *d.Metadata.Resolution
		res.ConflictingIDs = append([]string(nil), d.Metadata.Resolution.ConflictingIDs...)
		out.Metadata.Resolution = &res
	}
	return out
}
