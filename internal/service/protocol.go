package service

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/lspecian/vexfs/eventsync/internal/errors"
	"github.com/lspecian/vexfs/eventsync/internal/model"
	"go.uber.org/zap"
)

// QuorumCoordinator collects replica acknowledgements for an event. It returns
// the number of acknowledgements gathered before ctx ends, which may be fewer
// than required.
type QuorumCoordinator interface {
	AwaitQuorum(ctx context.Context, ev *model.DistributedSemanticEvent, required int) (int, error)
}

// LocalCoordinator acknowledges immediately on behalf of every replica. It
// stands in for a single-node deployment.
type LocalCoordinator struct{}

// AwaitQuorum implements QuorumCoordinator
func (LocalCoordinator) AwaitQuorum(ctx context.Context, _ *model.DistributedSemanticEvent, required int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return required, nil
}

func waitsForDependencies(p model.SyncProtocol) bool {
	return p != model.ProtocolEventual
}

func needsQuorum(p model.SyncProtocol) bool {
	return p == model.ProtocolStrong || p == model.ProtocolLinearizable
}

// awaitQuorum runs quorum rounds for e until the protocol's quorum is reached,
// the attempts are used up or the coordination deadline passes. It returns the
// acknowledgement count on success.
func (m *EventSynchronizationManager) awaitQuorum(ctx context.Context, e *pendingEntry) (int, error) {
	m.pendingMu.RLock()
	ev := e.result.Clone()
	id := e.pe.Event.ID()
	protocol := e.pe.Protocol
	deadline := e.pe.Deadline
	m.pendingMu.RUnlock()

	rf := ev.Metadata.ReplicationFactor
	required := m.consistency.GetRequiredReplicas(protocol, rf)

	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var lastErr error
	acks := 0
	for attempt := 0; attempt < m.cfg.SyncAttempts; attempt++ {
		m.pendingMu.Lock()
		e.pe.Attempts++
		m.pendingMu.Unlock()

		start := time.Now()
		var err error
		acks, err = m.quorum.AwaitQuorum(ctx, ev, required)
		elapsed := time.Since(start).Seconds()

		if err == nil && m.consistency.IsQuorumReached(protocol, acks, rf) {
			m.metrics.RecordQuorum("reached", elapsed)
			return acks, nil
		}
		if err == nil {
			err = errors.QuorumFailed(id, acks, required, nil)
		}
		lastErr = err

		if ctx.Err() != nil {
			m.metrics.RecordQuorum("timeout", elapsed)
			return acks, errors.SynchronizationTimeout(id, time.Since(e.pe.ReceivedAt))
		}
		m.metrics.RecordQuorum("failed", elapsed)
		if !errors.IsRetryable(err) && !stderrors.Is(err, context.DeadlineExceeded) {
			break
		}
		m.logger.Debug("Quorum attempt failed",
			zap.String("event_id", id),
			zap.Int("attempt", attempt+1),
			zap.Int("acks", acks),
			zap.Int("required", required),
			zap.Error(err))
	}
	if errors.IsCode(lastErr, errors.ErrCodeQuorumFailed) {
		return acks, lastErr
	}
	return acks, errors.QuorumFailed(id, acks, required, lastErr)
}
