package pipeline

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Start launches the scheduler goroutine. A single consumer drains the
// task queue, so phase runs are serialized per vault.
func (s *service) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.run(ctx, s.stopCh)

	s.logger.Info("pipeline scheduler started",
		zap.Int("queue_size", s.config.QueueSize))
	return nil
}

// Stop halts the scheduler and waits for the in-flight phase to finish.
// Queued tasks are discarded.
func (s *service) Stop() error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.running {
		return ErrNotRunning
	}
	close(s.stopCh)
	s.wg.Wait()
	s.running = false

	s.logger.Info("pipeline scheduler stopped")
	return nil
}

func (s *service) run(ctx context.Context, stopCh chan struct{}) {
	defer s.wg.Done()
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case t := <-s.tasks:
			s.runTask(ctx, t)
		}
	}
}

// runTask executes one queued phase with force set: the trigger already
// fired at enqueue time, and the counter may have moved since.
func (s *service) runTask(ctx context.Context, t task) {
	var err error
	switch t.phase {
	case phaseReflect:
		_, err = s.Reflect(ctx, true)
	case phaseSynthesize:
		_, err = s.Synthesize(ctx, true)
	case phasePropose:
		_, err = s.Propose(ctx, true)
	}
	if err != nil {
		s.logger.Error("phase run failed",
			zap.String("phase", string(t.phase)),
			zap.Error(err))
		return
	}
	if s.phaseCounter != nil {
		s.phaseCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", string(t.phase))))
	}
}
