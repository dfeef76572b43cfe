package machinepool

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana/internal/common/config"
	"github.com/ariana-dot-dev/ariana/internal/common/logger"
	"github.com/ariana-dot-dev/ariana/internal/events"
	"github.com/ariana-dot-dev/ariana/internal/events/bus"
)

// Pool abstracts acquisition and release of worker machines. It is the only
// path the controller may use to obtain or give back a machine.
type Pool struct {
	store    *Store
	eventBus bus.EventBus
	logger   *logger.Logger

	maxActive    int
	pollInterval time.Duration
}

// NewPool creates the machine pool client.
func NewPool(store *Store, eventBus bus.EventBus, cfg config.PoolConfig, log *logger.Logger) *Pool {
	return &Pool{
		store:        store,
		eventBus:     eventBus,
		logger:       log.WithComponent("machine-pool"),
		maxActive:    cfg.MaxActiveMachines,
		pollInterval: cfg.ReservationPollInterval(),
	}
}

// HasCapacity reports whether the pool can hand out one more machine.
func (p *Pool) HasCapacity(ctx context.Context) (bool, error) {
	if p.maxActive <= 0 {
		return true, nil
	}
	active, err := p.store.CountActive(ctx)
	if err != nil {
		return false, err
	}
	return active < p.maxActive, nil
}

// Reserve inserts a reservation into the queue. Refuses at capacity.
// An existing active reservation for the agent is reused.
func (p *Pool) Reserve(ctx context.Context, agentID string) (string, error) {
	ok, err := p.HasCapacity(ctx)
	if err != nil {
		return "", fmt.Errorf("capacity check: %w", err)
	}
	if !ok {
		return "", ErrPoolAtCapacity
	}

	r, err := p.store.CreateReservation(ctx, agentID)
	if err != nil {
		return "", err
	}
	p.publish(events.MachineReserved, agentID, map[string]interface{}{
		"reservation_id": r.ID,
	})
	return r.ID, nil
}

// WaitForAssignment polls the reservation row until the queue marks it
// assigned, returning the machine coordinates. Returns
// ErrReservationCancelled if the reservation terminates without a machine.
func (p *Pool) WaitForAssignment(ctx context.Context, reservationID string) (*MachineCoords, error) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		r, err := p.store.GetReservation(ctx, reservationID)
		if err != nil {
			return nil, err
		}
		switch r.Status {
		case ReservationAssigned, ReservationFulfilled:
			if r.Machine == nil {
				return nil, fmt.Errorf("reservation %s assigned without machine coordinates", reservationID)
			}
			p.publish(events.MachineAssigned, r.AgentID, map[string]interface{}{
				"reservation_id": r.ID,
				"machine_id":     r.Machine.MachineID,
			})
			return r.Machine, nil
		case ReservationCancelled:
			return nil, ErrReservationCancelled
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Fulfill marks a reservation terminally successful.
func (p *Pool) Fulfill(ctx context.Context, reservationID string) error {
	return p.store.SetReservationStatus(ctx, reservationID, ReservationFulfilled)
}

// Cancel marks a reservation terminally abandoned.
func (p *Pool) Cancel(ctx context.Context, reservationID string) error {
	return p.store.SetReservationStatus(ctx, reservationID, ReservationCancelled)
}

// ClaimCustom atomically claims a user-registered machine for an agent.
func (p *Pool) ClaimCustom(ctx context.Context, machineID, userID, agentID string) (*MachineCoords, error) {
	m, err := p.store.ClaimCustomMachine(ctx, machineID, userID, agentID)
	if err != nil {
		return nil, err
	}
	return &MachineCoords{
		MachineID: m.ID,
		Address:   m.Address,
		SharedKey: m.SharedKey,
	}, nil
}

// Release gives a machine back after a provisioning failure. Custom
// machines are unclaimed; pool machines have their reservation cancelled.
func (p *Pool) Release(ctx context.Context, machineID string) error {
	err := p.store.ReleaseCustomMachine(ctx, machineID)
	if err == nil {
		p.publish(events.MachineReleased, "", map[string]interface{}{"machine_id": machineID})
		return nil
	}
	if err != ErrMachineNotFound {
		return err
	}
	if err := p.store.CancelByMachineID(ctx, machineID); err != nil {
		return err
	}
	p.publish(events.MachineReleased, "", map[string]interface{}{"machine_id": machineID})
	return nil
}

// DeleteMachine removes a custom machine from the registry. Administrative.
func (p *Pool) DeleteMachine(ctx context.Context, machineID string) error {
	return p.store.DeleteCustomMachine(ctx, machineID)
}

// CleanupAll cancels every non-terminal reservation. Administrative.
func (p *Pool) CleanupAll(ctx context.Context) error {
	n, err := p.store.CancelAllReservations(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		p.logger.Info("cancelled reservations during cleanup", zap.Int64("count", n))
	}
	return nil
}

// GetActiveCount reports how many machines the pool has handed out.
func (p *Pool) GetActiveCount(ctx context.Context) (int, error) {
	return p.store.CountActive(ctx)
}

// MaxActive returns the configured capacity cap.
func (p *Pool) MaxActive() int {
	return p.maxActive
}

// GetParkingMetrics reports queue depth and wait characteristics.
func (p *Pool) GetParkingMetrics(ctx context.Context) (*ParkingMetrics, error) {
	return p.store.QueueMetrics(ctx)
}

// Store exposes the backing store for registration surfaces and tests.
func (p *Pool) Store() *Store {
	return p.store
}

func (p *Pool) publish(eventType, agentID string, data map[string]interface{}) {
	if p.eventBus == nil {
		return
	}
	if agentID != "" {
		data["agent_id"] = agentID
	}
	event := bus.NewEvent(eventType, "machine-pool", data)
	if err := p.eventBus.Publish(context.Background(), eventType, event); err != nil {
		p.logger.Warn("failed to publish pool event", zap.String("event", eventType), zap.Error(err))
	}
}
