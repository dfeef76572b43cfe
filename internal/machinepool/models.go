package machinepool

import (
	"errors"
	"time"
)

var (
	// ErrReservationNotFound is returned when a reservation id resolves to no row.
	ErrReservationNotFound = errors.New("reservation not found")
	// ErrMachineNotFound is returned when a machine id resolves to no row.
	ErrMachineNotFound = errors.New("machine not found")
	// ErrMachineInUse is returned when claiming a custom machine another agent holds.
	ErrMachineInUse = errors.New("machine already in use")
	// ErrMachineForeignOwner is returned when claiming a custom machine owned by another user.
	ErrMachineForeignOwner = errors.New("machine owned by another user")
	// ErrPoolAtCapacity is returned when the pool already hands out the maximum
	// number of machines.
	ErrPoolAtCapacity = errors.New("machine pool at capacity")
	// ErrReservationCancelled is returned when waiting on a reservation that was
	// cancelled before assignment.
	ErrReservationCancelled = errors.New("reservation cancelled")
)

// ReservationStatus is the queue state of one machine reservation.
type ReservationStatus string

const (
	ReservationQueued    ReservationStatus = "queued"
	ReservationAssigned  ReservationStatus = "assigned"
	ReservationFulfilled ReservationStatus = "fulfilled"
	ReservationCancelled ReservationStatus = "cancelled"
)

// Reservation is one row in the machine-pool queue.
type Reservation struct {
	ID        string            `json:"id"`
	AgentID   string            `json:"agent_id"`
	Status    ReservationStatus `json:"status"`
	Machine   *MachineCoords    `json:"machine,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// MachineCoords addresses one worker machine.
type MachineCoords struct {
	MachineID    string `json:"machine_id"`
	Address      string `json:"address"`
	SharedKey    string `json:"shared_key"`
	DesktopURL   string `json:"desktop_url,omitempty"`
	DesktopToken string `json:"desktop_token,omitempty"`
}

// CustomMachineStatus is the claim state of a user-registered machine.
type CustomMachineStatus string

const (
	CustomMachineAvailable CustomMachineStatus = "available"
	CustomMachineInUse     CustomMachineStatus = "in_use"
)

// CustomMachine is a user-owned worker registered outside the pool.
type CustomMachine struct {
	ID        string              `json:"id"`
	UserID    string              `json:"user_id"`
	Address   string              `json:"address"`
	SharedKey string              `json:"-"`
	Status    CustomMachineStatus `json:"status"`
	AgentID   string              `json:"agent_id,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// ParkingMetrics reports queue depth and wait characteristics of the pool.
type ParkingMetrics struct {
	QueuedCount     int           `json:"queued_count"`
	AssignedCount   int           `json:"assigned_count"`
	FulfilledCount  int           `json:"fulfilled_count"`
	OldestQueuedAge time.Duration `json:"oldest_queued_age"`
	AvgAssignWait   time.Duration `json:"avg_assign_wait"`
}
