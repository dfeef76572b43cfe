// Package machinepool allocates worker machines to agents. Pool machines go
// through a reservation queue that an external allocator fulfills; custom
// machines are user-registered rows claimed and released under transactions.
// The pool is authoritative for who holds a machine.
package machinepool

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ariana-dot-dev/ariana/internal/db"
	"github.com/ariana-dot-dev/ariana/internal/db/dialect"
)

// Store persists the reservation queue and the custom machine registry.
type Store struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

// NewStore creates a Store over the shared pool and ensures the schema exists.
func NewStore(pool *db.Pool) (*Store, error) {
	s := &Store{db: pool.Writer(), ro: pool.Reader()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS machine_reservations (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'queued',
			machine_id TEXT NOT NULL DEFAULT '',
			machine_address TEXT NOT NULL DEFAULT '',
			machine_shared_key TEXT NOT NULL DEFAULT '',
			desktop_url TEXT NOT NULL DEFAULT '',
			desktop_token TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_agent ON machine_reservations(agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_status ON machine_reservations(status)`,

		`CREATE TABLE IF NOT EXISTS custom_machines (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			address TEXT NOT NULL,
			shared_key TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'available',
			agent_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_custom_machines_user ON custom_machines(user_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

const reservationColumns = `id, agent_id, status, machine_id, machine_address,
	machine_shared_key, desktop_url, desktop_token, created_at, updated_at`

func scanReservation(row rowScanner) (*Reservation, error) {
	var r Reservation
	var coords MachineCoords
	err := row.Scan(&r.ID, &r.AgentID, &r.Status, &coords.MachineID, &coords.Address,
		&coords.SharedKey, &coords.DesktopURL, &coords.DesktopToken, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if coords.MachineID != "" {
		r.Machine = &coords
	}
	return &r, nil
}

// CreateReservation inserts a queued reservation for the agent. An existing
// queued or assigned reservation for the same agent is reused.
func (s *Store) CreateReservation(ctx context.Context, agentID string) (*Reservation, error) {
	existing, err := s.ActiveReservationForAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := time.Now().UTC()
	r := &Reservation{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		Status:    ReservationQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO machine_reservations (id, agent_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`), r.ID, r.AgentID, r.Status, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create reservation: %w", err)
	}
	return r, nil
}

// GetReservation returns one reservation row by id.
func (s *Store) GetReservation(ctx context.Context, id string) (*Reservation, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT `+reservationColumns+` FROM machine_reservations WHERE id = ?
	`), id)
	r, err := scanReservation(row)
	if err == sql.ErrNoRows {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ActiveReservationForAgent returns the agent's queued or assigned
// reservation, or nil when there is none.
func (s *Store) ActiveReservationForAgent(ctx context.Context, agentID string) (*Reservation, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT `+reservationColumns+` FROM machine_reservations
		WHERE agent_id = ? AND status IN ('queued', 'assigned')
		ORDER BY created_at ASC LIMIT 1
	`), agentID)
	r, err := scanReservation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// AssignReservation stamps machine coordinates onto a queued reservation.
// The external allocator calls this; tests use it to simulate assignment.
func (s *Store) AssignReservation(ctx context.Context, id string, coords MachineCoords) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE machine_reservations
		SET status = ?, machine_id = ?, machine_address = ?, machine_shared_key = ?,
			desktop_url = ?, desktop_token = ?, updated_at = ?
		WHERE id = ? AND status = 'queued'
	`), ReservationAssigned, coords.MachineID, coords.Address, coords.SharedKey,
		coords.DesktopURL, coords.DesktopToken, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to assign reservation: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrReservationNotFound
	}
	return nil
}

// SetReservationStatus performs a terminal transition (fulfilled, cancelled).
func (s *Store) SetReservationStatus(ctx context.Context, id string, status ReservationStatus) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE machine_reservations SET status = ?, updated_at = ? WHERE id = ?
	`), status, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrReservationNotFound
	}
	return nil
}

// CancelByMachineID cancels any non-terminal reservation holding the machine.
func (s *Store) CancelByMachineID(ctx context.Context, machineID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE machine_reservations SET status = ?, updated_at = ?
		WHERE machine_id = ? AND status IN ('queued', 'assigned', 'fulfilled')
	`), ReservationCancelled, time.Now().UTC(), machineID)
	return err
}

// CountActive returns how many reservations currently hold a machine.
func (s *Store) CountActive(ctx context.Context) (int, error) {
	var count int
	err := s.ro.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM machine_reservations WHERE status IN ('assigned', 'fulfilled')
	`).Scan(&count)
	return count, err
}

// QueueMetrics aggregates queue depth and wait characteristics.
func (s *Store) QueueMetrics(ctx context.Context) (*ParkingMetrics, error) {
	m := &ParkingMetrics{}
	err := s.ro.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'queued' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'assigned' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'fulfilled' THEN 1 ELSE 0 END), 0)
		FROM machine_reservations
	`).Scan(&m.QueuedCount, &m.AssignedCount, &m.FulfilledCount)
	if err != nil {
		return nil, err
	}

	driver := s.ro.DriverName()
	var oldestMs, avgMs sql.NullFloat64
	err = s.ro.QueryRowContext(ctx, `
		SELECT MAX(`+dialect.DurationMs(driver, dialect.Now(driver), "created_at")+`)
		FROM machine_reservations WHERE status = 'queued'
	`).Scan(&oldestMs)
	if err != nil {
		return nil, err
	}
	err = s.ro.QueryRowContext(ctx, `
		SELECT AVG(`+dialect.DurationMs(driver, "updated_at", "created_at")+`)
		FROM machine_reservations WHERE status IN ('assigned', 'fulfilled')
	`).Scan(&avgMs)
	if err != nil {
		return nil, err
	}
	if oldestMs.Valid {
		m.OldestQueuedAge = time.Duration(oldestMs.Float64) * time.Millisecond
	}
	if avgMs.Valid {
		m.AvgAssignWait = time.Duration(avgMs.Float64) * time.Millisecond
	}
	return m, nil
}

const customMachineColumns = `id, user_id, address, shared_key, status, agent_id, created_at, updated_at`

func scanCustomMachine(row rowScanner) (*CustomMachine, error) {
	var m CustomMachine
	err := row.Scan(&m.ID, &m.UserID, &m.Address, &m.SharedKey, &m.Status,
		&m.AgentID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// RegisterCustomMachine adds a user-owned machine to the registry.
func (s *Store) RegisterCustomMachine(ctx context.Context, m *CustomMachine) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now
	if m.Status == "" {
		m.Status = CustomMachineAvailable
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO custom_machines (id, user_id, address, shared_key, status, agent_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), m.ID, m.UserID, m.Address, m.SharedKey, m.Status, m.AgentID, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to register custom machine: %w", err)
	}
	return nil
}

// GetCustomMachine returns one custom machine row by id.
func (s *Store) GetCustomMachine(ctx context.Context, id string) (*CustomMachine, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT `+customMachineColumns+` FROM custom_machines WHERE id = ?
	`), id)
	m, err := scanCustomMachine(row)
	if err == sql.ErrNoRows {
		return nil, ErrMachineNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ClaimCustomMachine atomically claims a custom machine for an agent inside
// one transaction. Fails when the machine belongs to another user or is
// already in use.
func (s *Store) ClaimCustomMachine(ctx context.Context, machineID, userID, agentID string) (*CustomMachine, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, tx.Rebind(`
		SELECT `+customMachineColumns+` FROM custom_machines WHERE id = ?
	`), machineID)
	m, err := scanCustomMachine(row)
	if err == sql.ErrNoRows {
		return nil, ErrMachineNotFound
	}
	if err != nil {
		return nil, err
	}
	if m.UserID != userID {
		return nil, ErrMachineForeignOwner
	}
	if m.Status == CustomMachineInUse && m.AgentID != agentID {
		return nil, ErrMachineInUse
	}

	res, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE custom_machines SET status = ?, agent_id = ?, updated_at = ?
		WHERE id = ? AND (status != 'in_use' OR agent_id = ?)
	`), CustomMachineInUse, agentID, time.Now().UTC(), machineID, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim machine: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Lost the race to another claimant between read and update.
		return nil, ErrMachineInUse
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	m.Status = CustomMachineInUse
	m.AgentID = agentID
	return m, nil
}

// ReleaseCustomMachine clears the claim on a custom machine.
func (s *Store) ReleaseCustomMachine(ctx context.Context, machineID string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE custom_machines SET status = ?, agent_id = '', updated_at = ? WHERE id = ?
	`), CustomMachineAvailable, time.Now().UTC(), machineID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrMachineNotFound
	}
	return nil
}

// DeleteCustomMachine removes a custom machine from the registry.
func (s *Store) DeleteCustomMachine(ctx context.Context, machineID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM custom_machines WHERE id = ?
	`), machineID)
	return err
}

// ListCustomMachines returns the machines a user has registered.
func (s *Store) ListCustomMachines(ctx context.Context, userID string) ([]*CustomMachine, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT `+customMachineColumns+` FROM custom_machines
		WHERE user_id = ? ORDER BY created_at ASC
	`), userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var machines []*CustomMachine
	for rows.Next() {
		m, err := scanCustomMachine(rows)
		if err != nil {
			return nil, err
		}
		machines = append(machines, m)
	}
	return machines, rows.Err()
}

// CancelAllReservations cancels every non-terminal reservation. Administrative.
func (s *Store) CancelAllReservations(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE machine_reservations SET status = ?, updated_at = ?
		WHERE status IN ('queued', 'assigned')
	`), ReservationCancelled, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
