package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/fleetmend/fleetmend/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	// An in-memory database exists per connection; a pool would silently
	// split state across empty databases.
	if s.path == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the underlying handle so subsystems sharing the database (the
// job queue) can operate on the same connection pool.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction.
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// CommitTx commits a transaction.
func (s *SQLiteStore) CommitTx(tx *sql.Tx) error {
	return tx.Commit()
}

// RollbackTx rolls back a transaction.
func (s *SQLiteStore) RollbackTx(tx *sql.Tx) error {
	return tx.Rollback()
}

// CreateServer registers a new server record.
func (s *SQLiteStore) CreateServer(ctx context.Context, server *engine.Server) error {
	labels, err := marshalJSON(server.Labels)
	if err != nil {
		return fmt.Errorf("failed to encode labels: %w", err)
	}

	now := time.Now().UTC()
	if server.CreatedAt.IsZero() {
		server.CreatedAt = now
	}
	server.UpdatedAt = now

	query := `
		INSERT INTO servers (handle, public_ip, os_template, status, provisioning_attempts, labels, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		server.Handle,
		server.PublicIP,
		server.OSTemplate,
		server.Status,
		server.ProvisioningAttempts,
		labels,
		server.CreatedAt,
		server.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	return nil
}

// GetServer retrieves a server by handle.
func (s *SQLiteStore) GetServer(ctx context.Context, handle string) (*engine.Server, error) {
	query := `
		SELECT handle, public_ip, os_template, status, provisioning_attempts, labels, created_at, updated_at
		FROM servers
		WHERE handle = ?
	`
	return scanServer(s.db.QueryRowContext(ctx, query, handle))
}

// UpdateServer applies a partial update to a server record. Labels merge into
// the existing label map; the whole read-modify-write runs in one transaction
// so concurrent updates cannot drop each other's labels.
func (s *SQLiteStore) UpdateServer(ctx context.Context, handle string, update engine.ServerUpdate) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		SELECT handle, public_ip, os_template, status, provisioning_attempts, labels, created_at, updated_at
		FROM servers
		WHERE handle = ?
	`
	server, err := scanServer(tx.QueryRowContext(ctx, query, handle))
	if err != nil {
		return err
	}

	if update.Status != nil {
		server.Status = *update.Status
	}
	if update.PublicIP != nil {
		server.PublicIP = *update.PublicIP
	}
	if update.OSTemplate != nil {
		server.OSTemplate = *update.OSTemplate
	}
	if update.ProvisioningAttempts != nil {
		server.ProvisioningAttempts = *update.ProvisioningAttempts
	}
	if len(update.Labels) > 0 {
		if server.Labels == nil {
			server.Labels = make(map[string]string, len(update.Labels))
		}
		for k, v := range update.Labels {
			server.Labels[k] = v
		}
	}

	labels, err := marshalJSON(server.Labels)
	if err != nil {
		return fmt.Errorf("failed to encode labels: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE servers
		SET public_ip = ?, os_template = ?, status = ?, provisioning_attempts = ?, labels = ?, updated_at = ?
		WHERE handle = ?
	`,
		server.PublicIP,
		server.OSTemplate,
		server.Status,
		server.ProvisioningAttempts,
		labels,
		time.Now().UTC(),
		handle,
	)
	if err != nil {
		return fmt.Errorf("failed to update server: %w", err)
	}

	return tx.Commit()
}

// ListServers lists all server records ordered by handle.
func (s *SQLiteStore) ListServers(ctx context.Context) ([]*engine.Server, error) {
	query := `
		SELECT handle, public_ip, os_template, status, provisioning_attempts, labels, created_at, updated_at
		FROM servers
		ORDER BY handle
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	defer rows.Close()

	var servers []*engine.Server
	for rows.Next() {
		server, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, server)
	}
	return servers, rows.Err()
}

// DeleteServer removes a server record.
func (s *SQLiteStore) DeleteServer(ctx context.Context, handle string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM servers WHERE handle = ?", handle)
	if err != nil {
		return fmt.Errorf("failed to delete server: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("server not found: %s", handle)
	}
	return nil
}

// CreateIncident persists a new incident.
func (s *SQLiteStore) CreateIncident(ctx context.Context, incident *engine.Incident) error {
	details, err := marshalJSON(incident.Details)
	if err != nil {
		return fmt.Errorf("failed to encode details: %w", err)
	}
	services, err := marshalJSON(incident.AffectedServices)
	if err != nil {
		return fmt.Errorf("failed to encode affected services: %w", err)
	}

	query := `
		INSERT INTO incidents (id, server_handle, incident_type, status, detected_at, resolved_at, details, affected_services, recovery_attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		incident.ID,
		incident.ServerHandle,
		incident.IncidentType,
		incident.Status,
		incident.DetectedAt,
		incident.ResolvedAt,
		details,
		services,
		incident.RecoveryAttempts,
	)
	if err != nil {
		return fmt.Errorf("failed to create incident: %w", err)
	}
	return nil
}

// GetIncident retrieves an incident by ID.
func (s *SQLiteStore) GetIncident(ctx context.Context, id string) (*engine.Incident, error) {
	query := `
		SELECT id, server_handle, incident_type, status, detected_at, resolved_at, details, affected_services, recovery_attempts
		FROM incidents
		WHERE id = ?
	`
	return scanIncident(s.db.QueryRowContext(ctx, query, id))
}

// ListIncidents lists incidents, newest first. An empty handle matches all
// servers; an empty statusFilter matches all statuses.
func (s *SQLiteStore) ListIncidents(ctx context.Context, handle string, statusFilter []engine.IncidentStatus) ([]*engine.Incident, error) {
	query := `
		SELECT id, server_handle, incident_type, status, detected_at, resolved_at, details, affected_services, recovery_attempts
		FROM incidents
	`
	var conditions []string
	var args []any

	if handle != "" {
		conditions = append(conditions, "server_handle = ?")
		args = append(args, handle)
	}
	if len(statusFilter) > 0 {
		placeholders := make([]string, len(statusFilter))
		for i, status := range statusFilter {
			placeholders[i] = "?"
			args = append(args, status)
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ", ")))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY detected_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	defer rows.Close()

	var incidents []*engine.Incident
	for rows.Next() {
		incident, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		incidents = append(incidents, incident)
	}
	return incidents, rows.Err()
}

// UpdateIncident applies a partial update to an incident.
func (s *SQLiteStore) UpdateIncident(ctx context.Context, id string, update engine.IncidentUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *update.Status)
	}
	if update.ResolvedAt != nil {
		sets = append(sets, "resolved_at = ?")
		args = append(args, *update.ResolvedAt)
	}
	if update.RecoveryAttempts != nil {
		sets = append(sets, "recovery_attempts = ?")
		args = append(args, *update.RecoveryAttempts)
	}
	if update.Details != nil {
		details, err := marshalJSON(update.Details)
		if err != nil {
			return fmt.Errorf("failed to encode details: %w", err)
		}
		sets = append(sets, "details = ?")
		args = append(args, details)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE incidents SET %s WHERE id = ?", strings.Join(sets, ", "))

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update incident: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("incident not found: %s", id)
	}
	return nil
}

// UpsertServiceDeployment records or refreshes a service deployment.
func (s *SQLiteStore) UpsertServiceDeployment(ctx context.Context, deployment *engine.ServiceDeployment) error {
	info, err := marshalJSON(deployment.DeploymentInfo)
	if err != nil {
		return fmt.Errorf("failed to encode deployment info: %w", err)
	}

	query := `
		INSERT INTO service_deployments (project_id, service_name, server_handle, port, status, deployment_info, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (project_id, service_name) DO UPDATE SET
			server_handle = excluded.server_handle,
			port = excluded.port,
			status = excluded.status,
			deployment_info = excluded.deployment_info,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		deployment.ProjectID,
		deployment.ServiceName,
		deployment.ServerHandle,
		deployment.Port,
		deployment.Status,
		info,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert service deployment: %w", err)
	}
	return nil
}

// ListServiceDeployments lists every service deployment recorded for a handle.
func (s *SQLiteStore) ListServiceDeployments(ctx context.Context, handle string) ([]*engine.ServiceDeployment, error) {
	query := `
		SELECT project_id, service_name, server_handle, port, status, deployment_info
		FROM service_deployments
		WHERE server_handle = ?
		ORDER BY service_name
	`
	rows, err := s.db.QueryContext(ctx, query, handle)
	if err != nil {
		return nil, fmt.Errorf("failed to list service deployments: %w", err)
	}
	defer rows.Close()

	var deployments []*engine.ServiceDeployment
	for rows.Next() {
		var d engine.ServiceDeployment
		var info string
		if err := rows.Scan(&d.ProjectID, &d.ServiceName, &d.ServerHandle, &d.Port, &d.Status, &info); err != nil {
			return nil, fmt.Errorf("failed to scan service deployment: %w", err)
		}
		if err := json.Unmarshal([]byte(info), &d.DeploymentInfo); err != nil {
			return nil, fmt.Errorf("failed to decode deployment info: %w", err)
		}
		deployments = append(deployments, &d)
	}
	return deployments, rows.Err()
}

// DeleteServiceDeployment removes a recorded deployment.
func (s *SQLiteStore) DeleteServiceDeployment(ctx context.Context, projectID, serviceName string) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM service_deployments WHERE project_id = ? AND service_name = ?",
		projectID, serviceName)
	if err != nil {
		return fmt.Errorf("failed to delete service deployment: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("service deployment not found: %s/%s", projectID, serviceName)
	}
	return nil
}

// CreateRun persists a new provisioning run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *engine.ProvisioningRun) error {
	query := `
		INSERT INTO provisioning_runs (id, request_id, server_handle, state, started_at, finished_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.RequestID,
		run.ServerHandle,
		run.State,
		run.StartedAt,
		run.FinishedAt,
		run.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// UpdateRunState updates the state of a run. Terminal states also record the
// finish time and error message.
func (s *SQLiteStore) UpdateRunState(ctx context.Context, id string, state engine.RunState, errMsg string) error {
	var result sql.Result
	var err error

	if state == engine.RunStateSucceeded || state == engine.RunStateFailed {
		result, err = s.db.ExecContext(ctx,
			"UPDATE provisioning_runs SET state = ?, error = ?, finished_at = ? WHERE id = ?",
			state, errMsg, time.Now().UTC(), id)
	} else {
		result, err = s.db.ExecContext(ctx,
			"UPDATE provisioning_runs SET state = ? WHERE id = ?",
			state, id)
	}
	if err != nil {
		return fmt.Errorf("failed to update run state: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("run not found: %s", id)
	}
	return nil
}

// ListRunsByHandle lists runs for a server handle, newest first.
func (s *SQLiteStore) ListRunsByHandle(ctx context.Context, handle string, limit int) ([]*engine.ProvisioningRun, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, request_id, server_handle, state, started_at, finished_at, error
		FROM provisioning_runs
		WHERE server_handle = ?
		ORDER BY started_at DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, handle, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*engine.ProvisioningRun
	for rows.Next() {
		var run engine.ProvisioningRun
		if err := rows.Scan(&run.ID, &run.RequestID, &run.ServerHandle, &run.State, &run.StartedAt, &run.FinishedAt, &run.Error); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

// HealthCheck verifies the database connection is alive.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanServer(row rowScanner) (*engine.Server, error) {
	server := &engine.Server{}
	var labels string
	err := row.Scan(
		&server.Handle,
		&server.PublicIP,
		&server.OSTemplate,
		&server.Status,
		&server.ProvisioningAttempts,
		&labels,
		&server.CreatedAt,
		&server.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("server not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan server: %w", err)
	}
	if labels != "" && labels != "null" {
		if err := json.Unmarshal([]byte(labels), &server.Labels); err != nil {
			return nil, fmt.Errorf("failed to decode labels: %w", err)
		}
	}
	return server, nil
}

func scanIncident(row rowScanner) (*engine.Incident, error) {
	incident := &engine.Incident{}
	var details, services string
	err := row.Scan(
		&incident.ID,
		&incident.ServerHandle,
		&incident.IncidentType,
		&incident.Status,
		&incident.DetectedAt,
		&incident.ResolvedAt,
		&details,
		&services,
		&incident.RecoveryAttempts,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("incident not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan incident: %w", err)
	}
	if details != "" && details != "null" {
		if err := json.Unmarshal([]byte(details), &incident.Details); err != nil {
			return nil, fmt.Errorf("failed to decode details: %w", err)
		}
	}
	if services != "" && services != "null" {
		if err := json.Unmarshal([]byte(services), &incident.AffectedServices); err != nil {
			return nil, fmt.Errorf("failed to decode affected services: %w", err)
		}
	}
	return incident, nil
}

// marshalJSON encodes a value as JSON text for storage.
func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
