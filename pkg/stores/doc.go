// Package stores provides persistence layer implementations for fleetmend.
// It includes SQLite-based storage with WAL mode, connection pooling,
// and CRUD operations for servers, incidents, service deployments,
// and provisioning runs.
package stores
