package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Conversation stream replay
const StreamStepTimeout = 5 * time.Second

// Job admission limits per tier
const (
	StandardUserJobLimit  = 1
	ElevatedUserJobLimit  = 3
	StandardQueueCapacity = 10
	ElevatedQueueCapacity = 100
)

// JobLockTTL bounds the damage from a worker that crashes without
// clearing the user's in-flight counter.
const JobLockTTL = 60 * time.Second

// Job descriptor and progress event retention in the coordination store
const (
	JobDescriptorTTL = 24 * time.Hour
	JobEventTTL      = 1 * time.Hour
)

// Saga repair: entries still flagged pending_admission after this age are
// orphans from a failed admission and get the compensating delete.
const (
	PendingAdmissionMaxAge = 2 * time.Minute
	RepairJobInterval      = 1 * time.Minute
)
