package repository

// Schema definitions for the Warden database.
// Compatible with both SQLite and PostgreSQL.

const schemaFraudEvents = `
CREATE TABLE IF NOT EXISTS fraud_events (
    id TEXT PRIMARY KEY,
    timestamp TIMESTAMP NOT NULL,
    event_type TEXT NOT NULL,
    severity TEXT NOT NULL,
    user_id TEXT,
    device_id TEXT,
    ip_address TEXT,
    session_id TEXT,
    endpoint TEXT,
    details TEXT,
    action TEXT NOT NULL,
    resolved INTEGER NOT NULL DEFAULT 0,
    resolved_by TEXT,
    resolved_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_fraud_events_user ON fraud_events(user_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_fraud_events_type ON fraud_events(event_type, timestamp);
CREATE INDEX IF NOT EXISTS idx_fraud_events_unresolved ON fraud_events(resolved, timestamp);
`

// schemaTrustSnapshots keeps the last computed score per user. The full
// document (factors, signals, history) is stored as JSON; score and tier are
// columns so operators can query them directly.
const schemaTrustSnapshots = `
CREATE TABLE IF NOT EXISTS trust_snapshots (
    user_id TEXT PRIMARY KEY,
    score INTEGER NOT NULL,
    tier TEXT NOT NULL,
    document TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trust_snapshots_tier ON trust_snapshots(tier);
`

const schemaTypingProfiles = `
CREATE TABLE IF NOT EXISTS typing_profiles (
    user_id TEXT PRIMARY KEY,
    mean REAL NOT NULL,
    std REAL NOT NULL,
    median REAL NOT NULL,
    p95 REAL NOT NULL,
    cv REAL NOT NULL,
    backspace_rate REAL NOT NULL,
    sample_count INTEGER NOT NULL,
    session_count INTEGER NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

const schemaPolicyRules = `
CREATE TABLE IF NOT EXISTS policy_rules (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    bands TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_policy_rules_enabled ON policy_rules(enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaFraudEvents,
		schemaTrustSnapshots,
		schemaTypingProfiles,
		schemaPolicyRules,
	}
}
