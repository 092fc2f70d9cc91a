package repository

// Schema definitions for the Heron database.
// Compatible with both SQLite and PostgreSQL.

const schemaReports = `
CREATE TABLE IF NOT EXISTS reports (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    consumer_id TEXT NOT NULL,
    input_hash TEXT NOT NULL,
    result TEXT NOT NULL,
    waived TEXT,
    changes TEXT,
    metadata TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reports_tenant ON reports(tenant_id);
CREATE INDEX IF NOT EXISTS idx_reports_consumer ON reports(tenant_id, consumer_id, created_at);
CREATE INDEX IF NOT EXISTS idx_reports_hash ON reports(tenant_id, input_hash);
`

// schemaWaivers defines the waivers table.
// Expressions are CEL source; they are compiled when reports are built.
const schemaWaivers = `
CREATE TABLE IF NOT EXISTS waivers (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    expression TEXT NOT NULL,
    reason TEXT,
    expires_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_waivers_tenant ON waivers(tenant_id);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaReports,
		schemaWaivers,
	}
}
