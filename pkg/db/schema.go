package db

// Schema defines the SQLite schema for install receipts. A receipt records
// one installation attempt into one directory; the cleanup command uses
// receipts to find installs that never completed.
const Schema = `
CREATE TABLE IF NOT EXISTS installs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL UNIQUE,
    install_path TEXT NOT NULL,
    status TEXT NOT NULL CHECK(status IN ('extracting', 'installed', 'failed', 'removed')),
    archive_sha256 TEXT,
    prerequisite_installed INTEGER NOT NULL DEFAULT 0,
    exit_code INTEGER,
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_installs_session_id ON installs(session_id);
CREATE INDEX IF NOT EXISTS idx_installs_status ON installs(status);
CREATE INDEX IF NOT EXISTS idx_installs_install_path ON installs(install_path);
`

// Status constants
const (
	StatusExtracting = "extracting"
	StatusInstalled  = "installed"
	StatusFailed     = "failed"
	StatusRemoved    = "removed"
)

// Receipt represents one installation attempt
type Receipt struct {
	ID                    int64
	SessionID             string
	InstallPath           string
	Status                string
	ArchiveSHA256         string
	PrerequisiteInstalled bool
	ExitCode              *int
	ErrorMessage          string
	CreatedAt             string
	UpdatedAt             string
}
