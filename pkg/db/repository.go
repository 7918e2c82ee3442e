package db

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/instanalytics/installer/pkg/errors"
	_ "modernc.org/sqlite"
)

const receiptColumns = `id, session_id, install_path, status, archive_sha256,
	prerequisite_installed, exit_code, error_message, created_at, updated_at`

// Repository provides database operations for install receipts
type Repository struct {
	db *sql.DB
}

// NewRepository opens (creating if needed) the receipts database
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create database directory")
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}
	// The orchestrator and the CLI share one handle; a single connection
	// keeps sqlite from returning SQLITE_BUSY between them.
	db.SetMaxOpenConns(1)

	slog.Debug("database_create_schema", "db_path", dbPath)
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// Create inserts a new receipt
func (r *Repository) Create(rec *Receipt) error {
	slog.Info("database_create_receipt", "session_id", rec.SessionID, "install_path", rec.InstallPath, "status", rec.Status)

	query := `
		INSERT INTO installs (session_id, install_path, status, archive_sha256,
		                      prerequisite_installed, exit_code, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.Exec(query,
		rec.SessionID, rec.InstallPath, rec.Status, rec.ArchiveSHA256,
		rec.PrerequisiteInstalled, nullableInt(rec.ExitCode), rec.ErrorMessage)
	if err != nil {
		slog.Error("database_insert_failed", "session_id", rec.SessionID, "error", err)
		return errors.Wrap(err, "failed to insert receipt")
	}

	id, err := result.LastInsertId()
	if err != nil {
		slog.Error("database_last_insert_id_failed", "session_id", rec.SessionID, "error", err)
		return errors.Wrap(err, "failed to get last insert id")
	}
	rec.ID = id

	slog.Info("database_receipt_created", "session_id", rec.SessionID, "receipt_id", rec.ID)
	return nil
}

// GetBySession retrieves the receipt written by a session. It returns nil
// when the session never reached extraction.
func (r *Repository) GetBySession(sessionID string) (*Receipt, error) {
	slog.Debug("database_query_receipt", "session_id", sessionID)

	query := `SELECT ` + receiptColumns + ` FROM installs WHERE session_id = ?`
	rec, err := scanReceipt(r.db.QueryRow(query, sessionID))
	if err == sql.ErrNoRows {
		slog.Debug("database_receipt_not_found", "session_id", sessionID)
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "session_id", sessionID, "error", err)
		return nil, errors.Wrap(err, "failed to query receipt")
	}
	return rec, nil
}

// Update writes every mutable field of an existing receipt
func (r *Repository) Update(rec *Receipt) error {
	slog.Info("database_update_receipt", "receipt_id", rec.ID, "status", rec.Status)

	query := `
		UPDATE installs
		SET install_path = ?, status = ?, archive_sha256 = ?, prerequisite_installed = ?,
		    exit_code = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	result, err := r.db.Exec(query,
		rec.InstallPath, rec.Status, rec.ArchiveSHA256, rec.PrerequisiteInstalled,
		nullableInt(rec.ExitCode), rec.ErrorMessage, rec.ID)
	if err != nil {
		slog.Error("database_update_failed", "receipt_id", rec.ID, "error", err)
		return errors.Wrap(err, "failed to update receipt")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		slog.Error("database_rows_affected_failed", "receipt_id", rec.ID, "error", err)
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		slog.Error("database_receipt_not_found_for_update", "receipt_id", rec.ID)
		return fmt.Errorf("receipt not found: id=%d", rec.ID)
	}

	return nil
}

// UpdateStatus updates only the status field
func (r *Repository) UpdateStatus(id int64, status, errorMessage string) error {
	slog.Info("database_update_status", "receipt_id", id, "status", status)

	query := `UPDATE installs SET status = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	_, err := r.db.Exec(query, status, errorMessage, id)
	if err != nil {
		slog.Error("database_status_update_failed", "receipt_id", id, "status", status, "error", err)
		return errors.Wrap(err, "failed to update status")
	}
	return nil
}

// List retrieves all receipts, newest first
func (r *Repository) List() ([]*Receipt, error) {
	return r.list(`SELECT `+receiptColumns+` FROM installs ORDER BY id DESC`)
}

// ListByStatus retrieves receipts in the given status, newest first
func (r *Repository) ListByStatus(status string) ([]*Receipt, error) {
	return r.list(`SELECT `+receiptColumns+` FROM installs WHERE status = ? ORDER BY id DESC`, status)
}

func (r *Repository) list(query string, args ...any) ([]*Receipt, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list receipts")
	}
	defer rows.Close()

	var receipts []*Receipt
	for rows.Next() {
		rec, err := scanReceipt(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		receipts = append(receipts, rec)
	}

	if err := rows.Err(); err != nil {
		slog.Error("database_rows_error", "error", err)
		return nil, errors.Wrap(err, "rows error")
	}

	slog.Debug("database_list_complete", "receipt_count", len(receipts))
	return receipts, nil
}

// Delete deletes a receipt by ID
func (r *Repository) Delete(id int64) error {
	slog.Info("database_delete_receipt", "receipt_id", id)

	_, err := r.db.Exec(`DELETE FROM installs WHERE id = ?`, id)
	if err != nil {
		slog.Error("database_delete_failed", "receipt_id", id, "error", err)
		return errors.Wrap(err, "failed to delete receipt")
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReceipt(s scanner) (*Receipt, error) {
	var rec Receipt
	var sha, errorMessage sql.NullString
	var exitCode sql.NullInt64

	err := s.Scan(
		&rec.ID, &rec.SessionID, &rec.InstallPath, &rec.Status, &sha,
		&rec.PrerequisiteInstalled, &exitCode, &errorMessage,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}

	rec.ArchiveSHA256 = sha.String
	rec.ErrorMessage = errorMessage.String
	if exitCode.Valid {
		code := int(exitCode.Int64)
		rec.ExitCode = &code
	}
	return &rec, nil
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
