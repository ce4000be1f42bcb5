package store

import (
	"context"
	"embed"
	"fmt"
	"os"
	"strings"

	"evidence-ledger/core/utils"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var gooseMigrations embed.FS

var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL CHECK (role IN ('victim','police','admin','analyst')),
		language TEXT NOT NULL DEFAULT 'en',
		consent_given BOOLEAN NOT NULL DEFAULT 0,
		consent_at TIMESTAMP,
		active BOOLEAN NOT NULL DEFAULT 1,
		erased_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email ON users(email) WHERE email <> '';`,
	`CREATE TABLE IF NOT EXISTS police_stations (
		id TEXT PRIMARY KEY,
		station_code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		jurisdiction_json TEXT NOT NULL DEFAULT '{}',
		contact_json TEXT NOT NULL DEFAULT '{}',
		languages_json TEXT NOT NULL DEFAULT '[]',
		active_cases INTEGER NOT NULL DEFAULT 0 CHECK (active_cases >= 0),
		created_at TIMESTAMP NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS incidents (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		incident_type TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		risk_score REAL NOT NULL DEFAULT 0 CHECK (risk_score >= 0 AND risk_score <= 100),
		status TEXT NOT NULL CHECK (status IN ('pending','reviewed','escalated','dismissed','resolved')),
		station_id TEXT REFERENCES police_stations(id),
		predicted_escalation BOOLEAN,
		escalation_probability REAL CHECK (escalation_probability IS NULL OR (escalation_probability >= 0 AND escalation_probability <= 1)),
		language TEXT NOT NULL DEFAULT 'en',
		location_json TEXT NOT NULL DEFAULT '',
		risk_seq INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS evidence (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		incident_id TEXT NOT NULL REFERENCES incidents(id),
		evidence_type TEXT NOT NULL CHECK (evidence_type IN ('screenshot','chat_log','email','audio')),
		content_hash TEXT NOT NULL UNIQUE,
		size_bytes INTEGER NOT NULL DEFAULT 0,
		storage_key TEXT NOT NULL DEFAULT '',
		metadata_json TEXT NOT NULL DEFAULT '{}',
		auto_tags_json TEXT NOT NULL DEFAULT '[]',
		external_hash TEXT NOT NULL DEFAULT '',
		external_tx_id TEXT NOT NULL DEFAULT '',
		anchored_at TIMESTAMP,
		tamper_proof BOOLEAN NOT NULL DEFAULT 1,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS risk_scores (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL REFERENCES users(id),
		incident_id TEXT REFERENCES incidents(id),
		score REAL NOT NULL CHECK (score >= 0 AND score <= 100),
		confidence REAL NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
		factors_json TEXT NOT NULL DEFAULT '{}',
		model TEXT NOT NULL DEFAULT '',
		predicted_escalation BOOLEAN,
		escalation_probability REAL,
		threshold REAL NOT NULL,
		threshold_breached BOOLEAN NOT NULL,
		created_at TIMESTAMP NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS fir_kits (
		id TEXT PRIMARY KEY,
		incident_id TEXT NOT NULL UNIQUE REFERENCES incidents(id),
		police_station_id TEXT REFERENCES police_stations(id),
		completeness_score REAL NOT NULL DEFAULT 0 CHECK (completeness_score >= 0 AND completeness_score <= 100),
		missing_fields_json TEXT NOT NULL DEFAULT '[]',
		pre_filled_json TEXT NOT NULL DEFAULT '{}',
		language TEXT NOT NULL DEFAULT 'en',
		downloaded BOOLEAN NOT NULL DEFAULT 0,
		stale BOOLEAN NOT NULL DEFAULT 1,
		generated_at TIMESTAMP,
		updated_at TIMESTAMP NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		actor_id TEXT,
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		old_value TEXT,
		new_value TEXT,
		reason TEXT NOT NULL DEFAULT '',
		prev_hash TEXT NOT NULL DEFAULT '',
		hash TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS analytics_daily (
		day TEXT PRIMARY KEY,
		total_incidents INTEGER NOT NULL,
		high_risk_count INTEGER NOT NULL,
		predicted_escalation_count INTEGER NOT NULL,
		avg_risk_score REAL NOT NULL,
		distinct_users INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS analytics_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		window_days INTEGER NOT NULL,
		days_written INTEGER NOT NULL,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_incidents_user ON incidents(user_id);`,
	`CREATE INDEX IF NOT EXISTS idx_incidents_created ON incidents(created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_evidence_incident ON evidence(incident_id, seq);`,
	`CREATE INDEX IF NOT EXISTS idx_risk_scores_incident ON risk_scores(incident_id, seq);`,
	`CREATE INDEX IF NOT EXISTS idx_risk_scores_user ON risk_scores(user_id, seq);`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_entity ON audit_log(entity_type, entity_id, seq);`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_actor ON audit_log(actor_id);`,
}

func ApplyMigrations(ctx context.Context, db *DB, logger *utils.Logger) error {
	if db.Dialect() == DialectPostgres {
		return applyGooseMigrations(ctx, db, logger)
	}
	if !isTestRuntime() && os.Getenv("LEDGER_ALLOW_SQLITE") == "" {
		return fmt.Errorf("sqlite is only supported in go test runtime or with LEDGER_ALLOW_SQLITE set")
	}
	return applySQLiteMigrations(ctx, db, logger)
}

func applyGooseMigrations(ctx context.Context, db *DB, logger *utils.Logger) error {
	goose.SetBaseFS(gooseMigrations)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if logger != nil {
		logger.Printf("applying postgres migrations")
	}
	if err := goose.UpContext(ctx, db.SQL(), "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

func applySQLiteMigrations(ctx context.Context, db *DB, logger *utils.Logger) error {
	if logger != nil {
		logger.Printf("applying sqlite migrations")
	}
	for i, stmt := range sqliteMigrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite migration #%d failed: %w", i+1, err)
		}
	}
	if err := ensureImmutabilityGuards(ctx, db); err != nil {
		return err
	}
	if logger != nil {
		logger.Printf("sqlite migrations applied")
	}
	return nil
}

// ensureImmutabilityGuards rejects edits to append-only tables. The only permitted audit
// update is nulling actor_id during user erasure.
func ensureImmutabilityGuards(ctx context.Context, db *DB) error {
	triggers := []string{
		`CREATE TRIGGER IF NOT EXISTS trg_risk_scores_no_update
		BEFORE UPDATE ON risk_scores
		BEGIN
			SELECT RAISE(ABORT, 'risk_scores.immutable');
		END`,
		`CREATE TRIGGER IF NOT EXISTS trg_risk_scores_no_delete
		BEFORE DELETE ON risk_scores
		BEGIN
			SELECT RAISE(ABORT, 'risk_scores.immutable');
		END`,
		`CREATE TRIGGER IF NOT EXISTS trg_audit_log_no_update
		BEFORE UPDATE ON audit_log
		FOR EACH ROW
		WHEN NEW.actor_id IS NOT NULL
			OR NEW.id <> OLD.id OR NEW.action <> OLD.action
			OR NEW.entity_type <> OLD.entity_type OR NEW.entity_id <> OLD.entity_id
			OR COALESCE(NEW.old_value, '') <> COALESCE(OLD.old_value, '')
			OR COALESCE(NEW.new_value, '') <> COALESCE(OLD.new_value, '')
			OR NEW.reason <> OLD.reason OR NEW.prev_hash <> OLD.prev_hash
			OR NEW.hash <> OLD.hash OR NEW.created_at <> OLD.created_at
		BEGIN
			SELECT RAISE(ABORT, 'audit_log.immutable');
		END`,
		`CREATE TRIGGER IF NOT EXISTS trg_audit_log_no_delete
		BEFORE DELETE ON audit_log
		BEGIN
			SELECT RAISE(ABORT, 'audit_log.immutable');
		END`,
		`CREATE TRIGGER IF NOT EXISTS trg_evidence_anchor_write_once
		BEFORE UPDATE ON evidence
		FOR EACH ROW
		WHEN (OLD.external_hash <> '' AND NEW.external_hash <> OLD.external_hash)
			OR (OLD.external_tx_id <> '' AND NEW.external_tx_id <> OLD.external_tx_id)
			OR (OLD.anchored_at IS NOT NULL AND NEW.tamper_proof = 0)
			OR NEW.content_hash <> OLD.content_hash
		BEGIN
			SELECT RAISE(ABORT, 'evidence.anchor_write_once');
		END`,
	}
	for _, stmt := range triggers {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create trigger: %w", err)
		}
	}
	return nil
}

func isTestRuntime() bool {
	if strings.HasSuffix(os.Args[0], ".test") || strings.HasSuffix(os.Args[0], ".test.exe") {
		return true
	}
	for _, arg := range os.Args[1:] {
		if strings.HasPrefix(arg, "-test.") {
			return true
		}
	}
	return false
}
