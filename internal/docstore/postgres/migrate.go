package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// migrations are applied in order on startup. Each entry is a single
// statement; the trigger function body contains semicolons and must not be
// split.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS time_records (
        record_id  TEXT PRIMARY KEY,
        doc        JSONB NOT NULL,
        updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    )`,
	`CREATE INDEX IF NOT EXISTS time_records_driver_key_idx ON time_records ((doc->>'driverKey'))`,
	`CREATE INDEX IF NOT EXISTS time_records_start_time_idx ON time_records ((doc->>'startTime') DESC)`,
	`CREATE OR REPLACE FUNCTION notify_time_record_change() RETURNS trigger AS $$
    DECLARE
        payload TEXT;
    BEGIN
        IF TG_OP = 'DELETE' THEN
            payload := json_build_object('id', OLD.record_id, 'op', 'delete')::text;
        ELSE
            payload := json_build_object('id', NEW.record_id, 'op', lower(TG_OP))::text;
        END IF;
        PERFORM pg_notify('time_records_changes', payload);
        RETURN NULL;
    END;
    $$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS time_records_notify ON time_records`,
	`CREATE TRIGGER time_records_notify
        AFTER INSERT OR UPDATE OR DELETE ON time_records
        FOR EACH ROW EXECUTE FUNCTION notify_time_record_change()`,
}

// Migrate applies the schema. Statements are idempotent so it is safe to run
// on every startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range migrations {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
