package storage

// tenantSchemaVersion версия набора таблиц в схеме арендатора
const tenantSchemaVersion = 1

// tenantSchemaStatements создают таблицы арендатора. Выполняются после
// SET LOCAL search_path, поэтому имена не квалифицированы схемой.
// Каждый оператор можно выполнять повторно.
var tenantSchemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS schema_version (
		version     INT         NOT NULL,
		applied_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS tasks (
		id              UUID        PRIMARY KEY,
		tenant_id       UUID        NOT NULL,
		action          TEXT        NOT NULL,
		marketplace     TEXT        NOT NULL,
		params          JSONB       NOT NULL DEFAULT '{}'::jsonb,
		dedup_key       TEXT        NOT NULL,
		state           TEXT        NOT NULL CHECK (state IN ('pending', 'claimed', 'completed', 'failed', 'expired')),
		priority        INT         NOT NULL DEFAULT 0,
		timeout_seconds INT         NOT NULL CHECK (timeout_seconds > 0),
		awaited         BOOLEAN     NOT NULL DEFAULT false,
		created_at      TIMESTAMPTZ NOT NULL,
		claimed_at      TIMESTAMPTZ,
		completed_at    TIMESTAMPTZ,
		deadline_at     TIMESTAMPTZ NOT NULL,
		claimed_by      TEXT,
		result          JSONB,
		error_kind      TEXT,
		error_message   TEXT,
		delivered_at    TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS tasks_inflight_dedup_idx
		ON tasks (dedup_key) WHERE state IN ('pending', 'claimed')`,
	`CREATE INDEX IF NOT EXISTS tasks_pending_order_idx
		ON tasks (priority DESC, created_at, id) WHERE state = 'pending'`,
	`CREATE INDEX IF NOT EXISTS tasks_deadline_idx
		ON tasks (deadline_at) WHERE state IN ('pending', 'claimed')`,
	`CREATE INDEX IF NOT EXISTS tasks_undelivered_idx
		ON tasks (completed_at) WHERE state = 'completed' AND delivered_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS rate_windows (
		marketplace TEXT          PRIMARY KEY,
		tenant_id   UUID          NOT NULL,
		entries     TIMESTAMPTZ[] NOT NULL DEFAULT '{}',
		updated_at  TIMESTAMPTZ   NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS inventory_items (
		id             UUID          PRIMARY KEY,
		tenant_id      UUID          NOT NULL,
		marketplace    TEXT          NOT NULL,
		external_id    TEXT          NOT NULL,
		title          TEXT          NOT NULL,
		status         TEXT          NOT NULL,
		price          NUMERIC(12,2) NOT NULL DEFAULT 0,
		currency       TEXT          NOT NULL DEFAULT '',
		views          INT           NOT NULL DEFAULT 0,
		favorites      INT           NOT NULL DEFAULT 0,
		photo_count    INT           NOT NULL DEFAULT 0,
		url            TEXT          NOT NULL DEFAULT '',
		attributes     JSONB         NOT NULL DEFAULT '{}'::jsonb,
		version        INT           NOT NULL DEFAULT 1,
		last_synced_at TIMESTAMPTZ   NOT NULL,
		removed_at     TIMESTAMPTZ,
		created_at     TIMESTAMPTZ   NOT NULL,
		updated_at     TIMESTAMPTZ   NOT NULL,
		UNIQUE (marketplace, external_id)
	)`,
	`CREATE INDEX IF NOT EXISTS inventory_items_status_idx
		ON inventory_items (marketplace, status)`,

	`CREATE TABLE IF NOT EXISTS inventory_history (
		id          UUID        PRIMARY KEY,
		item_id     UUID        NOT NULL REFERENCES inventory_items (id),
		change_type TEXT        NOT NULL,
		before      JSONB,
		after       JSONB,
		source      TEXT        NOT NULL,
		task_id     UUID,
		changed_by  TEXT,
		changed_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS inventory_history_item_idx
		ON inventory_history (item_id, changed_at DESC)`,

	`CREATE TABLE IF NOT EXISTS sync_state (
		marketplace    TEXT        PRIMARY KEY,
		last_synced_at TIMESTAMPTZ NOT NULL,
		last_task_id   UUID,
		last_report    JSONB
	)`,
}

// stampSchemaVersion записывает версию схемы при первом создании
const stampSchemaVersion = `
	INSERT INTO schema_version (version)
	SELECT $1 WHERE NOT EXISTS (SELECT 1 FROM schema_version)
`
