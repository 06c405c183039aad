package store

// Schema is created on startup and is identical in shape across both
// engines; only the column types differ. client_order_id carries the sole
// uniqueness constraint, which is what makes replayed submissions benign.

const ddlSQLite = `
CREATE TABLE IF NOT EXISTS orders (
	id               TEXT PRIMARY KEY,
	client_order_id  TEXT NOT NULL UNIQUE,
	external_order_id TEXT,
	strategy         TEXT NOT NULL,
	symbol           TEXT NOT NULL,
	exchange         TEXT NOT NULL,
	side             TEXT NOT NULL,
	type             TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'new',
	quantity         REAL NOT NULL,
	filled_quantity  REAL NOT NULL DEFAULT 0,
	price            REAL,
	stop_price       REAL,
	reduce_only      INTEGER NOT NULL DEFAULT 0,
	time_in_force    TEXT,
	raw_request      BLOB,
	raw_response     BLOB,
	created_at       TIMESTAMP NOT NULL,
	updated_at       TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders (symbol, exchange);

CREATE TABLE IF NOT EXISTS positions (
	id               TEXT PRIMARY KEY,
	symbol           TEXT NOT NULL,
	exchange         TEXT NOT NULL,
	strategy         TEXT NOT NULL,
	quantity         REAL NOT NULL,
	entry_price      REAL NOT NULL,
	stop_price       REAL,
	take_profit_price REAL,
	reduce_only_stop_installed INTEGER NOT NULL DEFAULT 0,
	opened_at        TIMESTAMP NOT NULL,
	updated_at       TIMESTAMP NOT NULL,
	closed_at        TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_positions_open ON positions (symbol, exchange, strategy, closed_at);

CREATE TABLE IF NOT EXISTS account_states (
	id           TEXT PRIMARY KEY,
	account_id   TEXT NOT NULL,
	equity       REAL NOT NULL,
	cash         REAL NOT NULL,
	buying_power REAL,
	leverage     REAL,
	timestamp    TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_account_states_ts ON account_states (timestamp)
`

const ddlPostgres = `
CREATE TABLE IF NOT EXISTS orders (
	id               TEXT PRIMARY KEY,
	client_order_id  TEXT NOT NULL UNIQUE,
	external_order_id TEXT,
	strategy         TEXT NOT NULL,
	symbol           TEXT NOT NULL,
	exchange         TEXT NOT NULL,
	side             TEXT NOT NULL,
	type             TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'new',
	quantity         DOUBLE PRECISION NOT NULL,
	filled_quantity  DOUBLE PRECISION NOT NULL DEFAULT 0,
	price            DOUBLE PRECISION,
	stop_price       DOUBLE PRECISION,
	reduce_only      BOOLEAN NOT NULL DEFAULT FALSE,
	time_in_force    TEXT,
	raw_request      BYTEA,
	raw_response     BYTEA,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders (symbol, exchange);

CREATE TABLE IF NOT EXISTS positions (
	id               TEXT PRIMARY KEY,
	symbol           TEXT NOT NULL,
	exchange         TEXT NOT NULL,
	strategy         TEXT NOT NULL,
	quantity         DOUBLE PRECISION NOT NULL,
	entry_price      DOUBLE PRECISION NOT NULL,
	stop_price       DOUBLE PRECISION,
	take_profit_price DOUBLE PRECISION,
	reduce_only_stop_installed BOOLEAN NOT NULL DEFAULT FALSE,
	opened_at        TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	closed_at        TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_positions_open ON positions (symbol, exchange, strategy, closed_at);

CREATE TABLE IF NOT EXISTS account_states (
	id           TEXT PRIMARY KEY,
	account_id   TEXT NOT NULL,
	equity       DOUBLE PRECISION NOT NULL,
	cash         DOUBLE PRECISION NOT NULL,
	buying_power DOUBLE PRECISION,
	leverage     DOUBLE PRECISION,
	timestamp    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_account_states_ts ON account_states (timestamp)
`
