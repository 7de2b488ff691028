package store

// Logical schema shared by both backends. One chain per DB; chain_id is stored
// for forward compatibility with shared databases.

type tableDef struct {
	name    string
	columns []string // column names, order matters for drift reporting
	ddl     string   // dialect-neutral except the AUTOINCREMENT/SERIAL seam
}

var tables = []tableDef{
	{
		name:    "chains",
		columns: []string{"id"},
		ddl:     `CREATE TABLE IF NOT EXISTS chains (id BIGINT PRIMARY KEY)`,
	},
	{
		name:    "blocks",
		columns: []string{"chain", "number", "hash", "timestamp"},
		ddl: `CREATE TABLE IF NOT EXISTS blocks (
			chain BIGINT NOT NULL,
			number BIGINT NOT NULL,
			hash VARCHAR(64),
			timestamp TIMESTAMP,
			PRIMARY KEY (chain, number)
		)`,
	},
	{
		name: "addresses",
		columns: []string{
			"chain", "address", "notes", "is_contract", "deployer", "deploy_block",
			"is_token", "symbol", "name", "decimals", "bucket",
		},
		ddl: `CREATE TABLE IF NOT EXISTS addresses (
			chain BIGINT NOT NULL,
			address VARCHAR(42) NOT NULL,
			notes TEXT,
			is_contract SMALLINT NOT NULL DEFAULT 0,
			deployer VARCHAR(42),
			deploy_block BIGINT,
			is_token SMALLINT NOT NULL DEFAULT 0,
			symbol TEXT,
			name TEXT,
			decimals INTEGER,
			bucket VARCHAR(32),
			PRIMARY KEY (chain, address)
		)`,
	},
	{
		name:    "prices",
		columns: []string{"chain", "block", "token", "price"},
		ddl: `CREATE TABLE IF NOT EXISTS prices (
			chain BIGINT NOT NULL,
			block BIGINT NOT NULL,
			token VARCHAR(42) NOT NULL,
			price DECIMAL(38,18) NOT NULL,
			PRIMARY KEY (chain, block, token)
		)`,
	},
	{
		name:    "log_topics",
		columns: []string{"dbid", "topic"},
		ddl: `CREATE TABLE IF NOT EXISTS log_topics (
			dbid %AUTOID%,
			topic VARCHAR(64) NOT NULL UNIQUE
		)`,
	},
	{
		name:    "hashes",
		columns: []string{"dbid", "hash"},
		ddl: `CREATE TABLE IF NOT EXISTS hashes (
			dbid %AUTOID%,
			hash VARCHAR(64) NOT NULL UNIQUE
		)`,
	},
	{
		name: "logs",
		columns: []string{
			"chain", "block", "tx", "log_index", "address",
			"topic0", "topic1", "topic2", "topic3", "raw",
		},
		ddl: `CREATE TABLE IF NOT EXISTS logs (
			chain BIGINT NOT NULL,
			block BIGINT NOT NULL,
			tx BIGINT NOT NULL,
			log_index INTEGER NOT NULL,
			address BIGINT NOT NULL,
			topic0 BIGINT NOT NULL,
			topic1 BIGINT,
			topic2 BIGINT,
			topic3 BIGINT,
			raw %BYTES% NOT NULL,
			PRIMARY KEY (chain, block, tx, log_index)
		)`,
	},
	{
		name:    "log_cache_info",
		columns: []string{"chain", "address", "topics", "cached_from", "cached_thru"},
		ddl: `CREATE TABLE IF NOT EXISTS log_cache_info (
			chain BIGINT NOT NULL,
			address VARCHAR(42) NOT NULL,
			topics %BYTES% NOT NULL,
			cached_from BIGINT NOT NULL,
			cached_thru BIGINT NOT NULL,
			PRIMARY KEY (chain, address, topics)
		)`,
	},
	{
		name:    "traces",
		columns: []string{"dbid", "chain", "block", "hash", "from_address", "to_address", "raw"},
		ddl: `CREATE TABLE IF NOT EXISTS traces (
			dbid %AUTOID%,
			chain BIGINT NOT NULL,
			block BIGINT NOT NULL,
			hash VARCHAR(64) NOT NULL,
			from_address VARCHAR(42) NOT NULL,
			to_address VARCHAR(42) NOT NULL,
			raw %BYTES% NOT NULL
		)`,
	},
	{
		name:    "trace_cache_info",
		columns: []string{"chain", "to_addresses", "from_addresses", "cached_from", "cached_thru"},
		ddl: `CREATE TABLE IF NOT EXISTS trace_cache_info (
			chain BIGINT NOT NULL,
			to_addresses %BYTES% NOT NULL,
			from_addresses %BYTES% NOT NULL,
			cached_from BIGINT NOT NULL,
			cached_thru BIGINT NOT NULL,
			PRIMARY KEY (chain, to_addresses, from_addresses)
		)`,
	},
	{
		name:    "block_at_timestamp",
		columns: []string{"chainid", "timestamp", "block"},
		ddl: `CREATE TABLE IF NOT EXISTS block_at_timestamp (
			chainid BIGINT NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			block BIGINT NOT NULL,
			PRIMARY KEY (chainid, timestamp)
		)`,
	},
}

var indexDDL = []string{
	`CREATE INDEX IF NOT EXISTS idx_blocks_chain_hash ON blocks (chain, hash)`,
	`CREATE INDEX IF NOT EXISTS idx_addresses_bucket ON addresses (chain, bucket)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_address_topic0 ON logs (address, topic0)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_topic0_topic1 ON logs (topic0, topic1)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_topic0_topic2 ON logs (topic0, topic2)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_block_topic0 ON logs (chain, block, topic0)`,
	`CREATE INDEX IF NOT EXISTS idx_traces_block ON traces (chain, block)`,
	`CREATE INDEX IF NOT EXISTS idx_traces_to ON traces (chain, to_address)`,
	`CREATE INDEX IF NOT EXISTS idx_traces_from ON traces (chain, from_address)`,
}
