// Package postgres provides a PostgreSQL storage implementation.
package postgres

// migrations contains the database schema migrations.
var migrations = []string{
	// Migration 1: Context feature hierarchy. The index column keeps the
	// features contiguously ordered from zero.
	`CREATE TABLE IF NOT EXISTS context_features (
		name VARCHAR(255) PRIMARY KEY,
		"index" INTEGER NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_context_features_index ON context_features("index")`,

	// Migration 2: Settings. The default value is stored as its raw JSON
	// encoding; NULL means the setting has no default.
	`CREATE TABLE IF NOT EXISTS settings (
		name VARCHAR(255) PRIMARY KEY,
		type TEXT NOT NULL,
		default_value TEXT,
		version_major INTEGER NOT NULL DEFAULT 1,
		version_minor INTEGER NOT NULL DEFAULT 0,
		metadata JSONB NOT NULL DEFAULT '{}'
	)`,

	// Migration 3: Past names of renamed settings. ON UPDATE CASCADE keeps
	// the rows attached across renames.
	`CREATE TABLE IF NOT EXISTS setting_aliases (
		alias VARCHAR(255) PRIMARY KEY,
		setting VARCHAR(255) NOT NULL REFERENCES settings(name) ON DELETE CASCADE ON UPDATE CASCADE
	)`,

	`CREATE INDEX IF NOT EXISTS idx_setting_aliases_setting ON setting_aliases(setting)`,

	// Migration 4: Which context features each setting allows rules to
	// condition on.
	`CREATE TABLE IF NOT EXISTS setting_configurable_features (
		setting VARCHAR(255) NOT NULL REFERENCES settings(name) ON DELETE CASCADE ON UPDATE CASCADE,
		context_feature VARCHAR(255) NOT NULL REFERENCES context_features(name),
		PRIMARY KEY (setting, context_feature)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_scf_context_feature ON setting_configurable_features(context_feature)`,

	// Migration 5: Rules. The value is stored as its raw JSON encoding.
	`CREATE TABLE IF NOT EXISTS rules (
		id BIGSERIAL PRIMARY KEY,
		setting VARCHAR(255) NOT NULL REFERENCES settings(name) ON DELETE CASCADE ON UPDATE CASCADE,
		value TEXT NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}'
	)`,

	`CREATE INDEX IF NOT EXISTS idx_rules_setting ON rules(setting)`,

	// Migration 6: Exact-match conditions of each rule, at most one per
	// context feature.
	`CREATE TABLE IF NOT EXISTS rule_conditions (
		rule_id BIGINT NOT NULL REFERENCES rules(id) ON DELETE CASCADE,
		context_feature VARCHAR(255) NOT NULL REFERENCES context_features(name),
		feature_value VARCHAR(255) NOT NULL,
		PRIMARY KEY (rule_id, context_feature)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_rule_conditions_feature ON rule_conditions(context_feature, feature_value)`,
}
