// Package mysql provides a MySQL storage implementation.
package mysql

// migrations contains the database schema migrations.
var migrations = []string{
	// Migration 1: Context feature hierarchy
	"CREATE TABLE IF NOT EXISTS context_features (" +
		"name VARCHAR(255) PRIMARY KEY," +
		"`index` INT NOT NULL," +
		"INDEX idx_context_features_index (`index`)" +
		") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci",

	// Migration 2: Settings
	"CREATE TABLE IF NOT EXISTS settings (" +
		"name VARCHAR(255) PRIMARY KEY," +
		"type TEXT NOT NULL," +
		"default_value TEXT," +
		"version_major INT NOT NULL DEFAULT 1," +
		"version_minor INT NOT NULL DEFAULT 0," +
		"metadata JSON NOT NULL" +
		") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci",

	// Migration 3: Setting aliases, canonical renames cascade into alias rows
	"CREATE TABLE IF NOT EXISTS setting_aliases (" +
		"alias VARCHAR(255) PRIMARY KEY," +
		"setting VARCHAR(255) NOT NULL," +
		"FOREIGN KEY (setting) REFERENCES settings(name) ON DELETE CASCADE ON UPDATE CASCADE," +
		"INDEX idx_setting_aliases_setting (setting)" +
		") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci",

	// Migration 4: Configurable features per setting
	"CREATE TABLE IF NOT EXISTS setting_configurable_features (" +
		"setting VARCHAR(255) NOT NULL," +
		"context_feature VARCHAR(255) NOT NULL," +
		"PRIMARY KEY (setting, context_feature)," +
		"FOREIGN KEY (setting) REFERENCES settings(name) ON DELETE CASCADE ON UPDATE CASCADE," +
		"FOREIGN KEY (context_feature) REFERENCES context_features(name)," +
		"INDEX idx_setting_configurable_features_feature (context_feature)" +
		") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci",

	// Migration 5: Rules
	"CREATE TABLE IF NOT EXISTS rules (" +
		"id BIGINT AUTO_INCREMENT PRIMARY KEY," +
		"setting VARCHAR(255) NOT NULL," +
		"value TEXT NOT NULL," +
		"metadata JSON NOT NULL," +
		"FOREIGN KEY (setting) REFERENCES settings(name) ON DELETE CASCADE ON UPDATE CASCADE," +
		"INDEX idx_rules_setting (setting)" +
		") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci",

	// Migration 6: Rule conditions, one value per context feature
	"CREATE TABLE IF NOT EXISTS rule_conditions (" +
		"rule_id BIGINT NOT NULL," +
		"context_feature VARCHAR(255) NOT NULL," +
		"feature_value VARCHAR(255) NOT NULL," +
		"PRIMARY KEY (rule_id, context_feature)," +
		"FOREIGN KEY (rule_id) REFERENCES rules(id) ON DELETE CASCADE," +
		"FOREIGN KEY (context_feature) REFERENCES context_features(name)," +
		"INDEX idx_rule_conditions_feature (context_feature, feature_value)" +
		") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci",
}
