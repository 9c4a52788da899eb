package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/biocatchltd/heksher/internal/storage"
)

// Config holds PostgreSQL connection configuration. ConnectionString, when
// set, takes precedence over the individual fields.
type Config struct {
	ConnectionString string        `json:"connection_string" yaml:"connection_string"`
	Host             string        `json:"host" yaml:"host"`
	Port             int           `json:"port" yaml:"port"`
	Database         string        `json:"database" yaml:"database"`
	Username         string        `json:"username" yaml:"username"`
	Password         string        `json:"password" yaml:"password"`
	SSLMode          string        `json:"ssl_mode" yaml:"ssl_mode"`
	MaxOpenConns     int           `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns     int           `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime  time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime  time.Duration `json:"conn_max_idle_time" yaml:"conn_max_idle_time"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            5432,
		Database:        "heksher",
		Username:        "postgres",
		Password:        "",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// DSN returns the connection string.
func (c Config) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Database, c.Username, c.Password, c.SSLMode,
	)
}

// Store implements the storage.Storage interface using PostgreSQL.
type Store struct {
	db     *sql.DB
	config Config

	// Prepared statements for the hot read paths
	stmts *preparedStatements
}

// preparedStatements holds all prepared SQL statements.
type preparedStatements struct {
	listFeatures       *sql.Stmt
	getFeature         *sql.Stmt
	resolveSetting     *sql.Stmt
	getSettingRow      *sql.Stmt
	getSettingAliases  *sql.Stmt
	getSettingFeatures *sql.Stmt
	getRuleRow         *sql.Stmt
	getRuleConditions  *sql.Stmt
}

// NewStore creates a new PostgreSQL store.
func NewStore(config Config) (*Store, error) {
	db, err := sql.Open("postgres", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &Store{
		db:     db,
		config: config,
	}

	// Run migrations
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// Prepare statements
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	return store, nil
}

// migrate runs database migrations.
func (s *Store) migrate(ctx context.Context) error {
	for i, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}

// prepareStatements prepares the read statements.
func (s *Store) prepareStatements() error {
	var err error
	stmts := &preparedStatements{}

	stmts.listFeatures, err = s.db.Prepare(
		`SELECT name, "index" FROM context_features ORDER BY "index"`)
	if err != nil {
		return fmt.Errorf("prepare listFeatures: %w", err)
	}

	stmts.getFeature, err = s.db.Prepare(
		`SELECT name, "index" FROM context_features WHERE name = $1`)
	if err != nil {
		return fmt.Errorf("prepare getFeature: %w", err)
	}

	stmts.resolveSetting, err = s.db.Prepare(
		`SELECT name FROM settings WHERE name = $1
		 UNION
		 SELECT setting FROM setting_aliases WHERE alias = $1`)
	if err != nil {
		return fmt.Errorf("prepare resolveSetting: %w", err)
	}

	stmts.getSettingRow, err = s.db.Prepare(
		`SELECT name, type, default_value, version_major, version_minor, metadata
		 FROM settings WHERE name = $1`)
	if err != nil {
		return fmt.Errorf("prepare getSettingRow: %w", err)
	}

	stmts.getSettingAliases, err = s.db.Prepare(
		`SELECT alias FROM setting_aliases WHERE setting = $1 ORDER BY alias`)
	if err != nil {
		return fmt.Errorf("prepare getSettingAliases: %w", err)
	}

	stmts.getSettingFeatures, err = s.db.Prepare(
		`SELECT scf.context_feature
		 FROM setting_configurable_features scf
		 JOIN context_features cf ON cf.name = scf.context_feature
		 WHERE scf.setting = $1
		 ORDER BY cf."index"`)
	if err != nil {
		return fmt.Errorf("prepare getSettingFeatures: %w", err)
	}

	stmts.getRuleRow, err = s.db.Prepare(
		`SELECT id, setting, value, metadata FROM rules WHERE id = $1`)
	if err != nil {
		return fmt.Errorf("prepare getRuleRow: %w", err)
	}

	stmts.getRuleConditions, err = s.db.Prepare(
		`SELECT context_feature, feature_value FROM rule_conditions WHERE rule_id = $1`)
	if err != nil {
		return fmt.Errorf("prepare getRuleConditions: %w", err)
	}

	s.stmts = stmts
	return nil
}

// closeStatements closes all prepared statements.
func (s *Store) closeStatements() {
	if s.stmts == nil {
		return
	}
	stmts := []*sql.Stmt{
		s.stmts.listFeatures, s.stmts.getFeature, s.stmts.resolveSetting,
		s.stmts.getSettingRow, s.stmts.getSettingAliases, s.stmts.getSettingFeatures,
		s.stmts.getRuleRow, s.stmts.getRuleConditions,
	}
	for _, stmt := range stmts {
		if stmt != nil {
			stmt.Close()
		}
	}
}

// withSerializableRetry runs fn inside a serializable transaction.
// Serialization failures and racing unique violations are retried with
// jittered backoff; any other error aborts immediately.
func (s *Store) withSerializableRetry(ctx context.Context, fn func(tx *sql.Tx) error) error {
	const maxRetries = 15
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := s.runSerializable(ctx, fn)
		if err == nil {
			return nil
		}
		if !isSerializationError(err) && !isUniqueViolation(err) {
			return err
		}
		lastErr = err
		backoff := time.Duration(5<<attempt) * time.Millisecond
		if backoff > 500*time.Millisecond {
			backoff = 500 * time.Millisecond
		}
		jitter := time.Duration(float64(backoff) * (0.5 * float64(time.Now().UnixNano()%100) / 100))
		time.Sleep(backoff + jitter)
	}
	return fmt.Errorf("transaction failed after %d retries: %w", maxRetries, lastErr)
}

func (s *Store) runSerializable(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// ListContextFeatures returns all context features in hierarchy order.
func (s *Store) ListContextFeatures(ctx context.Context) ([]storage.ContextFeatureRecord, error) {
	rows, err := s.stmts.listFeatures.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list context features: %w", err)
	}
	defer rows.Close()

	var records []storage.ContextFeatureRecord
	for rows.Next() {
		var rec storage.ContextFeatureRecord
		if err := rows.Scan(&rec.Name, &rec.Index); err != nil {
			return nil, fmt.Errorf("failed to scan context feature: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetContextFeature retrieves a single context feature by name.
func (s *Store) GetContextFeature(ctx context.Context, name string) (*storage.ContextFeatureRecord, error) {
	rec := &storage.ContextFeatureRecord{}
	err := s.stmts.getFeature.QueryRowContext(ctx, name).Scan(&rec.Name, &rec.Index)
	if err == sql.ErrNoRows {
		return nil, storage.ErrContextFeatureNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get context feature: %w", err)
	}
	return rec, nil
}

// AddContextFeature appends a context feature at the end of the hierarchy
// and returns its index.
func (s *Store) AddContextFeature(ctx context.Context, name string) (int, error) {
	var index int
	err := s.withSerializableRetry(ctx, func(tx *sql.Tx) error {
		var exists bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM context_features WHERE name = $1)`, name).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check context feature: %w", err)
		}
		if exists {
			return storage.ErrContextFeatureExists
		}

		err = tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX("index") + 1, 0) FROM context_features`).Scan(&index)
		if err != nil {
			return fmt.Errorf("failed to compute next index: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO context_features (name, "index") VALUES ($1, $2)`, name, index)
		if err != nil {
			return fmt.Errorf("failed to insert context feature: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return index, nil
}

// DeleteContextFeature removes a context feature and compacts the indexes.
// The feature must not be configurable for any setting nor conditioned on by
// any rule.
func (s *Store) DeleteContextFeature(ctx context.Context, name string) error {
	return s.withSerializableRetry(ctx, func(tx *sql.Tx) error {
		var index int
		err := tx.QueryRowContext(ctx,
			`SELECT "index" FROM context_features WHERE name = $1`, name).Scan(&index)
		if err == sql.ErrNoRows {
			return storage.ErrContextFeatureNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get context feature: %w", err)
		}

		var inUse bool
		err = tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM setting_configurable_features WHERE context_feature = $1)
			 OR EXISTS (SELECT 1 FROM rule_conditions WHERE context_feature = $1)`, name).Scan(&inUse)
		if err != nil {
			return fmt.Errorf("failed to check context feature usage: %w", err)
		}
		if inUse {
			return storage.ErrContextFeatureInUse
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM context_features WHERE name = $1`, name); err != nil {
			return fmt.Errorf("failed to delete context feature: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE context_features SET "index" = "index" - 1 WHERE "index" > $1`, index); err != nil {
			return fmt.Errorf("failed to compact indexes: %w", err)
		}
		return nil
	})
}

// MoveContextFeature repositions a context feature at the given index, where
// the index is interpreted against the hierarchy with the feature already
// removed.
func (s *Store) MoveContextFeature(ctx context.Context, name string, index int) error {
	return s.withSerializableRetry(ctx, func(tx *sql.Tx) error {
		var current int
		err := tx.QueryRowContext(ctx,
			`SELECT "index" FROM context_features WHERE name = $1`, name).Scan(&current)
		if err == sql.ErrNoRows {
			return storage.ErrContextFeatureNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get context feature: %w", err)
		}

		var count int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM context_features`).Scan(&count); err != nil {
			return fmt.Errorf("failed to count context features: %w", err)
		}
		target := index
		if target < 0 {
			target = 0
		}
		if target > count-1 {
			target = count - 1
		}

		// Park the moved feature, close the gap it leaves, open a gap at the
		// target and drop it in.
		steps := []struct {
			query string
			args  []any
		}{
			{`UPDATE context_features SET "index" = -1 WHERE name = $1`, []any{name}},
			{`UPDATE context_features SET "index" = "index" - 1 WHERE "index" > $1`, []any{current}},
			{`UPDATE context_features SET "index" = "index" + 1 WHERE "index" >= $1`, []any{target}},
			{`UPDATE context_features SET "index" = $1 WHERE name = $2`, []any{target, name}},
		}
		for _, step := range steps {
			if _, err := tx.ExecContext(ctx, step.query, step.args...); err != nil {
				return fmt.Errorf("failed to move context feature: %w", err)
			}
		}
		return nil
	})
}

// SetContextFeatures replaces the whole feature hierarchy.
func (s *Store) SetContextFeatures(ctx context.Context, names []string) error {
	return s.withSerializableRetry(ctx, func(tx *sql.Tx) error {
		// Park existing rows to avoid transient index collisions, then upsert
		// every feature at its new position.
		if _, err := tx.ExecContext(ctx,
			`UPDATE context_features SET "index" = -1 - "index"`); err != nil {
			return fmt.Errorf("failed to park context features: %w", err)
		}
		for i, name := range names {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO context_features (name, "index") VALUES ($1, $2)
				 ON CONFLICT (name) DO UPDATE SET "index" = EXCLUDED."index"`, name, i)
			if err != nil {
				return fmt.Errorf("failed to upsert context feature %s: %w", name, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM context_features WHERE "index" < 0`); err != nil {
			return fmt.Errorf("failed to remove stale context features: %w", err)
		}
		return nil
	})
}

// CreateSetting stores a new setting record.
func (s *Store) CreateSetting(ctx context.Context, record *storage.SettingRecord) error {
	return s.withSerializableRetry(ctx, func(tx *sql.Tx) error {
		taken, err := nameTakenTx(ctx, tx, record.Name)
		if err != nil {
			return err
		}
		if taken {
			return storage.ErrNameTaken
		}
		for _, alias := range record.Aliases {
			taken, err := nameTakenTx(ctx, tx, alias)
			if err != nil {
				return err
			}
			if taken {
				return storage.ErrNameTaken
			}
		}

		metadataJSON, err := marshalMetadata(record.Metadata)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO settings (name, type, default_value, version_major, version_minor, metadata)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			record.Name, record.Type, nullableText(record.DefaultValue),
			record.VersionMajor, record.VersionMinor, metadataJSON)
		if err != nil {
			return fmt.Errorf("failed to insert setting: %w", err)
		}

		for _, feature := range record.ConfigurableFeatures {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO setting_configurable_features (setting, context_feature) VALUES ($1, $2)`,
				record.Name, feature)
			if err != nil {
				return fmt.Errorf("failed to insert configurable feature %s: %w", feature, err)
			}
		}
		for _, alias := range record.Aliases {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO setting_aliases (alias, setting) VALUES ($1, $2)`, alias, record.Name)
			if err != nil {
				return fmt.Errorf("failed to insert alias %s: %w", alias, err)
			}
		}
		return nil
	})
}

// GetSetting retrieves a setting by canonical name or alias.
func (s *Store) GetSetting(ctx context.Context, name string) (*storage.SettingRecord, error) {
	var canonical string
	err := s.stmts.resolveSetting.QueryRowContext(ctx, name).Scan(&canonical)
	if err == sql.ErrNoRows {
		return nil, storage.ErrSettingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve setting name: %w", err)
	}
	return s.loadSetting(ctx, canonical)
}

// loadSetting assembles the full record of a setting from its canonical name.
func (s *Store) loadSetting(ctx context.Context, name string) (*storage.SettingRecord, error) {
	record := &storage.SettingRecord{}
	var defaultValue sql.NullString
	var metadataJSON []byte

	err := s.stmts.getSettingRow.QueryRowContext(ctx, name).Scan(
		&record.Name, &record.Type, &defaultValue,
		&record.VersionMajor, &record.VersionMinor, &metadataJSON)
	if err == sql.ErrNoRows {
		return nil, storage.ErrSettingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get setting: %w", err)
	}
	if defaultValue.Valid {
		record.DefaultValue = json.RawMessage(defaultValue.String)
	}
	record.Metadata, err = unmarshalMetadata(metadataJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal setting metadata: %w", err)
	}

	rows, err := s.stmts.getSettingAliases.QueryContext(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to load aliases: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var alias string
		if err := rows.Scan(&alias); err != nil {
			return nil, fmt.Errorf("failed to scan alias: %w", err)
		}
		record.Aliases = append(record.Aliases, alias)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	features, err := s.stmts.getSettingFeatures.QueryContext(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to load configurable features: %w", err)
	}
	defer features.Close()
	record.ConfigurableFeatures = []string{}
	for features.Next() {
		var feature string
		if err := features.Scan(&feature); err != nil {
			return nil, fmt.Errorf("failed to scan configurable feature: %w", err)
		}
		record.ConfigurableFeatures = append(record.ConfigurableFeatures, feature)
	}
	return record, features.Err()
}

// ListSettings returns all settings ordered by canonical name.
func (s *Store) ListSettings(ctx context.Context) ([]*storage.SettingRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, type, default_value, version_major, version_minor, metadata
		 FROM settings ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	defer rows.Close()

	byName := make(map[string]*storage.SettingRecord)
	var records []*storage.SettingRecord
	for rows.Next() {
		record := &storage.SettingRecord{ConfigurableFeatures: []string{}}
		var defaultValue sql.NullString
		var metadataJSON []byte
		if err := rows.Scan(&record.Name, &record.Type, &defaultValue,
			&record.VersionMajor, &record.VersionMinor, &metadataJSON); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		if defaultValue.Valid {
			record.DefaultValue = json.RawMessage(defaultValue.String)
		}
		record.Metadata, err = unmarshalMetadata(metadataJSON)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal setting metadata: %w", err)
		}
		byName[record.Name] = record
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	aliasRows, err := s.db.QueryContext(ctx,
		`SELECT alias, setting FROM setting_aliases ORDER BY alias`)
	if err != nil {
		return nil, fmt.Errorf("failed to list aliases: %w", err)
	}
	defer aliasRows.Close()
	for aliasRows.Next() {
		var alias, setting string
		if err := aliasRows.Scan(&alias, &setting); err != nil {
			return nil, fmt.Errorf("failed to scan alias: %w", err)
		}
		if record, ok := byName[setting]; ok {
			record.Aliases = append(record.Aliases, alias)
		}
	}
	if err := aliasRows.Err(); err != nil {
		return nil, err
	}

	featureRows, err := s.db.QueryContext(ctx,
		`SELECT scf.setting, scf.context_feature
		 FROM setting_configurable_features scf
		 JOIN context_features cf ON cf.name = scf.context_feature
		 ORDER BY cf."index"`)
	if err != nil {
		return nil, fmt.Errorf("failed to list configurable features: %w", err)
	}
	defer featureRows.Close()
	for featureRows.Next() {
		var setting, feature string
		if err := featureRows.Scan(&setting, &feature); err != nil {
			return nil, fmt.Errorf("failed to scan configurable feature: %w", err)
		}
		if record, ok := byName[setting]; ok {
			record.ConfigurableFeatures = append(record.ConfigurableFeatures, feature)
		}
	}
	return records, featureRows.Err()
}

// UpdateSetting overwrites the attributes carried by update. The name must
// be canonical.
func (s *Store) UpdateSetting(ctx context.Context, name string, update storage.SettingUpdate) error {
	return s.withSerializableRetry(ctx, func(tx *sql.Tx) error {
		var exists bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM settings WHERE name = $1)`, name).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check setting: %w", err)
		}
		if !exists {
			return storage.ErrSettingNotFound
		}

		current := name
		if update.Rename != nil && *update.Rename != name {
			newName := *update.Rename
			if err := renameTx(ctx, tx, name, newName); err != nil {
				return err
			}
			current = newName
		}

		if update.Type != nil {
			if _, err := tx.ExecContext(ctx,
				`UPDATE settings SET type = $2 WHERE name = $1`, current, *update.Type); err != nil {
				return fmt.Errorf("failed to update type: %w", err)
			}
		}
		if update.DefaultValue != nil {
			if _, err := tx.ExecContext(ctx,
				`UPDATE settings SET default_value = $2 WHERE name = $1`,
				current, nullableText(*update.DefaultValue)); err != nil {
				return fmt.Errorf("failed to update default value: %w", err)
			}
		}
		if update.Metadata != nil {
			metadataJSON, err := marshalMetadata(*update.Metadata)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE settings SET metadata = $2 WHERE name = $1`, current, metadataJSON); err != nil {
				return fmt.Errorf("failed to update metadata: %w", err)
			}
		}
		if update.VersionMajor != nil && update.VersionMinor != nil {
			if _, err := tx.ExecContext(ctx,
				`UPDATE settings SET version_major = $2, version_minor = $3 WHERE name = $1`,
				current, *update.VersionMajor, *update.VersionMinor); err != nil {
				return fmt.Errorf("failed to update version: %w", err)
			}
		}
		if update.ConfigurableFeatures != nil {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM setting_configurable_features WHERE setting = $1`, current); err != nil {
				return fmt.Errorf("failed to clear configurable features: %w", err)
			}
			for _, feature := range *update.ConfigurableFeatures {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO setting_configurable_features (setting, context_feature) VALUES ($1, $2)`,
					current, feature); err != nil {
					return fmt.Errorf("failed to insert configurable feature %s: %w", feature, err)
				}
			}
		}
		return nil
	})
}

// renameTx moves a setting to a new canonical name, keeping the old name as
// an alias. Alias and rule rows follow via ON UPDATE CASCADE.
func renameTx(ctx context.Context, tx *sql.Tx, oldName, newName string) error {
	var takenBySetting bool
	err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM settings WHERE name = $1)`, newName).Scan(&takenBySetting)
	if err != nil {
		return fmt.Errorf("failed to check new name: %w", err)
	}
	if takenBySetting {
		return storage.ErrNameTaken
	}

	var aliasOwner string
	err = tx.QueryRowContext(ctx,
		`SELECT setting FROM setting_aliases WHERE alias = $1`, newName).Scan(&aliasOwner)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return fmt.Errorf("failed to check alias: %w", err)
	case aliasOwner != oldName:
		return storage.ErrNameTaken
	default:
		// promote the setting's own alias back to canonical
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM setting_aliases WHERE alias = $1`, newName); err != nil {
			return fmt.Errorf("failed to promote alias: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE settings SET name = $2 WHERE name = $1`, oldName, newName); err != nil {
		return fmt.Errorf("failed to rename setting: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO setting_aliases (alias, setting) VALUES ($1, $2)`, oldName, newName); err != nil {
		return fmt.Errorf("failed to record old name: %w", err)
	}
	return nil
}

// DeleteSetting removes a setting, its aliases and all its rules. The name
// must be canonical.
func (s *Store) DeleteSetting(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("failed to delete setting: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrSettingNotFound
	}
	return nil
}

// UpdateSettingMetadata merges the given keys into the setting's metadata.
func (s *Store) UpdateSettingMetadata(ctx context.Context, name string, metadata map[string]any) error {
	metadataJSON, err := marshalMetadata(metadata)
	if err != nil {
		return err
	}
	return s.execSettingUpdate(ctx,
		`UPDATE settings SET metadata = metadata || $2::jsonb WHERE name = $1`, name, metadataJSON)
}

// ReplaceSettingMetadata replaces the setting's metadata wholesale.
func (s *Store) ReplaceSettingMetadata(ctx context.Context, name string, metadata map[string]any) error {
	metadataJSON, err := marshalMetadata(metadata)
	if err != nil {
		return err
	}
	return s.execSettingUpdate(ctx,
		`UPDATE settings SET metadata = $2::jsonb WHERE name = $1`, name, metadataJSON)
}

// UpdateSettingMetadataKey sets a single metadata key.
func (s *Store) UpdateSettingMetadataKey(ctx context.Context, name, key string, value any) error {
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata value: %w", err)
	}
	return s.execSettingUpdate(ctx,
		`UPDATE settings SET metadata = jsonb_set(metadata, ARRAY[$2::text], $3::jsonb, true) WHERE name = $1`,
		name, key, valueJSON)
}

// DeleteSettingMetadataKey removes a single metadata key. Removing an absent
// key is not an error.
func (s *Store) DeleteSettingMetadataKey(ctx context.Context, name, key string) error {
	return s.execSettingUpdate(ctx,
		`UPDATE settings SET metadata = metadata - $2::text WHERE name = $1`, name, key)
}

func (s *Store) execSettingUpdate(ctx context.Context, query string, name string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, append([]any{name}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to update setting: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrSettingNotFound
	}
	return nil
}

// CreateRule stores a new rule and returns its id. Uniqueness of the
// condition set within a setting is checked against the setting's existing
// rules inside the transaction.
func (s *Store) CreateRule(ctx context.Context, record *storage.RuleRecord) (int64, error) {
	var id int64
	err := s.withSerializableRetry(ctx, func(tx *sql.Tx) error {
		var exists bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM settings WHERE name = $1)`, record.Setting).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check setting: %w", err)
		}
		if !exists {
			return storage.ErrSettingNotFound
		}

		existing, err := ruleConditionsForSettingTx(ctx, tx, record.Setting)
		if err != nil {
			return err
		}
		for _, conditions := range existing {
			if equalConditions(conditions, record.Conditions) {
				return storage.ErrRuleExists
			}
		}

		metadataJSON, err := marshalMetadata(record.Metadata)
		if err != nil {
			return err
		}
		err = tx.QueryRowContext(ctx,
			`INSERT INTO rules (setting, value, metadata) VALUES ($1, $2, $3) RETURNING id`,
			record.Setting, string(record.Value), metadataJSON).Scan(&id)
		if err != nil {
			return fmt.Errorf("failed to insert rule: %w", err)
		}
		for feature, value := range record.Conditions {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO rule_conditions (rule_id, context_feature, feature_value) VALUES ($1, $2, $3)`,
				id, feature, value)
			if err != nil {
				return fmt.Errorf("failed to insert condition %s: %w", feature, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	record.ID = id
	return id, nil
}

// ruleConditionsForSettingTx loads the condition sets of every rule of a
// setting, keyed by rule id.
func ruleConditionsForSettingTx(ctx context.Context, tx *sql.Tx, setting string) (map[int64]map[string]string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT r.id, c.context_feature, c.feature_value
		 FROM rules r
		 LEFT JOIN rule_conditions c ON c.rule_id = r.id
		 WHERE r.setting = $1`, setting)
	if err != nil {
		return nil, fmt.Errorf("failed to load rule conditions: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]map[string]string)
	for rows.Next() {
		var id int64
		var feature, value sql.NullString
		if err := rows.Scan(&id, &feature, &value); err != nil {
			return nil, fmt.Errorf("failed to scan rule condition: %w", err)
		}
		if _, ok := out[id]; !ok {
			out[id] = make(map[string]string)
		}
		if feature.Valid {
			out[id][feature.String] = value.String
		}
	}
	return out, rows.Err()
}

// GetRule retrieves a rule by id.
func (s *Store) GetRule(ctx context.Context, id int64) (*storage.RuleRecord, error) {
	record := &storage.RuleRecord{}
	var value string
	var metadataJSON []byte
	err := s.stmts.getRuleRow.QueryRowContext(ctx, id).Scan(
		&record.ID, &record.Setting, &value, &metadataJSON)
	if err == sql.ErrNoRows {
		return nil, storage.ErrRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	record.Value = json.RawMessage(value)
	record.Metadata, err = unmarshalMetadata(metadataJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal rule metadata: %w", err)
	}

	rows, err := s.stmts.getRuleConditions.QueryContext(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load conditions: %w", err)
	}
	defer rows.Close()
	record.Conditions = make(map[string]string)
	for rows.Next() {
		var feature, val string
		if err := rows.Scan(&feature, &val); err != nil {
			return nil, fmt.Errorf("failed to scan condition: %w", err)
		}
		record.Conditions[feature] = val
	}
	return record, rows.Err()
}

// DeleteRule removes a rule by id.
func (s *Store) DeleteRule(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrRuleNotFound
	}
	return nil
}

// UpdateRuleValue overwrites the value of a rule.
func (s *Store) UpdateRuleValue(ctx context.Context, id int64, value json.RawMessage) error {
	return s.execRuleUpdate(ctx,
		`UPDATE rules SET value = $2 WHERE id = $1`, id, string(value))
}

// SearchRule finds the rule of a setting with exactly the given conditions.
func (s *Store) SearchRule(ctx context.Context, setting string, conditions map[string]string) (*storage.RuleRecord, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM settings WHERE name = $1)`, setting).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check setting: %w", err)
	}
	if !exists {
		return nil, storage.ErrSettingNotFound
	}

	rules, err := s.rulesForSettings(ctx, []string{setting})
	if err != nil {
		return nil, err
	}
	for _, rule := range rules[setting] {
		if equalConditions(rule.Conditions, conditions) {
			return rule, nil
		}
	}
	return nil, storage.ErrRuleNotFound
}

// ListRules returns all rules of a setting ordered by id.
func (s *Store) ListRules(ctx context.Context, setting string) ([]*storage.RuleRecord, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM settings WHERE name = $1)`, setting).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check setting: %w", err)
	}
	if !exists {
		return nil, storage.ErrSettingNotFound
	}

	rules, err := s.rulesForSettings(ctx, []string{setting})
	if err != nil {
		return nil, err
	}
	out := rules[setting]
	if out == nil {
		out = []*storage.RuleRecord{}
	}
	return out, nil
}

// ListRulesForSettings returns the rules of each named setting. Unknown
// settings are skipped; known settings without rules map to an empty slice.
func (s *Store) ListRulesForSettings(ctx context.Context, settings []string) (map[string][]*storage.RuleRecord, error) {
	out := make(map[string][]*storage.RuleRecord, len(settings))

	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM settings WHERE name = ANY($1)`, pq.Array(settings))
	if err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan setting name: %w", err)
		}
		out[name] = []*storage.RuleRecord{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rules, err := s.rulesForSettings(ctx, settings)
	if err != nil {
		return nil, err
	}
	for setting, settingRules := range rules {
		out[setting] = settingRules
	}
	return out, nil
}

// rulesForSettings loads full rule records for the given settings in one
// round trip, ordered by id within each setting.
func (s *Store) rulesForSettings(ctx context.Context, settings []string) (map[string][]*storage.RuleRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.setting, r.value, r.metadata, c.context_feature, c.feature_value
		 FROM rules r
		 LEFT JOIN rule_conditions c ON c.rule_id = r.id
		 WHERE r.setting = ANY($1)
		 ORDER BY r.setting, r.id`, pq.Array(settings))
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]*storage.RuleRecord)
	byID := make(map[int64]*storage.RuleRecord)
	for rows.Next() {
		var id int64
		var setting, value string
		var metadataJSON []byte
		var feature, featureValue sql.NullString
		if err := rows.Scan(&id, &setting, &value, &metadataJSON, &feature, &featureValue); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		record, ok := byID[id]
		if !ok {
			record = &storage.RuleRecord{
				ID:         id,
				Setting:    setting,
				Value:      json.RawMessage(value),
				Conditions: make(map[string]string),
			}
			record.Metadata, err = unmarshalMetadata(metadataJSON)
			if err != nil {
				return nil, fmt.Errorf("failed to unmarshal rule metadata: %w", err)
			}
			byID[id] = record
			out[setting] = append(out[setting], record)
		}
		if feature.Valid {
			record.Conditions[feature.String] = featureValue.String
		}
	}
	return out, rows.Err()
}

// UpdateRuleMetadata merges the given keys into the rule's metadata.
func (s *Store) UpdateRuleMetadata(ctx context.Context, id int64, metadata map[string]any) error {
	metadataJSON, err := marshalMetadata(metadata)
	if err != nil {
		return err
	}
	return s.execRuleUpdate(ctx,
		`UPDATE rules SET metadata = metadata || $2::jsonb WHERE id = $1`, id, metadataJSON)
}

// ReplaceRuleMetadata replaces the rule's metadata wholesale.
func (s *Store) ReplaceRuleMetadata(ctx context.Context, id int64, metadata map[string]any) error {
	metadataJSON, err := marshalMetadata(metadata)
	if err != nil {
		return err
	}
	return s.execRuleUpdate(ctx,
		`UPDATE rules SET metadata = $2::jsonb WHERE id = $1`, id, metadataJSON)
}

// UpdateRuleMetadataKey sets a single metadata key.
func (s *Store) UpdateRuleMetadataKey(ctx context.Context, id int64, key string, value any) error {
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata value: %w", err)
	}
	return s.execRuleUpdate(ctx,
		`UPDATE rules SET metadata = jsonb_set(metadata, ARRAY[$2::text], $3::jsonb, true) WHERE id = $1`,
		id, key, valueJSON)
}

// DeleteRuleMetadataKey removes a single metadata key. Removing an absent
// key is not an error.
func (s *Store) DeleteRuleMetadataKey(ctx context.Context, id int64, key string) error {
	return s.execRuleUpdate(ctx,
		`UPDATE rules SET metadata = metadata - $2::text WHERE id = $1`, id, key)
}

func (s *Store) execRuleUpdate(ctx context.Context, query string, id int64, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrRuleNotFound
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.closeStatements()
	return s.db.Close()
}

// IsHealthy returns true if the database connection is healthy.
func (s *Store) IsHealthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.db.PingContext(ctx) == nil
}

// Stats returns connection pool statistics.
func (s *Store) Stats() sql.DBStats {
	return s.db.Stats()
}

// Ensure Store implements storage.Storage
var _ storage.Storage = (*Store)(nil)

// nameTakenTx reports whether name is in use as a canonical name or alias.
func nameTakenTx(ctx context.Context, tx *sql.Tx, name string) (bool, error) {
	var taken bool
	err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM settings WHERE name = $1)
		 OR EXISTS (SELECT 1 FROM setting_aliases WHERE alias = $1)`, name).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("failed to check name: %w", err)
	}
	return taken, nil
}

// marshalMetadata serializes metadata, defaulting to an empty JSON object.
func marshalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte(`{}`), nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return data, nil
}

// unmarshalMetadata deserializes metadata, mapping empty input to nil.
func unmarshalMetadata(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

// nullableText maps a raw JSON value to a TEXT column, nil to NULL.
func nullableText(raw json.RawMessage) any {
	if raw == nil {
		return nil
	}
	return string(raw)
}

func equalConditions(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// isUniqueViolation checks for the PostgreSQL unique_violation error code.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// isSerializationError checks for serialization failures and deadlocks.
func isSerializationError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}
