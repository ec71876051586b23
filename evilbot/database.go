package evilbot

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
)

var (
	sqliteMaxOpenConns = 1
	sqliteMaxIdleConns = 1
	sqliteExecPragma   = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
		"pragma busy_timeout = 5000;",
	}
	dbOperationTimeout = 30 * time.Second
)

// ModelUnixTime is an embeddable model with Unix millisecond timestamps
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

// GuildSettings holds the per-guild persona and activation settings.
// Rows are created lazily with the configured defaults.
//
//nolint:lll // struct tags can't be split
type GuildSettings struct {
	ServerID               string       `gorm:"primaryKey" json:"server_id"`
	SystemPrompt           string       `gorm:"not null" json:"system_prompt"`
	TriggerWords           TriggerWords `gorm:"not null" json:"trigger_words"`
	RandomResponsesEnabled bool         `gorm:"not null" json:"random_responses_enabled"`
	RandomResponseChance   int          `gorm:"not null;check:chk_guild_settings_random_response_chance,random_response_chance BETWEEN 1 AND 100" json:"random_response_chance"`
	ModelUnixTime
}

func (GuildSettings) TableName() string {
	return "guild_settings"
}

func (g GuildSettings) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("server_id", g.ServerID),
		slog.String("system_prompt", truncate(g.SystemPrompt, 50)),
		slog.Any("trigger_words", []string(g.TriggerWords)),
		slog.Bool("random_responses_enabled", g.RandomResponsesEnabled),
		slog.Int("random_response_chance", g.RandomResponseChance),
	)
}

// UserDMSettings holds a user's persona for direct messages
type UserDMSettings struct {
	UserID       string `gorm:"primaryKey" json:"user_id"`
	SystemPrompt string `gorm:"not null" json:"system_prompt"`
	ModelUnixTime
}

func (UserDMSettings) TableName() string {
	return "dm_settings"
}

// TriggerWords is an ordered set of lowercase words, stored as a JSON list
type TriggerWords []string

// Scan implements the sql.Scanner interface.
func (t *TriggerWords) Scan(value any) error {
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	case nil:
		*t = TriggerWords{}
		return nil
	default:
		return fmt.Errorf("unexpected type for TriggerWords: %T", value)
	}
	var words []string
	if err := json.Unmarshal(data, &words); err != nil {
		return fmt.Errorf("invalid trigger words: %w", err)
	}
	*t = words
	return nil
}

// Value implements the driver.Valuer interface.
func (t TriggerWords) Value() (driver.Value, error) {
	if t == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]string(t))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// GormDataType is used by GORM to determine the default data type for a field.
func (TriggerWords) GormDataType() string {
	return "string"
}

// Contains reports whether word is present, ignoring case
func (t TriggerWords) Contains(word string) bool {
	word = normalizeTriggerWord(word)
	for _, w := range t {
		if w == word {
			return true
		}
	}
	return false
}

// normalizeTriggerWords lowercases, trims and de-duplicates words,
// preserving their order
func normalizeTriggerWords(words []string) TriggerWords {
	seen := make(map[string]struct{}, len(words))
	out := make(TriggerWords, 0, len(words))
	for _, w := range words {
		w = normalizeTriggerWord(w)
		if w == "" {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}

// database wraps a gorm.DB for write operations. When using sqlite, writes
// are serialized with a mutex. Every operation gets a default timeout if
// the given context has no deadline.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

func newDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) *database {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) lock() func() {
	if d.enableConcurrentWrites {
		return func() {}
	}
	d.mu.Lock()
	return d.mu.Unlock
}

// withTimeout applies dbOperationTimeout when ctx has no deadline
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

// Read returns a session bound to ctx for reads, which aren't locked
func (d *database) Read(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	ctx, cancel := withTimeout(ctx)
	return d.db.WithContext(ctx), cancel
}

func (d *database) Create(ctx context.Context, value any) (
	rowsAffected int64,
	err error,
) {
	unlock := d.lock()
	defer unlock()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Create(value)
	return rv.RowsAffected, rv.Error
}

// Upsert inserts value, resolving conflicts with the given clause, as a
// single statement
func (d *database) Upsert(
	ctx context.Context,
	value any,
	onConflict clause.OnConflict,
) (rowsAffected int64, err error) {
	unlock := d.lock()
	defer unlock()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Clauses(onConflict).Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Transaction(
	ctx context.Context,
	fc func(tx *gorm.DB) error,
	opts ...*sql.TxOptions,
) error {
	unlock := d.lock()
	defer unlock()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return d.db.WithContext(ctx).Transaction(fc, opts...)
}

func (d *database) DeleteWhere(
	ctx context.Context,
	model any,
	query any,
	conds ...any,
) (rowsAffected int64, err error) {
	unlock := d.lock()
	defer unlock()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Where(query, conds...).Delete(model)
	return rv.RowsAffected, rv.Error
}

// CreateDB opens the database, applies connection settings and migrates
// the schema. It's safe to run against an existing database.
//
// Parameters:
//   - ctx: The context for the database operations.
//   - databaseType: The type of the database, must be 'sqlite' or 'postgres'.
//   - database: The database connection string, or SQLite file path.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := tint.NewHandler(
		defaultLogWriter,
		&tint.Options{
			Level:     slog.LevelWarn,
			AddSource: true,
		},
	)
	slog.New(handler).InfoContext(
		ctx,
		"Initializing database",
		"database_type", databaseType,
	)
	return openDB(
		ctx,
		databaseType,
		database,
		newGORMLogger(handler, DefaultDatabaseSlowThreshold),
	)
}

// openDB opens the database and migrates the schema
func openDB(
	ctx context.Context,
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if databaseType == dbTypeSQLite {
		if err = configureSQLite(ctx, db); err != nil {
			return nil, err
		}
	}

	if err = migrate(ctx, db); err != nil {
		return nil, err
	}
	return db, nil
}

func configureSQLite(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("error getting database connection: %w", err)
	}
	// a single connection that's never recycled keeps the pragmas in effect
	sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
	sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
	sqlDB.SetConnMaxLifetime(0)

	pragmaErrors := make([]error, 0, len(sqliteExecPragma))
	for _, p := range sqliteExecPragma {
		pragmaErrors = append(pragmaErrors, db.WithContext(ctx).Exec(p).Error)
	}
	return errors.Join(pragmaErrors...)
}

func migrate(ctx context.Context, db *gorm.DB) error {
	txn := db.WithContext(ctx).Begin()
	if txn.Error != nil {
		return fmt.Errorf("error starting migration: %w", txn.Error)
	}
	err := txn.Migrator().AutoMigrate(
		&GuildSettings{},
		&UserDMSettings{},
		&InferenceLog{},
	)
	if err != nil {
		txn.Rollback()
		return fmt.Errorf("error migrating database: %w", err)
	}
	if err = txn.Commit().Error; err != nil {
		return fmt.Errorf("error committing migration: %w", err)
	}
	return nil
}

// getDB initializes and returns a GORM database connection based on the
// specified database type.
//
// Parameters:
//   - databaseType: Must be 'sqlite' or 'postgres'
//   - database: Database connection string, or SQLite file path.
//   - gormLogger: logs database operations
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0o755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(sqlite.Open(database), gormConfig)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), gormConfig)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}
