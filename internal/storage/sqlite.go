package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store keeps conversations, messages and per-tenant completion settings
// in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "crmgate.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// Timestamps are stored as fixed-width UTC text so they sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeFormat) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

// --- Conversations ---

// CreateConversation inserts c, filling in ID and timestamps when unset.
func (s *Store) CreateConversation(c Conversation) (Conversation, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	c.UpdatedAt = c.CreatedAt
	_, err := s.db.Exec(`
		INSERT INTO conversations (id, tenant_id, user_id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, c.UserID, c.Title, formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	if err != nil {
		return Conversation{}, fmt.Errorf("inserting conversation: %w", err)
	}
	return c, nil
}

func (s *Store) GetConversation(id string) (Conversation, error) {
	row := s.db.QueryRow(`
		SELECT id, tenant_id, user_id, title, created_at, updated_at
		FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	return c, err
}

// ListConversations returns the owner's conversations, most recently
// updated first.
func (s *Store) ListConversations(tenantID, userID string, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, tenant_id, user_id, title, created_at, updated_at
		FROM conversations
		WHERE tenant_id = ? AND user_id = ?
		ORDER BY updated_at DESC, rowid DESC
		LIMIT ?`, tenantID, userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

func (s *Store) UpdateConversationTitle(id, title string) error {
	res, err := s.db.Exec(`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`,
		title, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	return expectRow(res)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(sc scanner) (Conversation, error) {
	var c Conversation
	var createdAt, updatedAt string
	if err := sc.Scan(&c.ID, &c.TenantID, &c.UserID, &c.Title, &createdAt, &updatedAt); err != nil {
		return Conversation{}, err
	}
	var err error
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return Conversation{}, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Conversation{}, err
	}
	return c, nil
}

// --- Messages ---

// AppendMessage stores m and touches the parent conversation.
func (s *Store) AppendMessage(m Message) (Message, error) {
	if m.Role != RoleUser && m.Role != RoleAssistant {
		return Message{}, fmt.Errorf("invalid message role %q", m.Role)
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return Message{}, fmt.Errorf("beginning append transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE conversations SET updated_at = ? WHERE id = ?`, formatTime(m.CreatedAt), m.ConversationID)
	if err != nil {
		return Message{}, err
	}
	if err := expectRow(res); err != nil {
		return Message{}, err
	}
	if _, err := tx.Exec(`
		INSERT INTO messages (id, conversation_id, role, content, hidden, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Role, m.Content, m.Hidden, formatTime(m.CreatedAt),
	); err != nil {
		return Message{}, fmt.Errorf("inserting message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("committing message: %w", err)
	}
	return m, nil
}

// ListMessages returns a conversation's messages in insertion order.
// Hidden messages are included only when withHidden is set.
func (s *Store) ListMessages(conversationID string, withHidden bool) ([]Message, error) {
	query := `SELECT id, conversation_id, role, content, hidden, created_at
		FROM messages WHERE conversation_id = ?`
	if !withHidden {
		query += ` AND hidden = 0`
	}
	query += ` ORDER BY created_at ASC, rowid ASC`

	rows, err := s.db.Query(query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Message
	for rows.Next() {
		var m Message
		var createdAt string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Hidden, &createdAt); err != nil {
			return nil, err
		}
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

// --- LLM settings ---

// ActiveSettings returns the tenant's active settings or ErrNotFound.
func (s *Store) ActiveSettings(tenantID string) (Settings, error) {
	var st Settings
	var temp sql.NullFloat64
	var updatedAt string
	err := s.db.QueryRow(`
		SELECT id, tenant_id, provider, model, temperature, max_tokens, system_prompt, is_active, updated_at
		FROM llm_settings WHERE tenant_id = ? AND is_active = 1`, tenantID,
	).Scan(&st.ID, &st.TenantID, &st.Provider, &st.Model, &temp, &st.MaxTokens, &st.SystemPrompt, &st.Active, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Settings{}, ErrNotFound
	}
	if err != nil {
		return Settings{}, err
	}
	if temp.Valid {
		st.Temperature = &temp.Float64
	}
	if st.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Settings{}, err
	}
	return st, nil
}

// SaveSettings replaces the tenant's settings.
func (s *Store) SaveSettings(st Settings) (Settings, error) {
	if st.TenantID == "" {
		return Settings{}, errors.New("settings need a tenant")
	}
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	st.UpdatedAt = time.Now()

	var temp sql.NullFloat64
	if st.Temperature != nil {
		temp = sql.NullFloat64{Float64: *st.Temperature, Valid: true}
	}
	_, err := s.db.Exec(`
		INSERT INTO llm_settings (id, tenant_id, provider, model, temperature, max_tokens, system_prompt, is_active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			provider = excluded.provider,
			model = excluded.model,
			temperature = excluded.temperature,
			max_tokens = excluded.max_tokens,
			system_prompt = excluded.system_prompt,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at`,
		st.ID, st.TenantID, st.Provider, st.Model, temp, st.MaxTokens, st.SystemPrompt, st.Active, formatTime(st.UpdatedAt),
	)
	if err != nil {
		return Settings{}, fmt.Errorf("saving settings: %w", err)
	}

	var id string
	if err := s.db.QueryRow(`SELECT id FROM llm_settings WHERE tenant_id = ?`, st.TenantID).Scan(&id); err != nil {
		return Settings{}, err
	}
	st.ID = id
	return st, nil
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
