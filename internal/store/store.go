package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cikgu/cikgu/internal/model"

	_ "modernc.org/sqlite"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries runs every persistence operation against an explicit handle.
type Queries struct {
	db DBTX
}

// Store owns the database connection pool.
type Store struct {
	*Queries
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	// Write transactions take the write lock at BEGIN, where the busy timeout
	// applies, instead of failing with SQLITE_BUSY when a deferred read upgrades.
	dsn := dbPath + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{Queries: &Queries{db: db}, db: db}
	if err := s.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// InTx runs fn inside one transaction. The transaction is committed when fn
// returns nil and rolled back otherwise.
func (s *Store) InTx(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Queries{db: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		google_id TEXT UNIQUE,
		email TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		picture TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT 'student',
		active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		last_login DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS auth_sessions (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS subjects (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		code TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chapters (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		subject_id INTEGER NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		sort_order INTEGER NOT NULL DEFAULT 1,
		estimated_time INTEGER NOT NULL DEFAULT 30,
		active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (subject_id) REFERENCES subjects(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS sections (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chapter_id INTEGER NOT NULL,
		title TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		key_points TEXT NOT NULL DEFAULT '[]',
		examples TEXT NOT NULL DEFAULT '[]',
		sort_order INTEGER NOT NULL DEFAULT 1,
		active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (chapter_id) REFERENCES chapters(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS assessments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		subject_id INTEGER NOT NULL,
		chapter_id INTEGER,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		question_type TEXT NOT NULL,
		time_limit INTEGER NOT NULL DEFAULT 30,
		total_marks INTEGER NOT NULL DEFAULT 100,
		active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (subject_id) REFERENCES subjects(id) ON DELETE CASCADE,
		FOREIGN KEY (chapter_id) REFERENCES chapters(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS questions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		assessment_id INTEGER NOT NULL,
		question_type TEXT NOT NULL,
		question_text TEXT NOT NULL,
		options TEXT NOT NULL DEFAULT '[]',
		correct_answer TEXT NOT NULL DEFAULT '',
		explanation TEXT NOT NULL DEFAULT '',
		marks INTEGER NOT NULL DEFAULT 1,
		sort_order INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (assessment_id) REFERENCES assessments(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS assessment_attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		assessment_id INTEGER NOT NULL,
		score REAL NOT NULL DEFAULT 0,
		total_marks INTEGER NOT NULL DEFAULT 0,
		percentage REAL NOT NULL DEFAULT 0,
		time_taken INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'in_progress',
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE,
		FOREIGN KEY (assessment_id) REFERENCES assessments(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS answers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		attempt_id INTEGER NOT NULL,
		question_id INTEGER NOT NULL,
		answer_text TEXT NOT NULL DEFAULT '',
		is_correct INTEGER NOT NULL DEFAULT 0,
		marks_obtained REAL NOT NULL DEFAULT 0,
		feedback TEXT NOT NULL DEFAULT '',
		graded INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE (attempt_id, question_id),
		FOREIGN KEY (attempt_id) REFERENCES assessment_attempts(id) ON DELETE CASCADE,
		FOREIGN KEY (question_id) REFERENCES questions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS answer_drafts (
		attempt_id INTEGER NOT NULL,
		question_id INTEGER NOT NULL,
		answer_text TEXT NOT NULL DEFAULT '',
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (attempt_id, question_id),
		FOREIGN KEY (attempt_id) REFERENCES assessment_attempts(id) ON DELETE CASCADE,
		FOREIGN KEY (question_id) REFERENCES questions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS progress (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		subject TEXT NOT NULL,
		topic TEXT NOT NULL,
		completed INTEGER NOT NULL DEFAULT 0,
		score REAL NOT NULL DEFAULT 0,
		time_spent INTEGER NOT NULL DEFAULT 0,
		last_accessed DATETIME NOT NULL,
		UNIQUE (user_id, subject, topic),
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS uploads (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		filename TEXT NOT NULL,
		original_filename TEXT NOT NULL,
		file_type TEXT NOT NULL,
		file_size INTEGER NOT NULL,
		subject TEXT NOT NULL DEFAULT 'General',
		uploaded_at DATETIME NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS study_sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		subject TEXT NOT NULL,
		duration INTEGER NOT NULL,
		topics_covered TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		session_date DATETIME NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS push_subscriptions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		endpoint TEXT NOT NULL,
		p256dh_key TEXT NOT NULL,
		auth_key TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		UNIQUE (user_id, endpoint),
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS imported_files (
		path TEXT PRIMARY KEY,
		sha256 TEXT NOT NULL,
		imported_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_chapters_subject ON chapters(subject_id, sort_order, id);
	CREATE INDEX IF NOT EXISTS idx_sections_chapter ON sections(chapter_id, sort_order, id);
	CREATE INDEX IF NOT EXISTS idx_questions_assessment ON questions(assessment_id, sort_order, id);
	CREATE INDEX IF NOT EXISTS idx_attempts_user ON assessment_attempts(user_id, assessment_id);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// notFound converts sql.ErrNoRows into a typed NotFoundError.
func notFound(err error, entity string, id any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return &model.NotFoundError{Entity: entity, ID: id}
	}
	return err
}
