package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Sentinel lookup errors.
var (
	ErrUserNotFound    = errors.New("user not found")
	ErrTokenNotFound   = errors.New("refresh token not found")
	ErrWelcomeNotFound = errors.New("welcome message not found")
)

// Store persists all server state in SQLite. There is exactly one Store value
// per process; CLI subcommands go through the same type.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database and runs migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// Single-writer discipline; readers go through WAL.
	db.SetMaxOpenConns(1)

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA foreign_keys = ON`,
		`PRAGMA busy_timeout = 5000`,
	} {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	const schema = `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	last_login INTEGER,
	active INTEGER NOT NULL DEFAULT 1
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_users_username_active ON users(username) WHERE active = 1;

CREATE TABLE IF NOT EXISTS webauthn_credentials (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL REFERENCES users(id),
	credential_id TEXT NOT NULL UNIQUE,
	public_key BLOB NOT NULL,
	counter INTEGER NOT NULL DEFAULT 0,
	aaguid TEXT,
	transports TEXT,
	created_at INTEGER NOT NULL,
	last_used INTEGER,
	nickname TEXT
);
CREATE INDEX IF NOT EXISTS idx_webauthn_user ON webauthn_credentials(user_id);

CREATE TABLE IF NOT EXISTS refresh_tokens (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL REFERENCES users(id),
	token_hash TEXT NOT NULL UNIQUE,
	expires_at INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	ip TEXT,
	ua TEXT,
	revoked INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_refresh_user ON refresh_tokens(user_id);

CREATE TABLE IF NOT EXISTS message_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	channel TEXT NOT NULL,
	client_id TEXT NOT NULL,
	user_id INTEGER,
	screen_name TEXT NOT NULL,
	audio_data TEXT NOT NULL,
	sample_rate INTEGER NOT NULL,
	codec TEXT NOT NULL DEFAULT 'pcm16',
	bitrate INTEGER,
	duration_ms INTEGER NOT NULL,
	timestamp_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_channel_ts ON message_history(channel, timestamp_ms DESC);
CREATE INDEX IF NOT EXISTS idx_history_codec ON message_history(codec, channel, timestamp_ms);

CREATE TABLE IF NOT EXISTS welcome_messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	audio_file TEXT NOT NULL,
	trigger_type TEXT NOT NULL CHECK(trigger_type IN ('connect','channel_join','both')),
	channel TEXT,
	enabled INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL,
	last_played_at INTEGER,
	play_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS user_codec_preferences (
	user_id INTEGER PRIMARY KEY REFERENCES users(id),
	preferred_codec TEXT NOT NULL DEFAULT 'pcm16' CHECK(preferred_codec IN ('pcm16','opus')),
	fallback_codec TEXT NOT NULL DEFAULT 'pcm16' CHECK(fallback_codec IN ('pcm16','opus')),
	opus_bitrate INTEGER NOT NULL DEFAULT 32000 CHECK(opus_bitrate BETWEEN 6000 AND 510000),
	updated_at INTEGER NOT NULL
);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}
	slog.Debug("sqlite migrations applied")
	return nil
}

// User is one account row. Timestamps are unix seconds.
type User struct {
	ID        int64
	Username  string
	CreatedAt int64
	LastLogin int64
	Active    bool
}

// CreateUser inserts an account row and returns its id.
func (s *Store) CreateUser(ctx context.Context, username string) (int64, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return 0, fmt.Errorf("username is required")
	}
	const q = `INSERT INTO users (username, created_at, active) VALUES (?, ?, 1)`
	result, err := s.db.ExecContext(ctx, q, username, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("insert user: %w", err)
	}
	id, _ := result.LastInsertId()
	slog.Info("user created", "user_id", id, "username", username)
	return id, nil
}

// UserByUsername returns the active account owning username.
func (s *Store) UserByUsername(ctx context.Context, username string) (User, error) {
	const q = `SELECT id, username, created_at, COALESCE(last_login, 0), active FROM users WHERE username = ? AND active = 1`
	var u User
	err := s.db.QueryRowContext(ctx, q, username).Scan(&u.ID, &u.Username, &u.CreatedAt, &u.LastLogin, &u.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("query user by username: %w", err)
	}
	return u, nil
}

// UserByID returns the account with the given id.
func (s *Store) UserByID(ctx context.Context, id int64) (User, error) {
	const q = `SELECT id, username, created_at, COALESCE(last_login, 0), active FROM users WHERE id = ?`
	var u User
	err := s.db.QueryRowContext(ctx, q, id).Scan(&u.ID, &u.Username, &u.CreatedAt, &u.LastLogin, &u.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("query user by id: %w", err)
	}
	return u, nil
}

// IsUsernameRegistered reports whether an active account owns username.
func (s *Store) IsUsernameRegistered(ctx context.Context, username string) (bool, error) {
	const q = `SELECT 1 FROM users WHERE username = ? AND active = 1`
	var one int
	err := s.db.QueryRowContext(ctx, q, username).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query registered username: %w", err)
	}
	return true, nil
}

// TouchLastLogin records a successful login.
func (s *Store) TouchLastLogin(ctx context.Context, userID int64) error {
	const q = `UPDATE users SET last_login = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, q, time.Now().Unix(), userID); err != nil {
		return fmt.Errorf("update last_login: %w", err)
	}
	return nil
}

// Credential is one stored WebAuthn credential. The registration/assertion
// ceremonies live outside this server; only the storage surface is here.
type Credential struct {
	ID           int64
	UserID       int64
	CredentialID string
	PublicKey    []byte
	Counter      int64
	AAGUID       string
	Transports   string
	CreatedAt    int64
	LastUsed     int64
	Nickname     string
}

// StoreCredential inserts a credential row.
func (s *Store) StoreCredential(ctx context.Context, c Credential) (int64, error) {
	const q = `
INSERT INTO webauthn_credentials (user_id, credential_id, public_key, counter, aaguid, transports, created_at, nickname)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`
	result, err := s.db.ExecContext(ctx, q, c.UserID, c.CredentialID, c.PublicKey, c.Counter, c.AAGUID, c.Transports, time.Now().Unix(), c.Nickname)
	if err != nil {
		return 0, fmt.Errorf("insert credential: %w", err)
	}
	id, _ := result.LastInsertId()
	return id, nil
}

// CredentialsByUser returns all credentials registered to a user.
func (s *Store) CredentialsByUser(ctx context.Context, userID int64) ([]Credential, error) {
	const q = `
SELECT id, user_id, credential_id, public_key, counter,
       COALESCE(aaguid, ''), COALESCE(transports, ''), created_at, COALESCE(last_used, 0), COALESCE(nickname, '')
FROM webauthn_credentials WHERE user_id = ? ORDER BY id
`
	rows, err := s.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	var out []Credential
	for rows.Next() {
		var c Credential
		if err := rows.Scan(&c.ID, &c.UserID, &c.CredentialID, &c.PublicKey, &c.Counter,
			&c.AAGUID, &c.Transports, &c.CreatedAt, &c.LastUsed, &c.Nickname); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateCredentialCounter stores the post-assertion signature counter.
func (s *Store) UpdateCredentialCounter(ctx context.Context, credentialID string, counter int64) error {
	const q = `UPDATE webauthn_credentials SET counter = ?, last_used = ? WHERE credential_id = ?`
	if _, err := s.db.ExecContext(ctx, q, counter, time.Now().Unix(), credentialID); err != nil {
		return fmt.Errorf("update credential counter: %w", err)
	}
	return nil
}

// RefreshToken is one refresh token row. The token itself is never stored,
// only its hash.
type RefreshToken struct {
	ID        int64
	UserID    int64
	TokenHash string
	ExpiresAt int64
	CreatedAt int64
	IP        string
	UA        string
	Revoked   bool
}

// InsertRefreshToken stores a hashed refresh token.
func (s *Store) InsertRefreshToken(ctx context.Context, t RefreshToken) (int64, error) {
	const q = `INSERT INTO refresh_tokens (user_id, token_hash, expires_at, created_at, ip, ua) VALUES (?, ?, ?, ?, ?, ?)`
	result, err := s.db.ExecContext(ctx, q, t.UserID, t.TokenHash, t.ExpiresAt, time.Now().Unix(), t.IP, t.UA)
	if err != nil {
		return 0, fmt.Errorf("insert refresh token: %w", err)
	}
	id, _ := result.LastInsertId()
	return id, nil
}

// RefreshTokenByHash returns an unrevoked, unexpired token row by hash.
func (s *Store) RefreshTokenByHash(ctx context.Context, hash string) (RefreshToken, error) {
	const q = `
SELECT id, user_id, token_hash, expires_at, created_at, COALESCE(ip, ''), COALESCE(ua, ''), revoked
FROM refresh_tokens WHERE token_hash = ? AND revoked = 0 AND expires_at > ?
`
	var t RefreshToken
	err := s.db.QueryRowContext(ctx, q, hash, time.Now().Unix()).Scan(
		&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &t.CreatedAt, &t.IP, &t.UA, &t.Revoked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RefreshToken{}, ErrTokenNotFound
		}
		return RefreshToken{}, fmt.Errorf("query refresh token: %w", err)
	}
	return t, nil
}

// RevokeRefreshToken marks a token revoked by hash. Idempotent.
func (s *Store) RevokeRefreshToken(ctx context.Context, hash string) error {
	const q = `UPDATE refresh_tokens SET revoked = 1 WHERE token_hash = ?`
	if _, err := s.db.ExecContext(ctx, q, hash); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// WelcomeMessage is one pre-recorded server-originated transmission.
type WelcomeMessage struct {
	ID           int64
	Name         string
	AudioFile    string
	TriggerType  string // connect | channel_join | both
	Channel      string // empty = any channel
	Enabled      bool
	CreatedAt    int64
	LastPlayedAt int64
	PlayCount    int64
}

// InsertWelcomeMessage registers a welcome audio file.
func (s *Store) InsertWelcomeMessage(ctx context.Context, m WelcomeMessage) (int64, error) {
	if m.TriggerType != "connect" && m.TriggerType != "channel_join" && m.TriggerType != "both" {
		return 0, fmt.Errorf("invalid trigger_type %q", m.TriggerType)
	}
	var channel any
	if m.Channel != "" {
		channel = m.Channel
	}
	const q = `INSERT INTO welcome_messages (name, audio_file, trigger_type, channel, enabled, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	result, err := s.db.ExecContext(ctx, q, m.Name, m.AudioFile, m.TriggerType, channel, m.Enabled, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("insert welcome message: %w", err)
	}
	id, _ := result.LastInsertId()
	slog.Info("welcome message registered", "id", id, "name", m.Name, "trigger", m.TriggerType)
	return id, nil
}

// EnabledWelcomeMessages returns all enabled welcome rows.
func (s *Store) EnabledWelcomeMessages(ctx context.Context) ([]WelcomeMessage, error) {
	const q = `
SELECT id, name, audio_file, trigger_type, COALESCE(channel, ''), enabled, created_at, COALESCE(last_played_at, 0), play_count
FROM welcome_messages WHERE enabled = 1 ORDER BY id
`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query welcome messages: %w", err)
	}
	defer rows.Close()

	var out []WelcomeMessage
	for rows.Next() {
		var m WelcomeMessage
		if err := rows.Scan(&m.ID, &m.Name, &m.AudioFile, &m.TriggerType, &m.Channel,
			&m.Enabled, &m.CreatedAt, &m.LastPlayedAt, &m.PlayCount); err != nil {
			return nil, fmt.Errorf("scan welcome message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkWelcomePlayed bumps the play counter and last played timestamp.
func (s *Store) MarkWelcomePlayed(ctx context.Context, id int64) error {
	const q = `UPDATE welcome_messages SET play_count = play_count + 1, last_played_at = ? WHERE id = ?`
	result, err := s.db.ExecContext(ctx, q, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("mark welcome played: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrWelcomeNotFound
	}
	return nil
}

// CodecPreference is the per-user codec preference row.
type CodecPreference struct {
	UserID         int64
	PreferredCodec string
	FallbackCodec  string
	OpusBitrate    int
	UpdatedAt      int64
}

// CodecPreferenceByUser returns a user's codec preference, falling back to
// the defaults when none is stored.
func (s *Store) CodecPreferenceByUser(ctx context.Context, userID int64) (CodecPreference, error) {
	const q = `SELECT user_id, preferred_codec, fallback_codec, opus_bitrate, updated_at FROM user_codec_preferences WHERE user_id = ?`
	var p CodecPreference
	err := s.db.QueryRowContext(ctx, q, userID).Scan(&p.UserID, &p.PreferredCodec, &p.FallbackCodec, &p.OpusBitrate, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CodecPreference{UserID: userID, PreferredCodec: "pcm16", FallbackCodec: "pcm16", OpusBitrate: 32000}, nil
	}
	if err != nil {
		return CodecPreference{}, fmt.Errorf("query codec preference: %w", err)
	}
	return p, nil
}

// SetCodecPreference upserts a user's codec preference.
func (s *Store) SetCodecPreference(ctx context.Context, p CodecPreference) error {
	if p.PreferredCodec != "pcm16" && p.PreferredCodec != "opus" {
		return fmt.Errorf("invalid preferred_codec %q", p.PreferredCodec)
	}
	if p.FallbackCodec != "pcm16" && p.FallbackCodec != "opus" {
		return fmt.Errorf("invalid fallback_codec %q", p.FallbackCodec)
	}
	if p.OpusBitrate < 6000 || p.OpusBitrate > 510000 {
		return fmt.Errorf("opus_bitrate %d outside [6000, 510000]", p.OpusBitrate)
	}
	const q = `
INSERT INTO user_codec_preferences (user_id, preferred_codec, fallback_codec, opus_bitrate, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
	preferred_codec = excluded.preferred_codec,
	fallback_codec = excluded.fallback_codec,
	opus_bitrate = excluded.opus_bitrate,
	updated_at = excluded.updated_at
`
	if _, err := s.db.ExecContext(ctx, q, p.UserID, p.PreferredCodec, p.FallbackCodec, p.OpusBitrate, time.Now().Unix()); err != nil {
		return fmt.Errorf("upsert codec preference: %w", err)
	}
	return nil
}
