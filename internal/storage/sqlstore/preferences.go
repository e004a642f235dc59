package sqlstore

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jmoiron/sqlx"

	"storysync/internal/domain"
)

const (
	keyName     = "session.name"
	keyEmail    = "session.email"
	keyPassword = "session.password"
	keyToken    = "session.token"
	keyIsLogin  = "session.is_login"
	keyLanguage = "settings.language"

	DefaultLanguage = "en"
)

var sessionKeys = []string{keyName, keyEmail, keyPassword, keyToken, keyIsLogin}

// SupportedLanguages maps language codes to their display names.
var SupportedLanguages = map[string]string{
	"en": "English",
	"id": "Bahasa Indonesia",
}

// PreferenceStore is a key-value table holding the single persisted session
// and the UI language.
type PreferenceStore struct {
	db *sqlx.DB
}

func NewPreferenceStore(db *sqlx.DB) *PreferenceStore {
	return &PreferenceStore{db: db}
}

// SaveSession overwrites the persisted session.
func (s *PreferenceStore) SaveSession(ctx context.Context, session domain.Session) error {
	values := map[string]string{
		keyName:     session.Name,
		keyEmail:    session.Email,
		keyPassword: session.Password,
		keyToken:    session.Token,
		keyIsLogin:  strconv.FormatBool(session.IsLogin),
	}

	return withTx(ctx, s.db, func(ctx context.Context) error {
		exec := GetExecutor(ctx, s.db)
		for _, key := range sessionKeys {
			if err := s.set(ctx, exec, key, values[key]); err != nil {
				return err
			}
		}
		return nil
	})
}

// Session returns the persisted session, or a zero session with IsLogin
// false when there is none.
func (s *PreferenceStore) Session(ctx context.Context) (domain.Session, error) {
	values, err := s.load(ctx)
	if err != nil {
		return domain.Session{}, err
	}

	isLogin, _ := strconv.ParseBool(values[keyIsLogin])
	return domain.Session{
		Name:     values[keyName],
		Email:    values[keyEmail],
		Password: values[keyPassword],
		Token:    values[keyToken],
		IsLogin:  isLogin && values[keyToken] != "",
	}, nil
}

// Token returns the bearer token of the logged-in session, or
// domain.ErrAuth when nobody is logged in.
func (s *PreferenceStore) Token(ctx context.Context) (string, error) {
	session, err := s.Session(ctx)
	if err != nil {
		return "", err
	}
	if !session.IsLogin {
		return "", fmt.Errorf("%w: no active session", domain.ErrAuth)
	}
	return session.Token, nil
}

func (s *PreferenceStore) ClearSession(ctx context.Context) error {
	query, args, err := sqlx.In("DELETE FROM preferences WHERE key IN (?)", sessionKeys)
	if err != nil {
		return fmt.Errorf("build clear session: %w", err)
	}

	exec := GetExecutor(ctx, s.db)
	if _, err := exec.ExecContext(ctx, exec.Rebind(query), args...); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// Language returns the stored language code, DefaultLanguage when unset.
func (s *PreferenceStore) Language(ctx context.Context) (string, error) {
	values, err := s.load(ctx)
	if err != nil {
		return "", err
	}
	if lang := values[keyLanguage]; lang != "" {
		return lang, nil
	}
	return DefaultLanguage, nil
}

func (s *PreferenceStore) SetLanguage(ctx context.Context, code string) error {
	if _, ok := SupportedLanguages[code]; !ok {
		return &domain.ValidationError{Field: "language", Reason: fmt.Sprintf("unsupported language %q", code)}
	}
	return s.set(ctx, GetExecutor(ctx, s.db), keyLanguage, code)
}

func (s *PreferenceStore) set(ctx context.Context, exec sqlx.ExtContext, key, value string) error {
	query := exec.Rebind(`
		INSERT INTO preferences (key, value)
		VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`)

	if _, err := exec.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *PreferenceStore) load(ctx context.Context) (map[string]string, error) {
	var rows []struct {
		Key   string `db:"key"`
		Value string `db:"value"`
	}
	if err := sqlx.SelectContext(ctx, GetExecutor(ctx, s.db), &rows, "SELECT key, value FROM preferences"); err != nil {
		return nil, fmt.Errorf("load preferences: %w", err)
	}

	values := make(map[string]string, len(rows))
	for _, row := range rows {
		values[row.Key] = row.Value
	}
	return values, nil
}
