package auth

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"pairchat/internal/config"
	"pairchat/internal/storage"
)

func TestRegisterAndLogin(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	svc := NewService(db, time.Hour)
	ctx := context.Background()

	user, err := svc.Register(ctx, "alice", "secret")
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if user.ID <= 0 || user.Username != "alice" {
		t.Fatalf("unexpected user: %+v", user)
	}

	if _, err := svc.Register(ctx, "alice", "other"); err == nil {
		t.Fatalf("expected duplicate username error")
	}

	got, err := svc.Login(ctx, "alice", "secret")
	if err != nil {
		t.Fatalf("Login error: %v", err)
	}
	if got.ID != user.ID {
		t.Fatalf("login returned wrong user: %d != %d", got.ID, user.ID)
	}

	if _, err := svc.Login(ctx, "alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.Login(ctx, "nobody", "secret"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestAuthIssueValidateRevoke(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	userID := insertUser(t, db, "bob")

	svc := NewService(db, time.Hour)
	token, err := svc.IssueToken(context.Background(), userID)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	if token == "" {
		t.Fatalf("expected token")
	}
	got, err := svc.ValidateToken(context.Background(), token)
	if err != nil || got != userID {
		t.Fatalf("ValidateToken failed: id=%d err=%v", got, err)
	}
	if err := svc.RevokeToken(context.Background(), token); err != nil {
		t.Fatalf("RevokeToken error: %v", err)
	}
	if _, err := svc.ValidateToken(context.Background(), token); err == nil {
		t.Fatalf("expected error after revoke")
	}

	token2, err := svc.IssueToken(context.Background(), userID)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	if err := svc.RevokeUserTokens(context.Background(), userID); err != nil {
		t.Fatalf("RevokeUserTokens error: %v", err)
	}
	if _, err := svc.ValidateToken(context.Background(), token2); err == nil {
		t.Fatalf("expected error after revoke all")
	}
}

func TestAuthValidateExpiredToken(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	userID := insertUser(t, db, "carol")

	svc := NewService(db, 10*time.Millisecond)
	token, err := svc.IssueToken(context.Background(), userID)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := svc.ValidateToken(context.Background(), token); err == nil {
		t.Fatalf("expected expiration error")
	}
	// ensure token removed
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM user_tokens WHERE token = ?`, token).Scan(&count); err != nil {
		t.Fatalf("query tokens: %v", err)
	}
	if count != 0 {
		t.Fatalf("expired token not purged")
	}
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {
				DSN: ":memory:",
			},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return db
}

func insertUser(t *testing.T, db *sql.DB, username string) int64 {
	t.Helper()
	res, err := db.Exec(`INSERT INTO users (username, password_hash, created_at) VALUES (?, '', ?)`,
		username, time.Now().UTC())
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("last insert id: %v", err)
	}
	return id
}
