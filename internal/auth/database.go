package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	_ "modernc.org/sqlite"

	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/account"
	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/config"
	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/utils"
)

// DatabaseReader extracts the signed-in credential from the Antigravity
// desktop app's state database. It satisfies account.DatabaseAuthReader.
//
// modernc.org/sqlite keeps the build CGO-free, which matters for the
// Windows users this source mostly serves.
type DatabaseReader struct {
	path string
	log  *utils.Logger
}

// NewDatabaseReader creates a DatabaseReader. An empty path uses the
// per-OS default location.
func NewDatabaseReader(path string, log *utils.Logger) *DatabaseReader {
	if path == "" {
		path = config.AntigravityDBPath
	}
	if log == nil {
		log = utils.Default()
	}
	return &DatabaseReader{path: path, log: log}
}

// Read queries the database for the current auth status. The database
// is opened read-only so a running desktop app is never disturbed.
func (r *DatabaseReader) Read(ctx context.Context) (*account.DatabaseAuth, error) {
	if _, err := os.Stat(r.path); os.IsNotExist(err) {
		return nil, fmt.Errorf("database not found at %s; make sure Antigravity is installed and you are logged in", r.path)
	}

	db, err := sql.Open("sqlite", r.path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	var value string
	err = db.QueryRowContext(ctx,
		"SELECT value FROM ItemTable WHERE key = 'antigravityAuthStatus'").Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no auth status found in database")
	}
	if err != nil {
		return nil, fmt.Errorf("query database: %w", err)
	}

	var status struct {
		APIKey string `json:"apiKey"`
		Email  string `json:"email"`
		Name   string `json:"name"`
	}
	if err := json.Unmarshal([]byte(value), &status); err != nil {
		return nil, fmt.Errorf("parse auth status: %w", err)
	}
	if status.APIKey == "" {
		return nil, fmt.Errorf("auth status missing apiKey")
	}

	return &account.DatabaseAuth{
		APIKey: status.APIKey,
		Email:  status.Email,
		Name:   status.Name,
	}, nil
}

// Accessible reports whether the database exists and can be opened.
// Used by the account CLI to decide whether a database account can be
// added on this machine.
func (r *DatabaseReader) Accessible(ctx context.Context) bool {
	if _, err := os.Stat(r.path); os.IsNotExist(err) {
		return false
	}
	db, err := sql.Open("sqlite", r.path+"?mode=ro")
	if err != nil {
		r.log.Debug("[Database] Open failed: %v", err)
		return false
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		r.log.Debug("[Database] Ping failed: %v", err)
		return false
	}
	return true
}
