package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/RichardoC/pad-relay/internal/db"
	"github.com/RichardoC/pad-relay/internal/models"
)

func seedConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "chat.db")

	database, err := db.New(dbPath)
	if err != nil {
		t.Fatalf("db.New() error = %v", err)
	}
	ctx := context.Background()
	for _, m := range []struct {
		session string
		role    models.Role
		content string
	}{
		{"older", models.RoleUser, "hello"},
		{"older", models.RoleBot, "<think>hmm</think>hi there"},
		{"newer", models.RoleUser, "ping"},
	} {
		if err := database.Append(ctx, m.session, m.role, m.content); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	database.Close()

	configPath := filepath.Join(dir, "relay.yaml")
	cfg := "database:\n  path: " + dbPath + "\nproviders:\n  - name: local\n    kind: ollama\n    base_url: http://localhost:11434\n    model: llama3.1:8b\n"
	if err := os.WriteFile(configPath, []byte(cfg), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return configPath
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("Execute(%v) error = %v", args, err)
	}
	return out.String()
}

func TestHistoryCommand(t *testing.T) {
	configPath := seedConfig(t)

	out := run(t, "history", "older", "--config", configPath)

	var got []models.ProjectedMessage
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if len(got) != 2 || got[1].Role != models.RoleAssistant || got[1].Content != "hi there" {
		t.Errorf("history = %+v", got)
	}
}

func TestSessionsCommand(t *testing.T) {
	configPath := seedConfig(t)

	out := run(t, "sessions", "--json", "--config", configPath)
	var got []models.SessionSummary
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if len(got) != 2 || got[0].SessionID != "newer" || got[1].MessageCount != 2 {
		t.Errorf("sessions = %+v", got)
	}

	table := run(t, "sessions", "--json=false", "--config", configPath)
	if !strings.HasPrefix(table, "SESSION") || !strings.Contains(table, "older") {
		t.Errorf("table output = %q", table)
	}
}
