package database

import (
	"strings"
	"testing"
)

func TestMigrationsAreOrderedAndReversible(t *testing.T) {
	seen := make(map[int]bool)
	for _, m := range Migrations {
		if seen[m.Version] {
			t.Fatalf("duplicate migration version %d", m.Version)
		}
		seen[m.Version] = true
		if strings.TrimSpace(m.Up) == "" || strings.TrimSpace(m.Down) == "" {
			t.Errorf("migration %d must have up and down statements", m.Version)
		}
	}

	sorted := sortedMigrations()
	for i := 1; i < len(sorted); i++ {
		if sorted[i-1].Version >= sorted[i].Version {
			t.Fatalf("migrations not sorted: %d before %d", sorted[i-1].Version, sorted[i].Version)
		}
	}
}

func TestMessagesSchemaEnforcesSinglePayload(t *testing.T) {
	var messages string
	for _, m := range Migrations {
		if strings.Contains(m.Up, "CREATE TABLE IF NOT EXISTS messages") {
			messages = m.Up
		}
	}
	if messages == "" {
		t.Fatal("messages table migration missing")
	}
	for _, want := range []string{"BIGSERIAL", "num_nonnulls(text, image_url, audio_url) = 1", "waveform JSONB"} {
		if !strings.Contains(messages, want) {
			t.Errorf("messages migration lacks %q", want)
		}
	}
}
