package db

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMigrationFiles_Dir(t *testing.T) {
	tests := []struct {
		name  string
		files map[string]string
		dirs  []string
		want  []string
	}{
		{
			name:  "sorted by name",
			files: map[string]string{"0002_b.sql": "B", "0001_a.sql": "A", "0010_c.sql": "C"},
			want:  []string{"A", "B", "C"},
		},
		{
			name:  "non sql files skipped",
			files: map[string]string{"0001_a.sql": "A", "README.md": "#", "notes.txt": "x"},
			want:  []string{"A"},
		},
		{
			name:  "directories skipped",
			files: map[string]string{"0001_a.sql": "A"},
			dirs:  []string{"0000_dir.sql"},
			want:  []string{"A"},
		},
		{
			name: "empty",
			want: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			for name, content := range tt.files {
				if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
					t.Fatalf("db:migrations_test - write %s: %v", name, err)
				}
			}
			for _, d := range tt.dirs {
				if err := os.Mkdir(filepath.Join(dir, d), 0o755); err != nil {
					t.Fatalf("db:migrations_test - mkdir %s: %v", d, err)
				}
			}

			got, err := LoadMigrationFiles(dir)
			if err != nil {
				t.Fatalf("db:migrations_test - unexpected error: %v", err)
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("db:migrations_test - got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLoadMigrationFiles_MissingDir(t *testing.T) {
	if _, err := LoadMigrationFiles(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("db:migrations_test - expected error for missing directory")
	}
}

func TestLoadMigrationFiles_Embedded(t *testing.T) {
	got, err := LoadMigrationFiles("")
	if err != nil {
		t.Fatalf("db:migrations_test - unexpected error: %v", err)
	}
	if len(got) < 2 {
		t.Fatalf("db:migrations_test - expected embedded migrations, got %d", len(got))
	}
	if !strings.Contains(got[0], "CREATE TABLE IF NOT EXISTS operation_log") {
		t.Errorf("db:migrations_test - first migration does not create operation_log")
	}
}
