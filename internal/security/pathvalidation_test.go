package security

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	tmpDir := t.TempDir()

	ingestDir := filepath.Join(tmpDir, "ingest")
	outsideDir := filepath.Join(tmpDir, "outside")
	if err := os.MkdirAll(ingestDir, 0755); err != nil {
		t.Fatalf("Failed to create ingest directory: %v", err)
	}
	if err := os.MkdirAll(outsideDir, 0755); err != nil {
		t.Fatalf("Failed to create outside directory: %v", err)
	}

	outsideFile := filepath.Join(outsideDir, "tile.las")
	if err := os.WriteFile(outsideFile, []byte("LASF"), 0644); err != nil {
		t.Fatalf("Failed to create outside file: %v", err)
	}

	// A symlink inside the ingest root pointing out of it.
	symlinkPath := filepath.Join(ingestDir, "escape")
	if err := os.Symlink(outsideDir, symlinkPath); err != nil {
		t.Fatalf("Failed to create symlink: %v", err)
	}

	tests := []struct {
		name      string
		path      string
		root      string
		wantError bool
	}{
		{
			name:      "file directly under root",
			path:      filepath.Join(ingestDir, "tile.las"),
			root:      ingestDir,
			wantError: false,
		},
		{
			name:      "nested file that does not exist yet",
			path:      filepath.Join(ingestDir, "survey-2024", "tile.las"),
			root:      ingestDir,
			wantError: false,
		},
		{
			name:      "dotdot traversal",
			path:      filepath.Join(ingestDir, "..", "outside", "tile.las"),
			root:      ingestDir,
			wantError: true,
		},
		{
			name:      "relative traversal from outside",
			path:      "../../../etc/passwd",
			root:      ingestDir,
			wantError: true,
		},
		{
			name:      "absolute path outside root",
			path:      "/etc/passwd",
			root:      ingestDir,
			wantError: true,
		},
		{
			name:      "file reached through symlink out of root",
			path:      filepath.Join(symlinkPath, "tile.las"),
			root:      ingestDir,
			wantError: true,
		},
		{
			name:      "symlink itself",
			path:      symlinkPath,
			root:      ingestDir,
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.path, tt.root)
			if (err != nil) != tt.wantError {
				t.Errorf("ValidatePathWithinDirectory() error = %v, wantError %v", err, tt.wantError)
			}
		})
	}
}

func TestValidatePathWithinAllowedDirs(t *testing.T) {
	dir1 := t.TempDir()
	dir2 := t.TempDir()

	tests := []struct {
		name      string
		path      string
		allowed   []string
		wantError bool
	}{
		{
			name:      "path in first allowed dir",
			path:      filepath.Join(dir1, "tile.las"),
			allowed:   []string{dir1, dir2},
			wantError: false,
		},
		{
			name:      "path in second allowed dir",
			path:      filepath.Join(dir2, "tile.las"),
			allowed:   []string{dir1, dir2},
			wantError: false,
		},
		{
			name:      "path outside all dirs",
			path:      "/etc/passwd",
			allowed:   []string{dir1, dir2},
			wantError: true,
		},
		{
			name:      "no allowed dirs",
			path:      filepath.Join(dir1, "tile.las"),
			allowed:   []string{},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinAllowedDirs(tt.path, tt.allowed)
			if (err != nil) != tt.wantError {
				t.Errorf("ValidatePathWithinAllowedDirs() error = %v, wantError %v", err, tt.wantError)
			}
		})
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "already clean", input: "hillcrest-2024", want: "hillcrest-2024"},
		{name: "spaces and slashes", input: "survey 2024/north block", want: "survey_2024_north_block"},
		{name: "repeated junk collapses", input: "a///***b", want: "a_b"},
		{name: "leading and trailing junk trimmed", input: "..region..", want: "region"},
		{name: "empty", input: "", want: "unknown"},
		{name: "only junk", input: "///", want: "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeFilename(tt.input); got != tt.want {
				t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
