package main

import (
	"os"
	"path/filepath"

	"github.com/rohankatakam/pijugo/internal/logging"
	"github.com/rohankatakam/pijugo/internal/repo"
)

// findRepoRoot walks up from the current directory looking for a
// ".pijul" checkout, the same nearest-ancestor search env.go's
// findEnvFile uses for ".env".
func findRepoRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	dir := cwd
	for {
		if _, err := os.Stat(filepath.Join(dir, ".pijul")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", os.ErrNotExist
		}
		dir = parent
	}
}

// repoLogger adapts cfg.Logging into the slog-backed logging.Logger
// internal/repo and its components expect — distinct from the
// logrus logger the CLI layer uses for user-facing command output,
// matching the split the teacher's own codebase draws between
// internal/logging (library-facing) and cmd-level logrus (operator-facing).
func repoLogger() (*logging.Logger, error) {
	level := logging.INFO
	switch cfg.Logging.Level {
	case "debug":
		level = logging.DEBUG
	case "warn":
		level = logging.WARN
	case "error":
		level = logging.ERROR
	}
	return logging.NewLogger(logging.Config{
		Level:      level,
		JSONFormat: cfg.Logging.JSONFormat,
	})
}

// openRepo opens the checkout whose ".pijul" directory is at or above
// the current directory.
func openRepo() (*repo.Repo, error) {
	root, err := findRepoRoot()
	if err != nil {
		return nil, err
	}
	lg, err := repoLogger()
	if err != nil {
		return nil, err
	}
	return repo.Open(root, cfg, lg)
}
