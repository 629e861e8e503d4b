package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"

	"github.com/gobwas/glob"
)

var (
	lockPattern    = glob.MustCompile("Singleton{Lock,Socket,Cookie}")
	profilePattern = glob.MustCompile("worker*")
)

// KillRenderers terminates browser processes whose command line carries the
// profile directory as a whole argument. Having nothing to kill is not an
// error.
func KillRenderers(ctx context.Context, profileDir string) error {
	cmd := exec.CommandContext(ctx, "pkill", "-f", "--", userDataDirPattern(profileDir))
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return nil
		}
		return fmt.Errorf("failed to kill renderers for %s: %w", profileDir, err)
	}
	return nil
}

// userDataDirPattern matches --user-data-dir=profileDir ending at a space or
// at the end of the command line, so worker1 never matches worker12.
func userDataDirPattern(profileDir string) string {
	return "--user-data-dir=" + regexp.QuoteMeta(profileDir) + "( |$)"
}

// RemoveLocks deletes the Singleton lock artifacts of one profile directory
// and returns the names it removed. A missing directory is not an error.
func RemoveLocks(profileDir string) ([]string, error) {
	entries, err := os.ReadDir(profileDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read profile directory: %w", err)
	}

	var removed []string
	var errs []error
	for _, entry := range entries {
		if !lockPattern.Match(entry.Name()) {
			continue
		}
		if err := os.Remove(filepath.Join(profileDir, entry.Name())); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, entry.Name())
	}
	return removed, errors.Join(errs...)
}

// ProfileDirs lists the worker profile directories under profilesDir.
func ProfileDirs(profilesDir string) ([]string, error) {
	entries, err := os.ReadDir(profilesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read profiles directory: %w", err)
	}

	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() && profilePattern.Match(entry.Name()) {
			dirs = append(dirs, filepath.Join(profilesDir, entry.Name()))
		}
	}
	return dirs, nil
}

// SweepLocks removes lock artifacts from every worker profile under
// profilesDir and returns how many files it removed.
func SweepLocks(profilesDir string) (int, error) {
	dirs, err := ProfileDirs(profilesDir)
	if err != nil {
		return 0, err
	}

	total := 0
	var errs []error
	for _, dir := range dirs {
		removed, err := RemoveLocks(dir)
		total += len(removed)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}
