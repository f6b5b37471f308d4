package platform

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/drtrace/drtrace/internal/drerr"
)

// MaxDirCreateAttempts bounds process init's unique-output-directory
// creation (spec §4.7: "create a unique subdirectory under the output root
// (retry up to 10,000 times on collision)").
const MaxDirCreateAttempts = 10000

// CreateUniqueDir creates "<root>/<appID>.<pid>.dir", falling back to
// "<root>/<appID>.<pid>.<n>.dir" on EEXIST up to MaxDirCreateAttempts times.
// Collisions are expected when multiple instrumented processes share a PID
// across container or namespace boundaries, or rerun against the same
// output root.
func CreateUniqueDir(root, appID string, pid int) (string, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("platform: create output root %s: %w", root, err)
	}
	base := fmt.Sprintf("%s.%d.dir", appID, pid)
	path := filepath.Join(root, base)
	if err := os.Mkdir(path, 0o755); err == nil {
		return path, nil
	} else if !os.IsExist(err) {
		return "", fmt.Errorf("platform: mkdir %s: %w", path, err)
	}
	for i := 0; i < MaxDirCreateAttempts; i++ {
		alt := fmt.Sprintf("%s.%d.%d.dir", appID, pid, i)
		path = filepath.Join(root, alt)
		err := os.Mkdir(path, 0o755)
		if err == nil {
			return path, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("platform: mkdir %s: %w", path, err)
		}
	}
	return "", drerr.ErrOutputDirExhausted
}
