// internal/firmware/pit.go
// Minimal PIT handling: enough of a sanity check to decide whether a blob
// is a plausible partition table, plus the timestamped backup writer.
// Structural parsing is a downstream concern.
package firmware

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// pitMinLen is the length floor below which a blob cannot be a PIT.
	pitMinLen = 20

	// pitProbeLen is how far ValidatePit looks for a non-zero byte.
	pitProbeLen = 100

	backupTimeFormat = "2006-01-02_15-04-05"
)

var errPitAllZero = errors.New("leading bytes are all zero")

// ValidatePit accepts a blob iff it is at least 20 bytes long and at least
// one of its first 100 bytes is non-zero.
func ValidatePit(blob []byte) error {
	if len(blob) < pitMinLen {
		return fmt.Errorf("pit blob too short: %d bytes", len(blob))
	}
	probe := blob
	if len(probe) > pitProbeLen {
		probe = probe[:pitProbeLen]
	}
	for _, b := range probe {
		if b != 0 {
			return nil
		}
	}
	return errPitAllZero
}

// WritePitBackup stores a PIT read back from the device under
// <base>/backup/samsung/pit/<timestamp>.pit and returns the path written.
func WritePitBackup(base string, blob []byte) (string, error) {
	dir := filepath.Join(base, "backup", "samsung", "pit")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating backup directory: %w", err)
	}
	path := filepath.Join(dir, time.Now().Format(backupTimeFormat)+".pit")
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		return "", fmt.Errorf("writing pit backup: %w", err)
	}
	return path, nil
}
