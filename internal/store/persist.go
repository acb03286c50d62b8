package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// userRecord is the on-disk shape for a single user's instances.
type userRecord struct {
	Name      string     `json:"name"`
	Instances []Instance `json:"instances"`
}

// fileFormat is the wire layout of the state file, per the persisted state
// layout table: {"users": [...], "ips": [...]}.
type fileFormat struct {
	Users []userRecord `json:"users"`
	IPs   []string     `json:"ips"`
}

// writeAtomic writes data to path by creating a temp file in the same
// directory, syncing it, then renaming it over the destination. A reader
// never observes a partially-written file: it either sees the old content
// or the new content, never a mix. perm is applied via Chmod before the
// rename so the temp file's restrictive CreateTemp mode never leaks.
func writeAtomic(path string, data []byte, perm os.FileMode) (retErr error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path))
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if retErr != nil {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp state file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp state file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("renaming temp state file into place: %w", err)
	}
	return nil
}

// loadFile reads and decodes the state file. A missing file is not an
// error — it yields an empty fileFormat, matching the "missing file at
// startup yields empty state with a warning" rule; the warning itself is
// the caller's responsibility since only it has a logger.
func loadFile(path string) (fileFormat, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return fileFormat{}, false, nil
	}
	if err != nil {
		return fileFormat{}, false, fmt.Errorf("reading state file: %w", err)
	}

	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return fileFormat{}, true, fmt.Errorf("parsing state file: %w", err)
	}
	return ff, true, nil
}

const statePerm = 0o600

// marshalIndent encodes the file format with stable, readable formatting
// so a state.json diff in an incident is actually legible.
func marshalIndent(ff fileFormat) ([]byte, error) {
	data, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding state file: %w", err)
	}
	return append(data, '\n'), nil
}
