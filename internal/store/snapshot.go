package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	json "github.com/goccy/go-json"
)

// snapMu serializes snapshot writes; the tmp+rename pair must not
// interleave.
var snapMu sync.Mutex

// SaveSnapshot atomically writes v as JSON next to the database. The write
// goes to a .tmp file first and is renamed over the target, so a crash
// mid-save never leaves a partial snapshot.
func (s *Store) SaveSnapshot(name string, v any) error {
	snapMu.Lock()
	defer snapMu.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot %s: %w", name, err)
	}

	path := filepath.Join(s.dir, name+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write snapshot %s: %w", name, err)
	}
	return os.Rename(tmp, path)
}

// LoadSnapshot restores a snapshot into v. A missing file is not an
// error; ok reports whether anything was loaded.
func (s *Store) LoadSnapshot(name string, v any) (ok bool, err error) {
	snapMu.Lock()
	defer snapMu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, name+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read snapshot %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal snapshot %s: %w", name, err)
	}
	return true, nil
}
