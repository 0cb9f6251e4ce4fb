package session

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Load reads registry.json at path and rehydrates it into registry,
// marking every persisted "active" entry Stale per the startup invariant
// that no Active session survives a process restart. A missing or corrupt
// file is treated as an empty registry, not an error.
func Load(path string, registry *Registry) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return nil
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil
	}

	for _, e := range entries {
		if e.Status == StatusActive {
			e.Status = StatusStale
		}
		registry.InsertStale(e)
	}
	return nil
}

// Save atomically writes registry's full entry snapshot to path.
func Save(path string, registry *Registry) error {
	entries := registry.ListAll()
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".registry-*.json.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}
