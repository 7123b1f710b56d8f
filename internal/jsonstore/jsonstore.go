// Package jsonstore persists small state files as a JSON snapshot plus an
// append-only JSONL history next to it.
package jsonstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bytedance/sonic"
)

// HistoryPath maps data/activeTickets.json to data/activeTickets_history.jsonl.
func HistoryPath(snapshotPath string) string {
	return strings.TrimSuffix(snapshotPath, filepath.Ext(snapshotPath)) + "_history.jsonl"
}

// WriteSnapshot replaces path atomically: readers see the old file or the new one.
func WriteSnapshot(path string, v any) error {
	data, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	temp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-")
	if err != nil {
		return err
	}
	tempPath := temp.Name()
	defer os.Remove(tempPath)

	if _, err := temp.Write(data); err != nil {
		temp.Close()
		return err
	}
	if err := temp.Sync(); err != nil {
		temp.Close()
		return err
	}
	if err := temp.Close(); err != nil {
		return err
	}
	return os.Rename(tempPath, path)
}

// ReadSnapshot decodes path into v. A missing file leaves v untouched and reports false.
func ReadSnapshot(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return false, nil
	}
	if err := sonic.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	return true, nil
}

// AppendHistory writes entry as one JSON line. History is never pruned here.
func AppendHistory(path string, entry any) error {
	line, err := sonic.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := file.Write(append(line, '\n')); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// ReadHistory decodes every line of a history file, oldest first.
func ReadHistory[T any](path string) ([]T, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []T
	for i, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var entry T
		if err := sonic.UnmarshalString(line, &entry); err != nil {
			return entries, fmt.Errorf("decode history line %d: %w", i+1, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
