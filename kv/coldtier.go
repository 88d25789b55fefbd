package kv

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
)

// coldTier persists one file per key under docs/ and one file per set
// under sets/, named by the 64-bit xxhash digest of the logical key rather
// than the key itself, keeping filenames filesystem-safe and fixed-length
// regardless of what a document's $ID or collection name contains.
type coldTier struct {
	docsDir string
	setsDir string
}

func newColdTier(dataDir string) (*coldTier, error) {
	ct := &coldTier{
		docsDir: filepath.Join(dataDir, "docs"),
		setsDir: filepath.Join(dataDir, "sets"),
	}
	if err := os.MkdirAll(ct.docsDir, 0o755); err != nil {
		return nil, fmt.Errorf("kv: create docs dir: %w", err)
	}
	if err := os.MkdirAll(ct.setsDir, 0o755); err != nil {
		return nil, fmt.Errorf("kv: create sets dir: %w", err)
	}
	return ct, nil
}

func hashName(key string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(key))
}

func (ct *coldTier) docPath(key string) string {
	return filepath.Join(ct.docsDir, hashName(key))
}

func (ct *coldTier) setPath(setKey string) string {
	return filepath.Join(ct.setsDir, hashName(setKey))
}

// writeDoc atomically (temp + rename) writes value for key.
func (ct *coldTier) writeDoc(key, value string) error {
	return atomicWrite(ct.docPath(key), []byte(value))
}

func (ct *coldTier) readDoc(key string) (string, bool, error) {
	data, err := os.ReadFile(ct.docPath(key))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

func (ct *coldTier) removeDoc(key string) error {
	err := os.Remove(ct.docPath(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// writeSet atomically persists the full member list of a set, JSS-encoded
// by the caller into members beforehand.
func (ct *coldTier) writeSet(setKey string, members []byte) error {
	return atomicWrite(ct.setPath(setKey), members)
}

func (ct *coldTier) readSet(setKey string) ([]byte, bool, error) {
	data, err := os.ReadFile(ct.setPath(setKey))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("kv: write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("kv: rename temp file: %w", err)
	}
	return nil
}
