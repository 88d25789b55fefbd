package kv

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/DataDog/zstd"

	"github.com/bri-db/bri/jss"
)

// snapshotDoc is the whole-engine snapshot body: every key/value held in
// the hot tier and every set's member list, as of LSN. Documents evicted
// to the cold tier are not included.
type snapshotDoc struct {
	Version   int                 `json:"version"`
	LSN       uint64              `json:"lsn"`
	Documents map[string]string   `json:"documents"`
	Sets      map[string][]string `json:"sets"`
}

const snapshotVersion = 2

type snapshotStore struct {
	dir string
}

func newSnapshotStore(dataDir string) (*snapshotStore, error) {
	dir := filepath.Join(dataDir, "snapshots")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("kv: create snapshots dir: %w", err)
	}
	return &snapshotStore{dir: dir}, nil
}

// write JSS-encodes and zstd-compresses doc, then writes it atomically
// under snap-<lsn>.snap.zst.
func (s *snapshotStore) write(doc snapshotDoc) (path string, err error) {
	raw, err := jss.Marshal(map[string]interface{}{
		"version":   doc.Version,
		"lsn":       doc.LSN,
		"documents": toInterfaceMap(doc.Documents),
		"sets":      toInterfaceSetMap(doc.Sets),
	})
	if err != nil {
		return "", fmt.Errorf("kv: encode snapshot: %w", err)
	}

	compressed, err := zstd.Compress(nil, raw)
	if err != nil {
		return "", fmt.Errorf("kv: compress snapshot: %w", err)
	}

	name := fmt.Sprintf("snap-%020d.snap.zst", doc.LSN)
	path = filepath.Join(s.dir, name)
	if err := atomicWrite(path, compressed); err != nil {
		return "", err
	}
	return path, nil
}

// loadLatest tries every snapshot from newest to oldest LSN, returning the
// first one that decompresses and decodes cleanly, so a corrupted newest
// snapshot falls back to the next older one instead of failing recovery.
func (s *snapshotStore) loadLatest() (snapshotDoc, bool, error) {
	paths, err := s.listByLSNDesc()
	if err != nil {
		return snapshotDoc{}, false, err
	}

	for _, p := range paths {
		doc, err := s.load(p)
		if err == nil {
			return doc, true, nil
		}
	}
	return snapshotDoc{}, false, nil
}

func (s *snapshotStore) load(path string) (snapshotDoc, error) {
	compressed, err := os.ReadFile(path)
	if err != nil {
		return snapshotDoc{}, err
	}
	raw, err := zstd.Decompress(nil, compressed)
	if err != nil {
		return snapshotDoc{}, err
	}

	v, err := jss.Unmarshal(raw)
	if err != nil {
		return snapshotDoc{}, err
	}
	tree, ok := v.(map[string]interface{})
	if !ok {
		return snapshotDoc{}, fmt.Errorf("kv: snapshot %s: malformed root", path)
	}

	return fromInterfaceTree(tree)
}

// prune removes every snapshot beyond the keep most-recent-by-LSN.
func (s *snapshotStore) prune(keep int) error {
	if keep <= 0 {
		return nil
	}
	paths, err := s.listByLSNDesc()
	if err != nil {
		return err
	}
	for _, p := range paths[minInt(keep, len(paths)):] {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func (s *snapshotStore) listByLSNDesc() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	type item struct {
		path string
		lsn  uint64
	}
	var items []item
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		lsn, ok := parseSnapshotLSN(e.Name())
		if !ok {
			continue
		}
		items = append(items, item{path: filepath.Join(s.dir, e.Name()), lsn: lsn})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].lsn > items[j].lsn })

	paths := make([]string, len(items))
	for i, it := range items {
		paths[i] = it.path
	}
	return paths, nil
}

func parseSnapshotLSN(name string) (uint64, bool) {
	if !strings.HasPrefix(name, "snap-") || !strings.HasSuffix(name, ".snap.zst") {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, "snap-"), ".snap.zst")
	lsn, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return lsn, true
}

func toInterfaceMap(m map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func toInterfaceSetMap(m map[string][]string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, members := range m {
		arr := make([]interface{}, len(members))
		for i, v := range members {
			arr[i] = v
		}
		out[k] = arr
	}
	return out
}

func fromInterfaceTree(tree map[string]interface{}) (snapshotDoc, error) {
	doc := snapshotDoc{
		Documents: make(map[string]string),
		Sets:      make(map[string][]string),
	}

	if v, ok := tree["version"].(float64); ok {
		doc.Version = int(v)
	}
	if v, ok := tree["lsn"].(float64); ok {
		doc.LSN = uint64(v)
	}
	if docs, ok := tree["documents"].(map[string]interface{}); ok {
		for k, v := range docs {
			s, ok := v.(string)
			if !ok {
				return snapshotDoc{}, fmt.Errorf("kv: snapshot document %q is not a string", k)
			}
			doc.Documents[k] = s
		}
	}
	if sets, ok := tree["sets"].(map[string]interface{}); ok {
		for k, v := range sets {
			arr, ok := v.([]interface{})
			if !ok {
				return snapshotDoc{}, fmt.Errorf("kv: snapshot set %q is not an array", k)
			}
			members := make([]string, 0, len(arr))
			for _, m := range arr {
				s, ok := m.(string)
				if !ok {
					return snapshotDoc{}, fmt.Errorf("kv: snapshot set %q has a non-string member", k)
				}
				members = append(members, s)
			}
			doc.Sets[k] = members
		}
	}
	return doc, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
