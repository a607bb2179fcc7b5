package deploy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	backupPrefix = "backup_"
	backupSuffix = ".sql"
)

// BackupFileName returns the artifact name for a dump taken at t. The
// embedded timestamp sorts lexicographically in chronological order, which
// is what lets rollback pick "the latest" unambiguously.
func BackupFileName(t time.Time) string {
	return backupPrefix + t.Format("20060102_150405") + backupSuffix
}

// LatestBackup returns the path of the newest backup artifact in dir, or ""
// when the directory holds none. Files that do not match the artifact naming
// scheme are ignored.
func LatestBackup(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read backup dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, backupPrefix) && strings.HasSuffix(name, backupSuffix) {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "", nil
	}
	sort.Strings(names)
	return filepath.Join(dir, names[len(names)-1]), nil
}
