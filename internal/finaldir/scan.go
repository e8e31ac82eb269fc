package finaldir

import (
	"io/fs"
	"os"
	"path/filepath"
)

// listCandidates walks dir recursively and returns every regular file
// whose name matches one of the archive-container suffixes. A missing
// dir is not an error: the archiver creates it lazily, so the monitor
// may start polling before the first task has produced any output.
func listCandidates(dir string) ([]string, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	}

	var found []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if isCandidate(d.Name()) {
			found = append(found, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}
