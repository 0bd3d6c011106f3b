package backup

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/vaultfs/core/internal/corerr"
)

// walkFiles lists the regular files under root that TraverseOptions
// selects, in directory order. Exclusion patterns are matched with the
// standard library's path/filepath.Match, sufficient for the
// single-path-segment globs this config key supports.
func walkFiles(root string, opts TraverseOptions) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return corerr.Wrap(corerr.ErrIO, "walk "+path, err)
		}
		if path == root {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return corerr.Wrap(corerr.ErrIO, "relativize "+path, relErr)
		}

		if !opts.IncludeHidden && isHidden(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if matchesAnyGlob(rel, opts.ExcludeGlobs) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.Type()&os.ModeSymlink != 0 {
			if !opts.FollowSymlinks {
				return nil
			}
			info, statErr := os.Stat(path)
			if statErr != nil {
				return corerr.Wrap(corerr.ErrIO, "stat symlink target "+path, statErr)
			}
			if info.IsDir() {
				// filepath.WalkDir does not descend into symlinked
				// directories on its own; a full recursive
				// symlink-following walk is out of scope for this
				// implementation, which only follows symlinks to
				// regular files.
				return nil
			}
			out = append(out, path)
			return nil
		}

		if d.Type().IsRegular() {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".") && name != "." && name != ".."
}

func matchesAnyGlob(rel string, globs []string) bool {
	base := filepath.Base(rel)
	for _, g := range globs {
		if ok, _ := filepath.Match(g, base); ok {
			return true
		}
		if ok, _ := filepath.Match(g, rel); ok {
			return true
		}
	}
	return false
}
