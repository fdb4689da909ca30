package fileutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// RenamePair is one (src, dst) step of a rename transaction.
type RenamePair struct {
	Src string
	Dst string
}

// Renames performs an all-or-nothing multi-path rename. Existing
// destinations are first staged away under temporary names, then each
// src is renamed onto its dst. If any step fails, every completed rename
// is reversed and the staged destinations are restored, leaving the
// filesystem as it was. On success the staged old destinations are
// removed.
//
// A missing src is skipped (its dst, if staged, is removed), so callers
// can pass optional sidecar files without checking for existence first.
func Renames(pairs []RenamePair) error {
	type staged struct {
		dst string
		tmp string
	}
	var stagedDsts []staged
	var done []RenamePair

	rollback := func() {
		for i := len(done) - 1; i >= 0; i-- {
			_ = os.Rename(done[i].Dst, done[i].Src)
		}
		for i := len(stagedDsts) - 1; i >= 0; i-- {
			_ = os.Rename(stagedDsts[i].tmp, stagedDsts[i].dst)
		}
	}

	for _, pair := range pairs {
		if _, err := os.Lstat(pair.Dst); err == nil {
			tmp := stagingName(pair.Dst)
			if err := os.Rename(pair.Dst, tmp); err != nil {
				rollback()
				return fmt.Errorf("staging %q away failed: %w", pair.Dst, err)
			}
			stagedDsts = append(stagedDsts, staged{dst: pair.Dst, tmp: tmp})
		}
	}

	for _, pair := range pairs {
		if _, err := os.Lstat(pair.Src); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			rollback()
			return err
		}
		if err := os.MkdirAll(filepath.Dir(pair.Dst), 0o755); err != nil {
			rollback()
			return err
		}
		if err := os.Rename(pair.Src, pair.Dst); err != nil {
			rollback()
			return fmt.Errorf("rename %q -> %q failed: %w", pair.Src, pair.Dst, err)
		}
		done = append(done, pair)
	}

	for _, s := range stagedDsts {
		_ = RmPath(s.tmp)
	}

	return nil
}

func stagingName(path string) string {
	return path + ".staged-" + RandomToken(8)
}
