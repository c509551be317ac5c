package ninja_go

import (
	"fmt"
	"io"
	"os"

	"github.com/segmentio/fasthash/fnv1a"
	"github.com/zeebo/blake3"
	"golang.org/x/mod/sumdb/dirhash"
)

// FileHasher produces the 64-bit content hash the hash log compares.
type FileHasher interface {
	HashFile(path string) (uint64, error)
}

// ContentHasher hashes regular files with blake3 and directories with the
// "h1:" tree hash, folding either digest to 64 bits with FNV-1a.
type ContentHasher struct{}

func (ContentHasher) HashFile(path string) (uint64, error) {
	defer METRIC_RECORD("hash file")()
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("hashing %s: %w", path, err)
	}
	if info.IsDir() {
		sum, err := dirhash.HashDir(path, "", dirhash.Hash1)
		if err != nil {
			return 0, fmt.Errorf("hashing %s: %w", path, err)
		}
		return fnv1a.HashString64(sum), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("hashing %s: %w", path, err)
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, fmt.Errorf("hashing %s: %w", path, err)
	}
	return fnv1a.AddBytes64(fnv1a.Init64, h.Sum(nil)), nil
}
