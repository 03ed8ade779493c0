package hash

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
)

const bufferSize = 8 * 1024 // 8KB blocks for streaming

// HashFile computes the SHA-256 digest of a file's full content, read
// sequentially in fixed-size blocks. The digest is lowercase hex.
func HashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	return HashReader(file)
}

// HashReader streams r through SHA-256 in bufferSize blocks.
func HashReader(r io.Reader) (string, error) {
	h := sha256.New()
	buf := make([]byte, bufferSize)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to read file: %w", err)
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashChildren folds child digests into a directory digest. The digests are
// concatenated in the order given and hashed once; no reordering happens here.
func HashChildren(digests []string) string {
	h := sha256.New()
	for _, d := range digests {
		h.Write([]byte(d))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// XXHashFunc is a custom hash function adapter for go-merkletree
// It converts []byte input to xxHash []byte output
func XXHashFunc(data []byte) ([]byte, error) {
	h := xxhash.New()
	h.Write(data)
	sum := h.Sum64()

	// Convert uint64 to []byte in big-endian format
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, sum)
	return buf, nil
}
