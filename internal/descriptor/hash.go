package descriptor

import (
	_ "crypto/sha256"
	"fmt"
	"os"

	"github.com/opencontainers/go-digest"
)

// HashFile returns the hex SHA-256 of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	d, err := digest.SHA256.FromReader(f)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return d.Encoded(), nil
}

// ShortHash is the prefix of a hash used in generated directory names.
func ShortHash(sum string) string {
	if len(sum) > 10 {
		return sum[:10]
	}
	return sum
}
