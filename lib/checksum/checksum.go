package checksum

import (
	"crypto/md5"
	"crypto/sha256"
	"errors"
	"hash"

	"github.com/zeebo/blake3"
)

var ErrUnknownDigestType = errors.New("unknown digest type")

// New returns a hash for the given digest type name. Supported types are
// "md5", "sha256" and "blake3".
func New(digestType string) (hash.Hash, error) {
	switch digestType {
	case "md5":
		return md5.New(), nil
	case "sha256":
		return sha256.New(), nil
	case "blake3":
		return blake3.New(), nil
	default:
		return nil, ErrUnknownDigestType
	}
}

// Sum computes the digest of data using the given digest type.
func Sum(digestType string, data []byte) ([]byte, error) {
	h, err := New(digestType)
	if err != nil {
		return nil, err
	}

	h.Write(data)
	return h.Sum(nil), nil
}
