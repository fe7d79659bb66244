package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

// BlockSize is the read chunk size used when hashing.
const BlockSize = 4096

// Digest is a lowercase hex-encoded SHA-256 sum.
type Digest string

func (d Digest) String() string { return string(d) }

// Short returns the first 12 hex characters, for log lines.
func (d Digest) Short() string {
	if len(d) <= 12 {
		return string(d)
	}
	return string(d[:12])
}

// Reader hashes r in BlockSize chunks and returns:
//   - the hex-encoded digest
//   - the number of bytes read
func Reader(r io.Reader) (Digest, int64, error) {
	h := sha256.New()
	buf := make([]byte, BlockSize)
	n, err := io.CopyBuffer(h, onlyReader{r}, buf)
	if err != nil {
		return "", n, err
	}
	return Digest(hex.EncodeToString(h.Sum(nil))), n, nil
}

// File computes the SHA-256 checksum of the file at path.
func File(path string) (sum Digest, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = f.Close() }()
	return Reader(f)
}

// onlyReader hides WriterTo so io.CopyBuffer honours the block size.
type onlyReader struct{ r io.Reader }

func (o onlyReader) Read(p []byte) (int, error) { return o.r.Read(p) }
