package fileformat

import (
	"fmt"

	"github.com/pkg/errors"
	xxh3 "github.com/zeebo/xxh3"
)

var ErrChecksum = errors.New("fileformat: checksum mismatch")

// Checksum is a rolling xxh3 index over fixed-size chunks of a section.
// Hashes are hex strings so the index survives a JSON round trip without float loss.
type Checksum struct {
	Algo      string   `json:"algo"`
	ChunkSize int      `json:"chunk_size"`
	Count     int      `json:"count"`
	HashesHex []string `json:"hashes_hex"`
}

const DefaultChunk = 1 << 20

func RollingXXH3(data []byte, chunk int) Checksum {
	if chunk <= 0 {
		chunk = DefaultChunk
	}
	hashes := make([]string, 0, (len(data)+chunk-1)/chunk)
	for i := 0; i < len(data); i += chunk {
		end := min(i+chunk, len(data))
		hashes = append(hashes, fmt.Sprintf("%016x", xxh3.Hash(data[i:end])))
	}
	return Checksum{Algo: "xxh3-64", ChunkSize: chunk, Count: len(hashes), HashesHex: hashes}
}

// Verify recomputes the index over data and compares chunk by chunk.
func (c Checksum) Verify(data []byte) error {
	if c.Algo != "xxh3-64" {
		return errors.Errorf("fileformat: unknown checksum algo %q", c.Algo)
	}
	have := RollingXXH3(data, c.ChunkSize)
	if have.Count != len(c.HashesHex) {
		return errors.Wrapf(ErrChecksum, "chunk count have %d want %d", have.Count, len(c.HashesHex))
	}
	for i := range have.HashesHex {
		if have.HashesHex[i] != c.HashesHex[i] {
			return errors.Wrapf(ErrChecksum, "chunk %d", i)
		}
	}
	return nil
}

// Fingerprint hashes a list of strings in order; used to identify a dataset's file list.
func Fingerprint(items []string) string {
	h := xxh3.New()
	for _, s := range items {
		_, _ = h.WriteString(s)
		_, _ = h.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
