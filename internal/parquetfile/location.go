package parquetfile

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/objectstore"
)

// DataDir is the directory under the catalog root holding chunk files.
const DataDir = "data"

const fileSuffix = ".parquet"

// ErrNotDataFile is returned by ParseLocation for paths outside the data layout.
var ErrNotDataFile = errors.New("not a chunk data file path")

// Location returns <root>/data/<partition_key>/<chunk_id>/<table>.<uuid>.parquet.
// The uuid is the transaction the file is written for, so every commit
// attempt gets its own object and a file is never overwritten.
func Location(root objectstore.Path, partitionKey, table string, chunkID uint32, txn uuid.UUID) objectstore.Path {
	return ChunkDir(root, partitionKey, chunkID).WithFile(table + "." + txn.String() + fileSuffix)
}

// ChunkDir is the directory holding every file written for one chunk id.
func ChunkDir(root objectstore.Path, partitionKey string, chunkID uint32) objectstore.Path {
	return root.Join(DataDir, partitionKey, strconv.FormatUint(uint64(chunkID), 10))
}

// DataPrefix is the List prefix covering every chunk file under root.
func DataPrefix(root objectstore.Path) objectstore.Path {
	return root.Join(DataDir)
}

// ParseLocation is the inverse of Location.
func ParseLocation(root, p objectstore.Path) (partitionKey, table string, chunkID uint32, err error) {
	if !p.HasPrefix(root) {
		return "", "", 0, fmt.Errorf("%w: %s is outside %s", ErrNotDataFile, p, root)
	}

	rel := p.Dirs()[len(root.Dirs()):]
	if len(rel) != 3 || rel[0] != DataDir {
		return "", "", 0, fmt.Errorf("%w: %s", ErrNotDataFile, p)
	}
	name, ok := strings.CutSuffix(p.File(), fileSuffix)
	if !ok {
		return "", "", 0, fmt.Errorf("%w: %s", ErrNotDataFile, p)
	}
	i := strings.LastIndexByte(name, '.')
	if i <= 0 {
		return "", "", 0, fmt.Errorf("%w: %s", ErrNotDataFile, p)
	}
	if _, err := uuid.Parse(name[i+1:]); err != nil {
		return "", "", 0, fmt.Errorf("%w: transaction uuid in %s", ErrNotDataFile, p)
	}

	id, err := strconv.ParseUint(rel[2], 10, 32)
	if err != nil {
		return "", "", 0, fmt.Errorf("%w: chunk id %q", ErrNotDataFile, rel[2])
	}

	return rel[1], name[:i], uint32(id), nil
}
