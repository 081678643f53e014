package parquetfile

import (
	"fmt"
	"strings"

	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/tables"
)

// ValidationResult contains the outcome of checking a file before commit.
type ValidationResult struct {
	Passed   bool
	Errors   []string
	Warnings []string
	RowCount uint64
	ByteSize int64
}

// Err folds the errors into a single error, or returns nil when the file passed.
func (r ValidationResult) Err() error {
	if r.Passed {
		return nil
	}
	return fmt.Errorf("file validation failed: %s", strings.Join(r.Errors, "; "))
}

// ValidateFile checks a written file against the metadata about to be committed:
//   - the file is non-empty and its checksum matches
//   - the embedded footer metadata names the same chunk and transaction
//   - row counts and time range agree
func ValidateFile(data []byte, md Metadata) ValidationResult {
	result := ValidationResult{
		Passed:   true,
		ByteSize: int64(len(data)),
	}
	fail := func(format string, args ...any) {
		result.Errors = append(result.Errors, fmt.Sprintf(format, args...))
		result.Passed = false
	}

	if len(data) == 0 {
		fail("empty parquet data")
		return result
	}

	if md.FileSize != int64(len(data)) {
		fail("file size mismatch: have %d, metadata says %d", len(data), md.FileSize)
	}

	switch {
	case md.Checksum == "":
		fail("missing checksum")
	case !strings.HasPrefix(md.Checksum, "sha256:"):
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("checksum may be in non-standard format: %s", md.Checksum[:min(20, len(md.Checksum))]))
	case md.Checksum != tables.ComputeChecksum(data):
		fail("checksum mismatch")
	}

	footer, err := ReadMetadata(data)
	if err != nil {
		fail("read footer metadata: %v", err)
		return result
	}
	result.RowCount = footer.RowCount

	if footer.PartitionKey != md.PartitionKey || footer.TableName != md.TableName || footer.ChunkID != md.ChunkID {
		fail("footer names chunk %s/%s/%d, expected %s/%s/%d",
			footer.PartitionKey, footer.TableName, footer.ChunkID,
			md.PartitionKey, md.TableName, md.ChunkID)
	}
	if footer.TransactionRevision != md.TransactionRevision || footer.TransactionUUID != md.TransactionUUID {
		fail("footer transaction %d/%s does not match %d/%s",
			footer.TransactionRevision, footer.TransactionUUID,
			md.TransactionRevision, md.TransactionUUID)
	}
	if footer.RowCount != md.RowCount {
		fail("row count mismatch: footer %d, metadata %d", footer.RowCount, md.RowCount)
	}
	if md.RowCount == 0 {
		result.Warnings = append(result.Warnings, "file has no rows")
	} else if md.MinTimeNanos > md.MaxTimeNanos {
		fail("time range inverted: %d > %d", md.MinTimeNanos, md.MaxTimeNanos)
	}

	return result
}
