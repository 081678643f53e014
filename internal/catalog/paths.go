package catalog

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/objectstore"
)

const (
	// TransactionsDir holds one object per revision.
	TransactionsDir = "transactions"

	// CheckpointFormat tags the Upgrade action that opens a checkpoint.
	CheckpointFormat = "checkpoint"

	transactionSuffix = ".txn"
)

// Root returns the catalog root for a database: <server_id>/<database>/.
func Root(serverID, database string) objectstore.Path {
	return objectstore.NewDir(serverID, database)
}

// TransactionPath names the object for a revision. Zero-padding keeps
// lexical and numeric order identical.
func TransactionPath(root objectstore.Path, revision uint64) objectstore.Path {
	return root.Join(TransactionsDir).WithFile(fmt.Sprintf("%020d%s", revision, transactionSuffix))
}

// parseTransactionName extracts the revision from a transaction file name.
func parseTransactionName(name string) (uint64, bool) {
	if !strings.HasSuffix(name, transactionSuffix) {
		return 0, false
	}
	rev, err := strconv.ParseUint(strings.TrimSuffix(name, transactionSuffix), 10, 64)
	if err != nil {
		return 0, false
	}
	return rev, true
}
