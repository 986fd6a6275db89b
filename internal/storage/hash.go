package storage

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// ResultChunkIndex returns the index of the result chunk holding the
// members of a result id. Writers and readers must agree on this function
// for the lifetime of a dump database.
func ResultChunkIndex(id ID, numResultChunks int) int {
	return int(xxhash.Sum64String(strconv.FormatInt(int64(id), 10)) % uint64(numResultChunks))
}
