package mycelia

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"sync/atomic"
)

var sessionSeq atomic.Uint64

// newSessionID returns a short, unique identifier for a newly-opened
// Session, used only to tag emitted events and traces — it carries no
// semantic weight in the call graph itself.
func newSessionID() string {
	n := sessionSeq.Add(1)
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	return "sess_" + hex.EncodeToString(buf[:]) + "_" + strconv.FormatUint(n, 10)
}
