package types

import "strconv"

// MemberID identifies a core member of the cluster. Zero means "none".
type MemberID uint64

// None is used where no member is known, e.g. no leader or no vote cast.
const None MemberID = 0

func (id MemberID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Term is a consensus election term.
type Term uint64

// LogIndex addresses an entry in the replicated log. Index 0 is the empty
// position before the first entry.
type LogIndex uint64

// TxID is the storage engine's identifier of a committed transaction. Zero
// means unknown.
type TxID uint64
