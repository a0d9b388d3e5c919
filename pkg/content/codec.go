package content

import (
	"encoding/binary"
	"fmt"
	"math"

	"coredb/pkg/session"
	"coredb/pkg/types"

	"github.com/google/uuid"
)

const (
	u32Size  = 4
	u64Size  = 8
	uuidSize = 16

	transactionHeaderSize = u64Size + uuidSize + u64Size + u64Size + u32Size
	lockTokenSize         = u64Size + u64Size
	idAllocationSize      = u64Size + u32Size + u64Size + u32Size
)

type EncodeError struct {
	Message string
}

func (e *EncodeError) Error() string {
	return "content: encode: " + e.Message
}

type DecodeError struct {
	Message string
}

func (e *DecodeError) Error() string {
	return "content: decode: " + e.Message
}

// Marshal encodes c as its tag byte followed by the variant body.
func Marshal(c Content) ([]byte, error) {
	switch v := c.(type) {
	case *Transaction:
		return marshalTransaction(v)
	case *NewLeaderBarrier:
		return []byte{byte(TagNewLeaderBarrier)}, nil
	case *LockTokenRequest:
		buf := make([]byte, 1, 1+lockTokenSize)
		buf[0] = byte(TagLockTokenRequest)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(v.Owner))
		buf = binary.LittleEndian.AppendUint64(buf, v.CandidateID)
		return buf, nil
	case *IDAllocation:
		buf := make([]byte, 1, 1+idAllocationSize)
		buf[0] = byte(TagIDAllocation)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(v.Owner))
		buf = binary.LittleEndian.AppendUint32(buf, v.IDType)
		buf = binary.LittleEndian.AppendUint64(buf, v.RangeStart)
		buf = binary.LittleEndian.AppendUint32(buf, v.RangeLength)
		return buf, nil
	case nil:
		return nil, &EncodeError{Message: "nil content"}
	default:
		return nil, &EncodeError{Message: fmt.Sprintf("unsupported content %T", c)}
	}
}

func marshalTransaction(t *Transaction) ([]byte, error) {
	if len(t.Payload) > math.MaxUint32 {
		return nil, &EncodeError{Message: fmt.Sprintf("payload too large: %d", len(t.Payload))}
	}

	buf := make([]byte, 1, 1+transactionHeaderSize+len(t.Payload))
	buf[0] = byte(TagTransaction)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(t.Session.Owner))
	buf = append(buf, t.Session.ID[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, t.OperationID.Seq)
	buf = binary.LittleEndian.AppendUint64(buf, t.OperationID.Prev)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(t.Payload)))
	buf = append(buf, t.Payload...)
	return buf, nil
}

// Unmarshal decodes bytes produced by Marshal. The returned content does not
// alias data.
func Unmarshal(data []byte) (Content, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Message: "empty buffer"}
	}

	tag, body := Tag(data[0]), data[1:]
	switch tag {
	case TagTransaction:
		return unmarshalTransaction(body)
	case TagNewLeaderBarrier:
		if len(body) != 0 {
			return nil, &DecodeError{Message: "trailing bytes after new-leader-barrier"}
		}
		return &NewLeaderBarrier{}, nil
	case TagLockTokenRequest:
		if len(body) != lockTokenSize {
			return nil, &DecodeError{Message: fmt.Sprintf("lock-token-request: want %d bytes, got %d", lockTokenSize, len(body))}
		}
		return &LockTokenRequest{
			Owner:       types.MemberID(binary.LittleEndian.Uint64(body)),
			CandidateID: binary.LittleEndian.Uint64(body[8:]),
		}, nil
	case TagIDAllocation:
		if len(body) != idAllocationSize {
			return nil, &DecodeError{Message: fmt.Sprintf("id-allocation: want %d bytes, got %d", idAllocationSize, len(body))}
		}
		return &IDAllocation{
			Owner:       types.MemberID(binary.LittleEndian.Uint64(body)),
			IDType:      binary.LittleEndian.Uint32(body[8:]),
			RangeStart:  binary.LittleEndian.Uint64(body[12:]),
			RangeLength: binary.LittleEndian.Uint32(body[20:]),
		}, nil
	default:
		return nil, &DecodeError{Message: fmt.Sprintf("unknown tag %d", uint8(tag))}
	}
}

func unmarshalTransaction(body []byte) (*Transaction, error) {
	if len(body) < transactionHeaderSize {
		return nil, &DecodeError{Message: fmt.Sprintf("transaction header: want %d bytes, got %d", transactionHeaderSize, len(body))}
	}

	var t Transaction
	t.Session.Owner = types.MemberID(binary.LittleEndian.Uint64(body))
	body = body[u64Size:]

	id, err := uuid.FromBytes(body[:uuidSize])
	if err != nil {
		return nil, &DecodeError{Message: err.Error()}
	}
	t.Session.ID = id
	body = body[uuidSize:]

	t.OperationID = session.LocalOperationID{
		Seq:  binary.LittleEndian.Uint64(body),
		Prev: binary.LittleEndian.Uint64(body[u64Size:]),
	}
	body = body[2*u64Size:]

	n := binary.LittleEndian.Uint32(body)
	body = body[u32Size:]
	if uint64(len(body)) != uint64(n) {
		return nil, &DecodeError{Message: fmt.Sprintf("transaction payload: want %d bytes, got %d", n, len(body))}
	}

	t.Payload = make([]byte, n)
	copy(t.Payload, body)
	return &t, nil
}
