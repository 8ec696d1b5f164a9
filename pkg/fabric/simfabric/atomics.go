package simfabric

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/fabriccomm/corert/pkg/fabric"
)

// applyAtomicOp computes the new value (pre-store) for one remote AMO
// against the current little-endian encoded bytes cur, per the op/
// datatype matrix of spec.md §4.7. It does not mutate cur; the caller
// decides whether to store the result (AtomicRead never does).
func applyAtomicOp(req fabric.AtomicRequest, cur []byte) ([]byte, error) {
	if len(req.Operand1) != req.Datatype.Size() {
		return nil, fmt.Errorf("simfabric: operand1 width %d != %s width %d", len(req.Operand1), req.Datatype, req.Datatype.Size())
	}
	if req.Datatype.IsFloat() {
		return applyFloatOp(req, cur)
	}
	return applyIntOp(req, cur)
}

func applyIntOp(req fabric.AtomicRequest, cur []byte) ([]byte, error) {
	width := req.Datatype.Size()
	var curVal, operand uint64
	switch width {
	case 4:
		curVal = uint64(binary.LittleEndian.Uint32(cur))
		operand = uint64(binary.LittleEndian.Uint32(req.Operand1))
	case 8:
		curVal = binary.LittleEndian.Uint64(cur)
		operand = binary.LittleEndian.Uint64(req.Operand1)
	default:
		return nil, fmt.Errorf("simfabric: unsupported integer width %d", width)
	}

	var next uint64
	switch req.Op {
	case fabric.AtomicSum:
		next = curVal + operand
	case fabric.AtomicBor:
		next = curVal | operand
	case fabric.AtomicBand:
		next = curVal & operand
	case fabric.AtomicBxor:
		next = curVal ^ operand
	case fabric.AtomicWrite:
		next = operand
	case fabric.AtomicRead:
		next = curVal
	case fabric.AtomicCswap:
		if len(req.Operand2) != width {
			return nil, fmt.Errorf("simfabric: cswap comparator width mismatch")
		}
		var cmp uint64
		if width == 4 {
			cmp = uint64(binary.LittleEndian.Uint32(req.Operand2))
		} else {
			cmp = binary.LittleEndian.Uint64(req.Operand2)
		}
		if curVal == cmp {
			next = operand
		} else {
			next = curVal
		}
	default:
		return nil, fmt.Errorf("simfabric: unsupported atomic op %s", req.Op)
	}

	out := make([]byte, width)
	if width == 4 {
		binary.LittleEndian.PutUint32(out, uint32(next))
	} else {
		binary.LittleEndian.PutUint64(out, next)
	}
	return out, nil
}

func applyFloatOp(req fabric.AtomicRequest, cur []byte) ([]byte, error) {
	if !req.Op.ValidForFloat() {
		return nil, fmt.Errorf("simfabric: op %s not valid for floating datatypes", req.Op)
	}
	width := req.Datatype.Size()
	var curVal, operand float64
	switch req.Datatype {
	case fabric.DatatypeF32:
		curVal = float64(math.Float32frombits(binary.LittleEndian.Uint32(cur)))
		operand = float64(math.Float32frombits(binary.LittleEndian.Uint32(req.Operand1)))
	case fabric.DatatypeF64:
		curVal = math.Float64frombits(binary.LittleEndian.Uint64(cur))
		operand = math.Float64frombits(binary.LittleEndian.Uint64(req.Operand1))
	default:
		return nil, fmt.Errorf("simfabric: unsupported float datatype %s", req.Datatype)
	}

	var next float64
	switch req.Op {
	case fabric.AtomicSum:
		next = curVal + operand
	case fabric.AtomicWrite:
		next = operand
	case fabric.AtomicRead:
		next = curVal
	case fabric.AtomicCswap:
		if len(req.Operand2) != width {
			return nil, fmt.Errorf("simfabric: cswap comparator width mismatch")
		}
		var cmp float64
		if req.Datatype == fabric.DatatypeF32 {
			cmp = float64(math.Float32frombits(binary.LittleEndian.Uint32(req.Operand2)))
		} else {
			cmp = math.Float64frombits(binary.LittleEndian.Uint64(req.Operand2))
		}
		if curVal == cmp {
			next = operand
		} else {
			next = curVal
		}
	default:
		return nil, fmt.Errorf("simfabric: unsupported float atomic op %s", req.Op)
	}

	out := make([]byte, width)
	if req.Datatype == fabric.DatatypeF32 {
		binary.LittleEndian.PutUint32(out, math.Float32bits(float32(next)))
	} else {
		binary.LittleEndian.PutUint64(out, math.Float64bits(next))
	}
	return out, nil
}
