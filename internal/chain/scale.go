package chain

import (
	"encoding/binary"
	"fmt"
	"math/big"
)

// Minimal SCALE decoding for the handful of storage values the relay
// snapshot pollers read.

func decodeU32(data []byte) (uint32, error) {
	if len(data) < 4 {
		return 0, fmt.Errorf("scale: u32 needs 4 bytes, got %d", len(data))
	}
	return binary.LittleEndian.Uint32(data[:4]), nil
}

func decodeU128(data []byte) (*big.Int, error) {
	if len(data) < 16 {
		return nil, fmt.Errorf("scale: u128 needs 16 bytes, got %d", len(data))
	}
	// little-endian on the wire, big.Int wants big-endian
	be := make([]byte, 16)
	for i := 0; i < 16; i++ {
		be[i] = data[15-i]
	}
	return new(big.Int).SetBytes(be), nil
}

// decodeCompactLen reads a SCALE compact integer used as a collection length
// and returns the value plus the number of bytes consumed.
func decodeCompactLen(data []byte) (uint64, int, error) {
	if len(data) == 0 {
		return 0, 0, fmt.Errorf("scale: empty compact")
	}
	switch data[0] & 0b11 {
	case 0b00:
		return uint64(data[0] >> 2), 1, nil
	case 0b01:
		if len(data) < 2 {
			return 0, 0, fmt.Errorf("scale: short two-byte compact")
		}
		return uint64(binary.LittleEndian.Uint16(data[:2])) >> 2, 2, nil
	case 0b10:
		if len(data) < 4 {
			return 0, 0, fmt.Errorf("scale: short four-byte compact")
		}
		return uint64(binary.LittleEndian.Uint32(data[:4])) >> 2, 4, nil
	default:
		n := int(data[0]>>2) + 4
		if n > 8 {
			return 0, 0, fmt.Errorf("scale: compact length %d too large for a collection", n)
		}
		if len(data) < 1+n {
			return 0, 0, fmt.Errorf("scale: short big-integer compact")
		}
		var v uint64
		for i := n - 1; i >= 0; i-- {
			v = v<<8 | uint64(data[1+i])
		}
		return v, 1 + n, nil
	}
}

// decodeAccountVec reads a Vec<AccountId32>.
func decodeAccountVec(data []byte) ([][32]byte, error) {
	n, offset, err := decodeCompactLen(data)
	if err != nil {
		return nil, err
	}
	if uint64(len(data)-offset) < n*32 {
		return nil, fmt.Errorf("scale: account vec claims %d entries, %d bytes left", n, len(data)-offset)
	}
	out := make([][32]byte, n)
	for i := range out {
		copy(out[i][:], data[offset+i*32:])
	}
	return out, nil
}
