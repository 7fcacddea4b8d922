package chain

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/crypto/blake2b"
)

// Substrate storage keys are built from hashed pallet and item names plus
// per-map hashed argument encodings. Only the three hashers the monitored
// pallets use are implemented here.

// Twox128 is two seeded xxhash64 passes, little-endian concatenated.
func Twox128(data []byte) []byte {
	out := make([]byte, 16)
	binary.LittleEndian.PutUint64(out[:8], xxhash.Sum64(data))

	d := xxhash.NewWithSeed(1)
	_, _ = d.Write(data)
	binary.LittleEndian.PutUint64(out[8:], d.Sum64())
	return out
}

// Twox64Concat hashes the encoded argument and appends the argument itself,
// keeping map keys enumerable.
func Twox64Concat(data []byte) []byte {
	out := make([]byte, 8, 8+len(data))
	binary.LittleEndian.PutUint64(out, xxhash.Sum64(data))
	return append(out, data...)
}

// Blake2128Concat hashes the encoded argument with blake2b-128 and appends
// the argument itself.
func Blake2128Concat(data []byte) []byte {
	h, _ := blake2b.New(16, nil)
	_, _ = h.Write(data)
	return append(h.Sum(nil), data...)
}

// StorageKey builds the full key for a storage item: twox128(pallet) ++
// twox128(item) ++ hashed args.
func StorageKey(pallet, item string, hashedArgs ...[]byte) []byte {
	key := append(Twox128([]byte(pallet)), Twox128([]byte(item))...)
	for _, arg := range hashedArgs {
		key = append(key, arg...)
	}
	return key
}
