package ninja_go

import (
	"encoding/binary"

	"lukechampine.com/uint128"
)

// rapidSeed is the default seed.
const rapidSeed uint64 = 0xbdd89aa982704029

var rapidSecret = [3]uint64{0x2d358dccaa6c78a5, 0x8bb84b93962eacc9, 0x4b33a62ed433d4a3}

// rapidMum is a 64x64 -> 128 bit multiply, returning both halves.
func rapidMum(a, b uint64) (uint64, uint64) {
	r := uint128.From64(a).Mul64(b)
	return r.Lo, r.Hi
}

func rapidMix(a, b uint64) uint64 {
	lo, hi := rapidMum(a, b)
	return lo ^ hi
}

func rapidRead64(p []byte) uint64 { return binary.LittleEndian.Uint64(p) }
func rapidRead32(p []byte) uint64 { return uint64(binary.LittleEndian.Uint32(p)) }

// rapidReadSmall combines up to three bytes of a short key.
func rapidReadSmall(p []byte, k int) uint64 {
	return uint64(p[0])<<56 | uint64(p[k>>1])<<32 | uint64(p[k-1])
}

func rapidhashInternal(key []byte, seed uint64, secret [3]uint64) uint64 {
	p := key
	n := len(key)
	seed ^= rapidMix(seed^secret[0], secret[1]) ^ uint64(n)
	var a, b uint64

	if n <= 16 {
		switch {
		case n >= 4:
			last := n - 4
			a = rapidRead32(p)<<32 | rapidRead32(p[last:])
			delta := (n & 24) >> (n >> 3)
			b = rapidRead32(p[delta:])<<32 | rapidRead32(p[last-delta:])
		case n > 0:
			a = rapidReadSmall(p, n)
		}
	} else {
		i := n
		if i > 48 {
			see1, see2 := seed, seed
			for i >= 48 {
				seed = rapidMix(rapidRead64(p)^secret[0], rapidRead64(p[8:])^seed)
				see1 = rapidMix(rapidRead64(p[16:])^secret[1], rapidRead64(p[24:])^see1)
				see2 = rapidMix(rapidRead64(p[32:])^secret[2], rapidRead64(p[40:])^see2)
				p = p[48:]
				i -= 48
			}
			seed ^= see1 ^ see2
		}
		if i > 16 {
			seed = rapidMix(rapidRead64(p)^secret[2], rapidRead64(p[8:])^seed^secret[1])
			if i > 32 {
				seed = rapidMix(rapidRead64(p[16:])^secret[2], rapidRead64(p[24:])^seed)
			}
		}
		// The tail reads may reach back into bytes already consumed.
		tail := key[n-16:]
		a = rapidRead64(tail)
		b = rapidRead64(tail[8:])
	}
	a ^= secret[1]
	b ^= seed
	a, b = rapidMum(a, b)
	return rapidMix(a^secret[0]^uint64(n), b^secret[1])
}

// rapidhash hashes key with the default seed and secret.
func rapidhash(key []byte) uint64 {
	return rapidhashInternal(key, rapidSeed, rapidSecret)
}

// HashCommand is the 64-bit hash stored in the build log for an edge's
// fully expanded command line.
func HashCommand(command string) uint64 {
	return rapidhash([]byte(command))
}
