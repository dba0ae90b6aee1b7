package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "RateEngine:genesis:v1"

// ChainHasher links every applied event into a hash chain, so the quote
// log can be audited end to end.
type ChainHasher struct {
	tip [32]byte
}

// NewChainHasher starts a chain at the genesis hash.
func NewChainHasher() *ChainHasher {
	return &ChainHasher{tip: GenesisHash()}
}

func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// Next computes hash[n] = SHA-256(hash[n-1] || sequence || digest) and
// advances the tip.
func (h *ChainHasher) Next(sequence int64, digest []byte) [32]byte {
	h.tip = ChainHash(h.tip, sequence, digest)
	return h.tip
}

// ChainHash is one link of the chain, exposed for verifiers.
func ChainHash(prev [32]byte, sequence int64, digest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(prev[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(digest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// Tip returns the current chain tip.
func (h *ChainHasher) Tip() [32]byte {
	return h.tip
}

// Reset moves the tip, used when resuming from the persisted log.
func (h *ChainHasher) Reset(tip [32]byte) {
	h.tip = tip
}
