package commitment

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// SecretLen is the required length of a swap secret in bytes.
	SecretLen = 32
	// HashLen is the length of a SHA-256 digest in bytes.
	HashLen = 32
)

var (
	ErrInvalidSecret = errors.New("secret must be exactly 32 bytes")
	ErrEmptyTree     = errors.New("merkle tree has no leaves")
	ErrTooFewLeaves  = errors.New("multi-fill hashlock requires more than 2 leaves")
)

// HashSecret returns the SHA-256 digest of a 32-byte secret.
func HashSecret(secret []byte) ([]byte, error) {
	if len(secret) != SecretLen {
		return nil, fmt.Errorf("%w, got %d", ErrInvalidSecret, len(secret))
	}
	digest := sha256.Sum256(secret)
	return digest[:], nil
}

// Leaf binds a secret hash to a fill position:
// SHA256(big-endian uint64 index || secretHash). The index prefix prevents a
// proof produced for one position from being replayed at another.
func Leaf(index uint64, secretHash []byte) []byte {
	packed := make([]byte, 8+len(secretHash))
	binary.BigEndian.PutUint64(packed[:8], index)
	copy(packed[8:], secretHash)
	digest := sha256.Sum256(packed)
	return digest[:]
}

// BuildLeaves derives the position-bound leaf for every secret hash.
func BuildLeaves(secretHashes [][]byte) [][]byte {
	leaves := make([][]byte, len(secretHashes))
	for i, h := range secretHashes {
		leaves[i] = Leaf(uint64(i), h)
	}
	return leaves
}

// hashPair hashes the sorted concatenation of two nodes. Sorting makes proof
// verification independent of sibling order, so no direction bits travel with
// the proof. Matches the on-chain verifier.
func hashPair(a, b []byte) []byte {
	if bytes.Compare(a, b) > 0 {
		a, b = b, a
	}
	packed := make([]byte, 0, len(a)+len(b))
	packed = append(packed, a...)
	packed = append(packed, b...)
	digest := sha256.Sum256(packed)
	return digest[:]
}

// MerkleTree is a binary tree over position-bound leaves, built with
// sorted-pair SHA-256 hashing. An unpaired trailing node is promoted unchanged
// to the next level.
type MerkleTree struct {
	levels [][][]byte // levels[0] = leaves, last level = [root]
}

// NewMerkleTree builds the tree bottom-up from the given leaves.
func NewMerkleTree(leaves [][]byte) *MerkleTree {
	levels := make([][][]byte, 0)
	level := make([][]byte, len(leaves))
	copy(level, leaves)
	levels = append(levels, level)

	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, level[i])
			}
		}
		levels = append(levels, next)
		level = next
	}
	return &MerkleTree{levels: levels}
}

// Root returns the merkle root. A single-leaf tree's root is the leaf itself.
func (t *MerkleTree) Root() ([]byte, error) {
	if len(t.levels[0]) == 0 {
		return nil, ErrEmptyTree
	}
	top := t.levels[len(t.levels)-1]
	return top[0], nil
}

// Proof returns the sibling hashes from leaf `index` up to the root, in
// bottom-to-top order. A single-leaf tree yields an empty proof.
func (t *MerkleTree) Proof(index int) ([][]byte, error) {
	if index < 0 || index >= len(t.levels[0]) {
		return nil, fmt.Errorf("leaf index %d out of range [0, %d)", index, len(t.levels[0]))
	}
	proof := make([][]byte, 0, len(t.levels)-1)
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := index ^ 1
		if sibling < len(level) {
			proof = append(proof, level[sibling])
		}
		index /= 2
	}
	return proof, nil
}

// VerifyProof replays the sorted pair hash over the proof path and reports
// whether the accumulated value equals root.
func VerifyProof(proof [][]byte, leaf, root []byte) bool {
	acc := leaf
	for _, sibling := range proof {
		acc = hashPair(acc, sibling)
	}
	return bytes.Equal(acc, root)
}

// ForSingleFill returns the hashlock for a single-fill order: the bare secret
// hash.
func ForSingleFill(secret []byte) ([]byte, error) {
	return HashSecret(secret)
}

// ForMultipleFills returns the hashlock for a multi-fill order: the merkle
// root over its leaves. The on-chain verifier cannot distinguish a 2-leaf root
// from a plain pair hash, hence the > 2 requirement.
func ForMultipleFills(leaves [][]byte) ([]byte, error) {
	if len(leaves) <= 2 {
		return nil, fmt.Errorf("%w, got %d", ErrTooFewLeaves, len(leaves))
	}
	return NewMerkleTree(leaves).Root()
}

// RandomSecret draws a fresh 32-byte secret from crypto/rand.
func RandomSecret() ([]byte, error) {
	secret := make([]byte, SecretLen)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}
	return secret, nil
}
