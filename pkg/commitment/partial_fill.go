package commitment

import "fmt"

// PartialFillOrderManager holds the maker-side secret material for a
// partial-fill order: partsCount+1 random secrets, their hashes, the
// position-bound leaves and the merkle tree over them. The extra secret at
// index partsCount mirrors the deployed contracts; it is generated and
// provable but never assigned to a fill segment.
type PartialFillOrderManager struct {
	partsCount int
	secrets    [][]byte
	hashes     [][]byte
	leaves     [][]byte
	tree       *MerkleTree
}

// NewPartialFillOrderManager generates partsCount+1 secrets from crypto/rand
// and derives the full commitment material.
func NewPartialFillOrderManager(partsCount int) (*PartialFillOrderManager, error) {
	if partsCount < 2 {
		return nil, fmt.Errorf("partial fill requires at least 2 parts, got %d", partsCount)
	}

	n := partsCount + 1
	secrets := make([][]byte, n)
	hashes := make([][]byte, n)
	for i := 0; i < n; i++ {
		secret, err := RandomSecret()
		if err != nil {
			return nil, err
		}
		hash, err := HashSecret(secret)
		if err != nil {
			return nil, err
		}
		secrets[i] = secret
		hashes[i] = hash
	}

	leaves := BuildLeaves(hashes)
	return &PartialFillOrderManager{
		partsCount: partsCount,
		secrets:    secrets,
		hashes:     hashes,
		leaves:     leaves,
		tree:       NewMerkleTree(leaves),
	}, nil
}

// PartsCount returns the advertised number of fill parts.
func (m *PartialFillOrderManager) PartsCount() int {
	return m.partsCount
}

// Hashlock returns the merkle root committing to all leaves.
func (m *PartialFillOrderManager) Hashlock() ([]byte, error) {
	return m.tree.Root()
}

func (m *PartialFillOrderManager) checkIndex(index int) error {
	if index < 0 || index > m.partsCount {
		return fmt.Errorf("part index %d out of range [0, %d]", index, m.partsCount)
	}
	return nil
}

// Secret returns the secret for the given part index.
func (m *PartialFillOrderManager) Secret(index int) ([]byte, error) {
	if err := m.checkIndex(index); err != nil {
		return nil, err
	}
	return m.secrets[index], nil
}

// SecretHash returns the secret hash for the given part index.
func (m *PartialFillOrderManager) SecretHash(index int) ([]byte, error) {
	if err := m.checkIndex(index); err != nil {
		return nil, err
	}
	return m.hashes[index], nil
}

// Leaf returns the position-bound leaf for the given part index.
func (m *PartialFillOrderManager) Leaf(index int) ([]byte, error) {
	if err := m.checkIndex(index); err != nil {
		return nil, err
	}
	return m.leaves[index], nil
}

// Proof returns the merkle proof for the given part index.
func (m *PartialFillOrderManager) Proof(index int) ([][]byte, error) {
	if err := m.checkIndex(index); err != nil {
		return nil, err
	}
	return m.tree.Proof(index)
}

// VerifyPart checks that the given secret opens the commitment at the given
// part index.
func (m *PartialFillOrderManager) VerifyPart(index int, secret []byte) (bool, error) {
	if err := m.checkIndex(index); err != nil {
		return false, err
	}
	hash, err := HashSecret(secret)
	if err != nil {
		return false, err
	}
	proof, err := m.tree.Proof(index)
	if err != nil {
		return false, err
	}
	root, err := m.tree.Root()
	if err != nil {
		return false, err
	}
	return VerifyProof(proof, Leaf(uint64(index), hash), root), nil
}
