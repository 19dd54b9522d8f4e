// Package whitelist maintains the Poseidon-Merkle tree of active participant
// id hashes and the per-leaf inclusion proofs the proof oracle consumes.
package whitelist

import (
	"context"
	"math/big"
	"sync"

	"go.uber.org/zap"

	"github.com/veilmarket/darkpool/pkg/chain"
	"github.com/veilmarket/darkpool/pkg/errs"
	"github.com/veilmarket/darkpool/pkg/oracle"
)

// RegistryReader is the slice of the chain adapter the service needs for
// Sync.
type RegistryReader interface {
	GetRegistryParticipants(ctx context.Context, registryContractID string) ([]chain.Participant, error)
}

// zeroLeaf pads unused tree positions. It must match the circuit constant.
var zeroLeaf = big.NewInt(0)

// Service owns the Merkle state. All reads hand out copies; the tree is
// replaced atomically on Initialize and Sync.
type Service struct {
	mu sync.RWMutex

	depth            int
	registry         RegistryReader
	registryContract string
	log              *zap.SugaredLogger

	root         *big.Int
	proofs       map[int]oracle.MerkleProof
	addressIndex map[string]int
	leafCount    int
}

func NewService(depth int, registry RegistryReader, registryContract string, logger *zap.SugaredLogger) *Service {
	return &Service{
		depth:            depth,
		registry:         registry,
		registryContract: registryContract,
		log:              logger,
		proofs:           make(map[int]oracle.MerkleProof),
		addressIndex:     make(map[string]int),
	}
}

// Capacity is the number of leaves the configured depth can hold.
func (s *Service) Capacity() int { return 1 << s.depth }

// Initialize builds the tree over the given id hashes in order, padding the
// remaining leaves with the zero value, and stores one inclusion proof per
// real leaf. Returns the new root.
func (s *Service) Initialize(idHashes []*big.Int) (*big.Int, error) {
	root, proofs, err := buildTree(s.depth, idHashes)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.root = root
	s.proofs = proofs
	s.addressIndex = make(map[string]int)
	s.leafCount = len(idHashes)
	s.mu.Unlock()

	s.log.Infow("whitelist_initialized",
		"leaves", len(idHashes),
		"capacity", s.Capacity(),
		"root", oracle.FieldHex(root),
	)
	return root, nil
}

// Sync reads active participants from the on-chain registry and replaces the
// tree atomically. Participants are placed at their registry index.
func (s *Service) Sync(ctx context.Context) error {
	if s.registry == nil {
		return errs.E(errs.Internal, "whitelist registry reader not configured")
	}

	participants, err := s.registry.GetRegistryParticipants(ctx, s.registryContract)
	if err != nil {
		return err
	}
	if len(participants) == 0 {
		return errs.E(errs.Conflict, "registry reports no active participants")
	}

	capacity := s.Capacity()
	leaves := make([]*big.Int, 0, len(participants))
	byIndex := make(map[int]chain.Participant, len(participants))
	maxIndex := -1
	for _, p := range participants {
		if p.Index < 0 || p.Index >= capacity {
			return errs.Ef(errs.Validation, "participant %s index %d outside tree capacity %d", p.Address, p.Index, capacity)
		}
		if _, dup := byIndex[p.Index]; dup {
			return errs.Ef(errs.Validation, "duplicate registry index %d", p.Index)
		}
		byIndex[p.Index] = p
		if p.Index > maxIndex {
			maxIndex = p.Index
		}
	}
	for i := 0; i <= maxIndex; i++ {
		if p, ok := byIndex[i]; ok {
			leaves = append(leaves, p.IDHash)
		} else {
			leaves = append(leaves, zeroLeaf)
		}
	}

	root, proofs, err := buildTree(s.depth, leaves)
	if err != nil {
		return err
	}
	addressIndex := make(map[string]int, len(participants))
	for _, p := range participants {
		addressIndex[p.Address] = p.Index
	}

	s.mu.Lock()
	s.root = root
	s.proofs = proofs
	s.addressIndex = addressIndex
	s.leafCount = len(participants)
	s.mu.Unlock()

	s.log.Infow("whitelist_synced",
		"participants", len(participants),
		"root", oracle.FieldHex(root),
	)
	return nil
}

// Root returns the current tree root, or nil before initialization.
func (s *Service) Root() *big.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.root == nil {
		return nil
	}
	return new(big.Int).Set(s.root)
}

// RootHex renders the root for clients and contract comparison.
func (s *Service) RootHex() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.root == nil {
		return ""
	}
	return oracle.FieldHex(s.root)
}

// ProofByIndex returns a copy of the inclusion proof for a real leaf.
func (s *Service) ProofByIndex(i int) (oracle.MerkleProof, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.proofs[i]
	if !ok {
		return oracle.MerkleProof{}, false
	}
	return copyProof(p), true
}

// IndexForTrader resolves a trader address to its registry leaf index. Only
// populated after Sync; Initialize-built trees have no address mapping.
func (s *Service) IndexForTrader(address string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.addressIndex[address]
	return i, ok
}

// Size returns the number of real leaves.
func (s *Service) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.leafCount
}

func buildTree(depth int, idHashes []*big.Int) (*big.Int, map[int]oracle.MerkleProof, error) {
	capacity := 1 << depth
	if len(idHashes) > capacity {
		return nil, nil, errs.Ef(errs.Validation, "%d leaves exceed tree capacity %d", len(idHashes), capacity)
	}

	levels := make([][]*big.Int, depth+1)
	levels[0] = make([]*big.Int, capacity)
	for i := 0; i < capacity; i++ {
		if i < len(idHashes) && idHashes[i] != nil {
			levels[0][i] = idHashes[i]
		} else {
			levels[0][i] = zeroLeaf
		}
	}
	for l := 1; l <= depth; l++ {
		width := capacity >> l
		levels[l] = make([]*big.Int, width)
		for i := 0; i < width; i++ {
			h, err := oracle.HashPair(levels[l-1][2*i], levels[l-1][2*i+1])
			if err != nil {
				return nil, nil, err
			}
			levels[l][i] = h
		}
	}
	root := levels[depth][0]

	proofs := make(map[int]oracle.MerkleProof, len(idHashes))
	for i := range idHashes {
		if idHashes[i] == nil {
			continue
		}
		siblings := make([]*big.Int, depth)
		pathIndices := make([]int, depth)
		idx := i
		for l := 0; l < depth; l++ {
			siblings[l] = levels[l][idx^1]
			pathIndices[l] = idx & 1
			idx >>= 1
		}
		proofs[i] = oracle.MerkleProof{
			Leaf:        idHashes[i],
			Root:        root,
			Siblings:    siblings,
			PathIndices: pathIndices,
			LeafIndex:   i,
		}
	}
	return root, proofs, nil
}

func copyProof(p oracle.MerkleProof) oracle.MerkleProof {
	out := oracle.MerkleProof{
		Leaf:        new(big.Int).Set(p.Leaf),
		Root:        new(big.Int).Set(p.Root),
		Siblings:    make([]*big.Int, len(p.Siblings)),
		PathIndices: make([]int, len(p.PathIndices)),
		LeafIndex:   p.LeafIndex,
	}
	for i, s := range p.Siblings {
		out.Siblings[i] = new(big.Int).Set(s)
	}
	copy(out.PathIndices, p.PathIndices)
	return out
}
