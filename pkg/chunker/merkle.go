package chunker

import "crypto/sha256"

// MerkleRoot hashes every chunk in order and reduces the leaves with MerkleRootOf.
func MerkleRoot(chunks [][]byte) Digest {
	leaves := make([]Digest, len(chunks))
	for i, chunk := range chunks {
		leaves[i] = Hash(chunk)
	}
	return MerkleRootOf(leaves)
}

// MerkleRootOf reduces ordered leaf hashes to a single root. Each parent is
// Hash(left || right). When a level has an odd count the last node is paired with
// itself, Hash(last || last); it is never promoted unchanged. A single leaf is its own
// root and no leaves yield EmptyRoot.
func MerkleRootOf(leaves []Digest) Digest {
	if len(leaves) == 0 {
		return EmptyRoot
	}

	level := make([]Digest, len(leaves))
	copy(level, leaves)

	var combined [2 * DigestSize]byte
	for len(level) > 1 {
		next := make([]Digest, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			copy(combined[:DigestSize], level[i][:])
			copy(combined[DigestSize:], right[:])
			next[i/2] = Digest(sha256.Sum256(combined[:]))
		}
		level = next
	}
	return level[0]
}
