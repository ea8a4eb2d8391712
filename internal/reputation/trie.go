package reputation

import (
	"fmt"
	"math"
)

// TrustedBitsMinimum is the shortest prefix a trust observation is
// recorded at. Trust aggregates broadly; recording stops at this depth
// unless spam already contaminates the branch, in which case the walk
// continues so later queries can separate the two at a precise prefix.
const TrustedBitsMinimum = 20

// TrieResult is an aggregated reputation lookup: the counts at the
// longest recorded prefix of the queried address.
type TrieResult struct {
	TrustedCount uint32 `json:"trustedCount"`
	SpamCount    uint32 `json:"spamCount"`
	PrefixBits   int    `json:"prefixBits"`
}

// trieNode holds the observation counts for one prefix. A node exists
// only while at least one live observation was recorded through it.
type trieNode struct {
	trusted  uint32
	spam     uint32
	children [nodeIndexCount]*trieNode
}

func (n *trieNode) hasChildren() bool {
	for _, child := range n.children {
		if child != nil {
			return true
		}
	}
	return false
}

// AddressTrie is a 16-ary trie over addresses, four bits per level,
// aggregating trusted/spam counts at every recorded prefix.
type AddressTrie struct {
	root  trieNode
	nodes int // allocated nodes, excluding the root
}

func NewAddressTrie() *AddressTrie {
	return &AddressTrie{}
}

// NodeCount returns the number of allocated nodes below the root.
func (t *AddressTrie) NodeCount() int {
	return t.nodes
}

// RootCounts returns the totals across all live observations.
func (t *AddressTrie) RootCounts() (trusted, spam uint32) {
	return t.root.trusted, t.root.spam
}

func saturatingInc(c uint32) uint32 {
	if c == math.MaxUint32 {
		return c
	}
	return c + 1
}

// Query walks as deep as recorded nodes exist along the address's path
// and returns the final node's counts with the traversed prefix length.
// An address under no recorded prefix yields zero counts at zero bits.
func (t *AddressTrie) Query(address Address) TrieResult {
	node := &t.root
	bits := 0
	path := NewAddressPath(address)

	for {
		index, ok := path.Next()
		if !ok {
			break
		}
		child := node.children[index]
		if child == nil {
			break
		}
		node = child
		bits += 4
	}

	return TrieResult{
		TrustedCount: node.trusted,
		SpamCount:    node.spam,
		PrefixBits:   bits,
	}
}

// RecordSpam counts a spam observation at every prefix of the address,
// down to the full-width leaf, creating nodes as needed.
func (t *AddressTrie) RecordSpam(address Address) {
	node := &t.root
	path := NewAddressPath(address)

	for {
		node.spam = saturatingInc(node.spam)

		index, ok := path.Next()
		if !ok {
			return
		}
		node = t.child(node, index)
	}
}

// RecordTrusted counts a trust observation along the address's path,
// stopping once at least TrustedBitsMinimum bits are recorded and the
// current branch is spam-free. Returns the prefix length reached, which
// is what must be replayed to reproduce the same node mutations.
func (t *AddressTrie) RecordTrusted(address Address) int {
	node := &t.root
	bits := 0
	path := NewAddressPath(address)

	for {
		node.trusted = saturatingInc(node.trusted)

		if bits >= TrustedBitsMinimum && node.spam == 0 {
			return bits
		}

		index, ok := path.Next()
		if !ok {
			return bits
		}
		node = t.child(node, index)
		bits += 4
	}
}

// RecordTrustedPrefix counts a trust observation at exactly the prefixes
// of the given length, the replay form of RecordTrusted: the stored
// prefix length overrides the stop rule so the mutation sequence matches
// the one the live walk performed.
func (t *AddressTrie) RecordTrustedPrefix(prefix AddressPrefix) {
	node := &t.root
	path := NewAddressPath(prefix.First())

	for level := prefix.Bits() / 4; ; level-- {
		node.trusted = saturatingInc(node.trusted)

		if level == 0 {
			return
		}
		index, _ := path.Next()
		node = t.child(node, index)
	}
}

func (t *AddressTrie) child(node *trieNode, index NodeIndex) *trieNode {
	child := node.children[index]
	if child == nil {
		child = &trieNode{}
		node.children[index] = child
		t.nodes++
	}
	return child
}

// Unapply reverses a previously recorded observation of the given kind
// and prefix length: every node along the path down to bits bits is
// decremented, and nodes left with no counts and no children are
// pruned. A missing node or a zero count indicates the trie no longer
// matches the observation history.
func (t *AddressTrie) Unapply(kind ObservationKind, address Address, bits int) error {
	levels := bits / 4

	type visit struct {
		parent *trieNode
		index  NodeIndex
	}
	visited := make([]visit, 0, levels)

	node := &t.root
	path := NewAddressPath(address)

	for depth := 0; ; depth++ {
		if err := decrementCount(node, kind); err != nil {
			return fmt.Errorf("at %d bits of %s: %w", depth*4, address, err)
		}

		if depth == levels {
			break
		}

		index, _ := path.Next()
		child := node.children[index]
		if child == nil {
			return fmt.Errorf("no node at %d bits of %s", (depth+1)*4, address)
		}
		visited = append(visited, visit{parent: node, index: index})
		node = child
	}

	for i := len(visited) - 1; i >= 0; i-- {
		child := visited[i].parent.children[visited[i].index]
		if child.trusted != 0 || child.spam != 0 || child.hasChildren() {
			break
		}
		visited[i].parent.children[visited[i].index] = nil
		t.nodes--
	}

	return nil
}

func decrementCount(node *trieNode, kind ObservationKind) error {
	switch kind {
	case KindTrust:
		if node.trusted == 0 {
			return fmt.Errorf("trusted count underflow")
		}
		node.trusted--
	case KindSpam:
		if node.spam == 0 {
			return fmt.Errorf("spam count underflow")
		}
		node.spam--
	default:
		return fmt.Errorf("unknown observation kind %d", kind)
	}
	return nil
}
