package protocol

// NodeKind tags one node in a marshaled value graph.
type NodeKind uint8

const (
	// NodeUndefined is the JS undefined value (decoded as nil on the Go side).
	NodeUndefined NodeKind = iota
	// NodeNull is the null value.
	NodeNull
	// NodeBool is a boolean.
	NodeBool
	// NodeNumber is a floating-point number.
	NodeNumber
	// NodeInt is an integral number. Kept separate from NodeNumber so Go
	// integers round-trip without a float conversion.
	NodeInt
	// NodeString is a string.
	NodeString
	// NodeList is an ordered sequence; Elems holds child node indices.
	NodeList
	// NodeMap is a string-keyed mapping; Keys and Elems are parallel.
	NodeMap
	// NodeBytes is a copied binary payload.
	NodeBytes
	// NodeTransfer is a moved binary payload. The source-side binding is
	// detached once the graph is built.
	NodeTransfer
	// NodeHandle references a live worklet-side instance by handle.
	NodeHandle
	// NodeError carries a user-thrown error value (Name + Str message).
	NodeError
)

// Node is one value in a graph. Exactly the fields relevant to Kind are set.
type Node struct {
	Kind   NodeKind
	Bool   bool
	Num    float64
	Int    int64
	Str    string
	Bin    []byte
	Keys   []string
	Elems  []int
	Handle Handle
	// Name is the error name for NodeError, or the qualified exposed class
	// name for NodeHandle (empty when the referenced instance's class is not
	// part of any exposed surface).
	Name string
}

// ValueGraph is the wire form of one marshaled payload: a flat node table
// plus the index of the root node. Shared references and cycles within one
// payload are preserved because containers refer to children by index.
type ValueGraph struct {
	Nodes []Node
	Root  int
}

// Add appends a node and returns its index.
func (g *ValueGraph) Add(n Node) int {
	g.Nodes = append(g.Nodes, n)
	return len(g.Nodes) - 1
}

// Scalar builds a single-node graph. Convenient for ack-style responses and
// tests; codecs build multi-node graphs directly.
func Scalar(n Node) *ValueGraph {
	return &ValueGraph{Nodes: []Node{n}, Root: 0}
}

// StringGraph builds a graph holding one string.
func StringGraph(s string) *ValueGraph {
	return Scalar(Node{Kind: NodeString, Str: s})
}

// NullGraph builds a graph holding null.
func NullGraph() *ValueGraph {
	return Scalar(Node{Kind: NodeNull})
}
