package expr

// NodeType identifies the kind of AST node.
type NodeType int

const (
	NodeLiteral NodeType = iota
	NodeName
	NodeUnary
	NodeBinary
	NodeCall
	NodeAttr
	NodeIndex
	NodeList
)

// Node is a node in the parsed expression tree. The zero fields unused by a
// node type are left at their zero values.
type Node struct {
	Type NodeType
	Pos  int

	// Op holds the operator for unary ("not", "-") and binary nodes
	// ("and", "or", "in", "not in", comparison and arithmetic operators).
	Op string

	// Value holds the literal value for NodeLiteral (int64, float64, string,
	// bool, or nil for null).
	Value interface{}

	// Name holds the identifier for NodeName, the attribute for NodeAttr,
	// and the function name for NodeCall.
	Name string

	Left  *Node
	Right *Node

	// Args holds call arguments for NodeCall and elements for NodeList.
	Args []*Node
}
