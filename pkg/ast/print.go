package ast

import (
	"fmt"
	"io"
	"strings"
)

// Fprint writes an indented tree dump of node, one node per line. Used by
// the driver's --dump-ast flag.
func Fprint(w io.Writer, node *Node) {
	fprint(w, node, 0)
}

func fprint(w io.Writer, node *Node, depth int) {
	indent := strings.Repeat("  ", depth)
	if node == nil {
		fmt.Fprintf(w, "%s<nil>\n", indent)
		return
	}
	switch d := node.Data.(type) {
	case NumberNode:
		fmt.Fprintf(w, "%sNumber %d\n", indent, d.Value)
	case StringNode:
		fmt.Fprintf(w, "%sString %q\n", indent, d.Value)
	case IdentNode:
		fmt.Fprintf(w, "%sIdent %s\n", indent, d.Name)
	case AssignNode:
		fmt.Fprintf(w, "%sAssign\n", indent)
		fprint(w, d.Lhs, depth+1)
		fprint(w, d.Rhs, depth+1)
	case BinaryOpNode:
		fmt.Fprintf(w, "%sBinaryOp %s\n", indent, d.Op)
		fprint(w, d.Left, depth+1)
		fprint(w, d.Right, depth+1)
	case UnaryOpNode:
		fmt.Fprintf(w, "%sUnaryOp %s\n", indent, d.Op)
		fprint(w, d.Expr, depth+1)
	case FuncCallNode:
		fmt.Fprintf(w, "%sFuncCall %s\n", indent, d.Name)
		for _, a := range d.Args {
			fprint(w, a, depth+1)
		}
	case IndirectionNode:
		fmt.Fprintf(w, "%sIndirection\n", indent)
		fprint(w, d.Expr, depth+1)
	case AddressOfNode:
		fmt.Fprintf(w, "%sAddressOf\n", indent)
		fprint(w, d.LValue, depth+1)
	case SubscriptNode:
		fmt.Fprintf(w, "%sSubscript\n", indent)
		fprint(w, d.Array, depth+1)
		fprint(w, d.Index, depth+1)
	case IfNode:
		fmt.Fprintf(w, "%sIf\n", indent)
		fprint(w, d.Cond, depth+1)
		fprint(w, d.ThenBody, depth+1)
		if d.ElseBody != nil {
			fprint(w, d.ElseBody, depth+1)
		}
	case WhileNode:
		fmt.Fprintf(w, "%sWhile\n", indent)
		fprint(w, d.Cond, depth+1)
		fprint(w, d.Body, depth+1)
	case ForNode:
		fmt.Fprintf(w, "%sFor\n", indent)
		fprint(w, d.Init, depth+1)
		fprint(w, d.Cond, depth+1)
		fprint(w, d.Post, depth+1)
		fprint(w, d.Body, depth+1)
	case ReturnNode:
		fmt.Fprintf(w, "%sReturn\n", indent)
		if d.Expr != nil {
			fprint(w, d.Expr, depth+1)
		}
	case BlockNode:
		fmt.Fprintf(w, "%sBlock\n", indent)
		for _, s := range d.Stmts {
			fprint(w, s, depth+1)
		}
	case VarDeclNode:
		if d.IsArrayDecl {
			fmt.Fprintf(w, "%sVarDecl %s %s[%d]\n", indent, d.Type, d.Name, d.ArraySize)
		} else {
			fmt.Fprintf(w, "%sVarDecl %s %s\n", indent, d.Type, d.Name)
		}
		if d.Init != nil {
			fprint(w, d.Init, depth+1)
		}
	case FuncDeclNode:
		fmt.Fprintf(w, "%sFuncDecl %s %s(%s)\n", indent, d.Ret, d.Name, paramString(d.Params))
		fprint(w, d.Body, depth+1)
	case FuncProtoNode:
		fmt.Fprintf(w, "%sFuncProto %s %s(%s)\n", indent, d.Ret, d.Name, paramString(d.Params))
	default:
		fmt.Fprintf(w, "%s<unknown node %d>\n", indent, node.Type)
	}
}

func paramString(params []Param) string {
	parts := make([]string, len(params))
	for i, p := range params {
		parts[i] = strings.TrimSpace(p.Type.String() + " " + p.Name)
	}
	return strings.Join(parts, ", ")
}
