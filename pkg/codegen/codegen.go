// Package codegen lowers the AST directly to GNU-syntax x86-64 assembly for
// the System V ABI. There is no intermediate representation: one pass walks
// the tree and every expression leaves its result in %eax (32-bit values)
// or %rax (pointers and addresses).
package codegen

import (
	"fmt"
	"strings"

	"gmcc/pkg/ast"
	"gmcc/pkg/config"
	"gmcc/pkg/token"
	"gmcc/pkg/util"
)

type localVar struct {
	Offset    int64
	Type      ast.TypeSpec
	ArraySize int64
}

type globalVar struct {
	Type      ast.TypeSpec
	ArraySize int64
	Init      *ast.Node
}

type funcSig struct {
	Ret    ast.TypeSpec
	Params []ast.Param
}

type pooledString struct {
	Label string
	Value string
}

// Context owns all state of one compilation: the output text, the label
// counter, the string pool and the symbol environment. Two concurrent
// compilations need two Contexts; they share nothing.
type Context struct {
	cfg        *config.Config
	out        strings.Builder
	labelCount int

	strs     []pooledString
	strIndex map[string]string

	globals     map[string]globalVar
	globalOrder []string
	funcs       map[string]funcSig

	// Per-function state. All locals of a function share one flat map
	// and one stack region; redeclaring a name rebinds it.
	locals   map[string]localVar
	frameOff int64
}

func NewContext(cfg *config.Config) *Context {
	return &Context{
		cfg:      cfg,
		strIndex: make(map[string]string),
		globals:  make(map[string]globalVar),
		funcs:    make(map[string]funcSig),
	}
}

// Generate emits the assembly document for a parsed program.
func (ctx *Context) Generate(prog *ast.Node) (string, error) {
	block, ok := prog.Data.(ast.BlockNode)
	if !ok {
		return "", util.Errorf(util.CodegenError, prog.Tok, "malformed program node")
	}

	// Pre-pass: register every function signature and global name so
	// forward references work.
	for _, decl := range block.Stmts {
		switch d := decl.Data.(type) {
		case ast.FuncDeclNode:
			ctx.funcs[d.Name] = funcSig{Ret: d.Ret, Params: d.Params}
		case ast.FuncProtoNode:
			if _, seen := ctx.funcs[d.Name]; !seen {
				ctx.funcs[d.Name] = funcSig{Ret: d.Ret, Params: d.Params}
			}
		case ast.VarDeclNode:
			if _, seen := ctx.globals[d.Name]; seen {
				return "", util.Errorf(util.CodegenError, decl.Tok, "redefinition of global '%s'", d.Name)
			}
			ctx.globals[d.Name] = globalVar{Type: d.Type, ArraySize: d.ArraySize, Init: d.Init}
			ctx.globalOrder = append(ctx.globalOrder, d.Name)
		}
	}

	ctx.raw(".section .note.GNU-stack,\"\",@progbits")
	ctx.raw(".section .text")
	ctx.raw(".globl main")

	for _, decl := range block.Stmts {
		if decl.Type != ast.FuncDecl {
			continue
		}
		if err := ctx.genFunction(decl); err != nil {
			return "", err
		}
	}

	if err := ctx.emitData(); err != nil {
		return "", err
	}
	return ctx.out.String(), nil
}

// emitData writes the .rodata string pool and the global variable sections.
func (ctx *Context) emitData() error {
	if len(ctx.strs) > 0 {
		ctx.raw("")
		ctx.raw(".section .rodata")
		for _, s := range ctx.strs {
			ctx.label(s.Label)
			ctx.emit(".string \"%s\"", escapeString(s.Value))
		}
	}

	var bss, data []string
	for _, name := range ctx.globalOrder {
		if ctx.globals[name].Init != nil {
			data = append(data, name)
		} else {
			bss = append(bss, name)
		}
	}

	if len(data) > 0 {
		ctx.raw("")
		ctx.raw(".section .data")
		for _, name := range data {
			g := ctx.globals[name]
			num, ok := g.Init.Data.(ast.NumberNode)
			if !ok {
				return util.Errorf(util.CodegenError, g.Init.Tok,
					"initializer for global '%s' must be a constant integer", name)
			}
			ctx.label(name)
			switch {
			case g.Type.IsPointer:
				ctx.emit(".quad %d", num.Value)
			case g.Type.Base == ast.BaseChar:
				ctx.emit(".byte %d", num.Value)
			default:
				ctx.emit(".long %d", num.Value)
			}
		}
	}

	if len(bss) > 0 {
		ctx.raw("")
		ctx.raw(".section .bss")
		for _, name := range bss {
			g := ctx.globals[name]
			size := ctx.globalSize(g)
			align := size
			if align > 16 {
				align = 16
			}
			ctx.emit(".comm %s, %d, %d", name, size, align)
		}
	}
	return nil
}

func (ctx *Context) globalSize(g globalVar) int64 {
	if g.Type.IsArray {
		n := g.ArraySize
		if n < 1 {
			n = 1
		}
		return g.Type.ElemSize() * n
	}
	return g.Type.Size()
}

// Functions

func (ctx *Context) genFunction(decl *ast.Node) error {
	fn := decl.Data.(ast.FuncDeclNode)
	if len(fn.Params) > ctx.cfg.MaxRegArgs() {
		return util.Errorf(util.CodegenError, decl.Tok,
			"function '%s' has more than %d parameters", fn.Name, ctx.cfg.MaxRegArgs())
	}

	ctx.locals = make(map[string]localVar)
	ctx.frameOff = 0

	frame := ctx.frameSize(fn)

	ctx.raw("")
	ctx.raw("# function: %s", fn.Name)
	ctx.label(fn.Name)
	ctx.emit("pushq %%rbp")
	ctx.emit("movq %%rsp, %%rbp")
	if frame > 0 {
		ctx.emit("subq $%d, %%rsp", frame)
	}

	// Spill the incoming register arguments to fresh stack slots.
	for i, p := range fn.Params {
		off := ctx.allocScalar()
		ctx.locals[p.Name] = localVar{Offset: off, Type: p.Type}
		ctx.emit("movq %s, %d(%%rbp)", ctx.cfg.ArgRegs[i], off)
	}

	if err := ctx.genStmt(fn.Body); err != nil {
		return err
	}

	// Fallback for functions whose control flow reaches the end of the
	// body without a return.
	ctx.emit("movl $0, %%eax")
	ctx.emit("leave")
	ctx.emit("ret")
	return nil
}

// allocScalar reserves one uniform 8-byte slot and returns its frame offset.
func (ctx *Context) allocScalar() int64 {
	ctx.frameOff += int64(ctx.cfg.WordSize)
	return -ctx.frameOff
}

// allocArray reserves elemSize*count bytes, 16-aligned, and returns the
// offset of the array's first element.
func (ctx *Context) allocArray(elemSize, count int64) int64 {
	ctx.frameOff += elemSize * count
	ctx.frameOff = alignTo(ctx.frameOff, int64(ctx.cfg.StackAlignment))
	return -ctx.frameOff
}

// frameSize walks the function structurally and totals the bytes every
// declaration will consume, using the same accounting the emission pass
// uses, rounded up to the stack alignment.
func (ctx *Context) frameSize(fn ast.FuncDeclNode) int64 {
	var off int64
	step := func(d ast.VarDeclNode) {
		if d.IsArrayDecl {
			off += d.Type.ElemSize() * d.ArraySize
			off = alignTo(off, int64(ctx.cfg.StackAlignment))
		} else {
			off += int64(ctx.cfg.WordSize)
		}
	}
	off += int64(len(fn.Params) * ctx.cfg.WordSize)
	var walk func(n *ast.Node)
	walk = func(n *ast.Node) {
		if n == nil {
			return
		}
		switch d := n.Data.(type) {
		case ast.VarDeclNode:
			step(d)
		case ast.BlockNode:
			for _, s := range d.Stmts {
				walk(s)
			}
		case ast.IfNode:
			walk(d.ThenBody)
			walk(d.ElseBody)
		case ast.WhileNode:
			walk(d.Body)
		case ast.ForNode:
			walk(d.Init)
			walk(d.Body)
		}
	}
	walk(fn.Body)
	return alignTo(off, int64(ctx.cfg.StackAlignment))
}

// Statements

func (ctx *Context) genStmt(node *ast.Node) error {
	if node == nil {
		return nil
	}
	switch d := node.Data.(type) {
	case ast.BlockNode:
		for _, s := range d.Stmts {
			if err := ctx.genStmt(s); err != nil {
				return err
			}
		}
		return nil

	case ast.VarDeclNode:
		return ctx.genLocalDecl(d)

	case ast.IfNode:
		if err := ctx.genExpr(d.Cond); err != nil {
			return err
		}
		ctx.emit("cmpl $0, %%eax")
		endLabel := ctx.newLabel("end")
		if d.ElseBody != nil {
			elseLabel := ctx.newLabel("else")
			ctx.emit("je %s", elseLabel)
			if err := ctx.genStmt(d.ThenBody); err != nil {
				return err
			}
			ctx.emit("jmp %s", endLabel)
			ctx.label(elseLabel)
			if err := ctx.genStmt(d.ElseBody); err != nil {
				return err
			}
		} else {
			ctx.emit("je %s", endLabel)
			if err := ctx.genStmt(d.ThenBody); err != nil {
				return err
			}
		}
		ctx.label(endLabel)
		return nil

	case ast.WhileNode:
		condLabel := ctx.newLabel("begin")
		endLabel := ctx.newLabel("end")
		ctx.label(condLabel)
		if err := ctx.genExpr(d.Cond); err != nil {
			return err
		}
		ctx.emit("cmpl $0, %%eax")
		ctx.emit("je %s", endLabel)
		if err := ctx.genStmt(d.Body); err != nil {
			return err
		}
		ctx.emit("jmp %s", condLabel)
		ctx.label(endLabel)
		return nil

	case ast.ForNode:
		if err := ctx.genStmt(d.Init); err != nil {
			return err
		}
		condLabel := ctx.newLabel("begin")
		endLabel := ctx.newLabel("end")
		ctx.label(condLabel)
		if d.Cond != nil {
			// A missing condition is always true.
			if err := ctx.genExpr(d.Cond); err != nil {
				return err
			}
			ctx.emit("cmpl $0, %%eax")
			ctx.emit("je %s", endLabel)
		}
		if err := ctx.genStmt(d.Body); err != nil {
			return err
		}
		if d.Post != nil {
			if err := ctx.genExpr(d.Post); err != nil {
				return err
			}
		}
		ctx.emit("jmp %s", condLabel)
		ctx.label(endLabel)
		return nil

	case ast.ReturnNode:
		if d.Expr != nil {
			if err := ctx.genExpr(d.Expr); err != nil {
				return err
			}
		} else {
			ctx.emit("movl $0, %%eax")
		}
		ctx.emit("leave")
		ctx.emit("ret")
		return nil
	}

	if node.IsExpr() {
		// Expression statement: evaluate and discard.
		return ctx.genExpr(node)
	}
	return util.Errorf(util.CodegenError, node.Tok, "unsupported statement")
}

func (ctx *Context) genLocalDecl(d ast.VarDeclNode) error {
	if d.IsArrayDecl {
		off := ctx.allocArray(d.Type.ElemSize(), d.ArraySize)
		ctx.locals[d.Name] = localVar{Offset: off, Type: d.Type, ArraySize: d.ArraySize}
		return nil
	}
	off := ctx.allocScalar()
	ctx.locals[d.Name] = localVar{Offset: off, Type: d.Type}
	if d.Init != nil {
		if err := ctx.genExpr(d.Init); err != nil {
			return err
		}
		ctx.storeLocal(off, d.Type)
	}
	return nil
}

// Output helpers

func (ctx *Context) emit(format string, args ...interface{}) {
	fmt.Fprintf(&ctx.out, "  "+format+"\n", args...)
}

func (ctx *Context) raw(format string, args ...interface{}) {
	fmt.Fprintf(&ctx.out, format+"\n", args...)
}

func (ctx *Context) label(name string) {
	fmt.Fprintf(&ctx.out, "%s:\n", name)
}

func (ctx *Context) newLabel(prefix string) string {
	l := fmt.Sprintf(".L%s%d", prefix, ctx.labelCount)
	ctx.labelCount++
	return l
}

// addString pools a literal and returns its label. Identical literals
// share one entry.
func (ctx *Context) addString(value string) string {
	if label, ok := ctx.strIndex[value]; ok {
		return label
	}
	label := fmt.Sprintf(".str%d", len(ctx.strs))
	ctx.strs = append(ctx.strs, pooledString{Label: label, Value: value})
	ctx.strIndex[value] = label
	return label
}

func alignTo(n, a int64) int64 {
	return (n + a - 1) / a * a
}

// escapeString renders literal bytes in a form GNU as accepts inside
// .string quotes.
func escapeString(s string) string {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '\\':
			sb.WriteString("\\\\")
		case '"':
			sb.WriteString("\\\"")
		case '\n':
			sb.WriteString("\\n")
		case '\t':
			sb.WriteString("\\t")
		case '\r':
			sb.WriteString("\\r")
		default:
			if c < 32 || c > 126 {
				fmt.Fprintf(&sb, "\\%03o", c)
			} else {
				sb.WriteByte(c)
			}
		}
	}
	return sb.String()
}

func undefined(tok token.Token, name string) error {
	return util.Errorf(util.CodegenError, tok, "undefined identifier '%s'", name)
}
