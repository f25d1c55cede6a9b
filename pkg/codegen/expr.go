package codegen

import (
	"gmcc/pkg/ast"
	"gmcc/pkg/token"
	"gmcc/pkg/util"
)

// genExpr lowers one expression. 32-bit results land in %eax, pointers and
// addresses in %rax.
func (ctx *Context) genExpr(node *ast.Node) error {
	switch d := node.Data.(type) {
	case ast.NumberNode:
		ctx.emit("movl $%d, %%eax", d.Value)
		return nil

	case ast.StringNode:
		label := ctx.addString(d.Value)
		ctx.emit("leaq %s(%%rip), %%rax", label)
		return nil

	case ast.IdentNode:
		if local, ok := ctx.locals[d.Name]; ok {
			ctx.loadLocal(local)
			return nil
		}
		if g, ok := ctx.globals[d.Name]; ok {
			ctx.loadGlobal(d.Name, g)
			return nil
		}
		if _, ok := ctx.funcs[d.Name]; ok {
			return util.Errorf(util.CodegenError, node.Tok, "function '%s' used as a value", d.Name)
		}
		return undefined(node.Tok, d.Name)

	case ast.UnaryOpNode:
		if err := ctx.genExpr(d.Expr); err != nil {
			return err
		}
		switch d.Op {
		case token.Minus:
			ctx.emit("negl %%eax")
		case token.Not:
			ctx.emit("cmpl $0, %%eax")
			ctx.emit("sete %%al")
			ctx.emit("movzbl %%al, %%eax")
		default:
			return util.Errorf(util.CodegenError, node.Tok, "unsupported unary operator '%s'", d.Op)
		}
		return nil

	case ast.IndirectionNode:
		if err := ctx.genExpr(d.Expr); err != nil {
			return err
		}
		if pointee(ctx.exprType(d.Expr)).Base == ast.BaseChar {
			ctx.emit("movsbl (%%rax), %%eax")
		} else {
			ctx.emit("movl (%%rax), %%eax")
		}
		return nil

	case ast.AddressOfNode:
		return ctx.genAddr(d.LValue)

	case ast.SubscriptNode:
		if err := ctx.genSubscriptAddr(node); err != nil {
			return err
		}
		if elemType(ctx.exprType(d.Array)).Base == ast.BaseChar {
			ctx.emit("movsbl (%%rax), %%eax")
		} else {
			ctx.emit("movl (%%rax), %%eax")
		}
		return nil

	case ast.BinaryOpNode:
		return ctx.genBinary(node, d)

	case ast.AssignNode:
		return ctx.genAssign(d)

	case ast.FuncCallNode:
		return ctx.genCall(node, d)
	}
	return util.Errorf(util.CodegenError, node.Tok, "unsupported expression")
}

// Loads and stores

func (ctx *Context) loadLocal(v localVar) {
	switch {
	case v.Type.IsArray:
		// An array name decays to the address of its first element.
		ctx.emit("leaq %d(%%rbp), %%rax", v.Offset)
	case v.Type.IsPointer:
		ctx.emit("movq %d(%%rbp), %%rax", v.Offset)
	case v.Type.Base == ast.BaseChar:
		ctx.emit("movsbl %d(%%rbp), %%eax", v.Offset)
	default:
		ctx.emit("movl %d(%%rbp), %%eax", v.Offset)
	}
}

func (ctx *Context) loadGlobal(name string, g globalVar) {
	switch {
	case g.Type.IsArray:
		ctx.emit("leaq %s(%%rip), %%rax", name)
	case g.Type.IsPointer:
		ctx.emit("movq %s(%%rip), %%rax", name)
	case g.Type.Base == ast.BaseChar:
		ctx.emit("movsbl %s(%%rip), %%eax", name)
	default:
		ctx.emit("movl %s(%%rip), %%eax", name)
	}
}

func (ctx *Context) storeLocal(off int64, t ast.TypeSpec) {
	switch {
	case t.IsPointer:
		ctx.emit("movq %%rax, %d(%%rbp)", off)
	case t.Base == ast.BaseChar:
		ctx.emit("movb %%al, %d(%%rbp)", off)
	default:
		ctx.emit("movl %%eax, %d(%%rbp)", off)
	}
}

func (ctx *Context) storeGlobal(name string, t ast.TypeSpec) {
	switch {
	case t.IsPointer:
		ctx.emit("movq %%rax, %s(%%rip)", name)
	case t.Base == ast.BaseChar:
		ctx.emit("movb %%al, %s(%%rip)", name)
	default:
		ctx.emit("movl %%eax, %s(%%rip)", name)
	}
}

// Binary operators

func (ctx *Context) genBinary(node *ast.Node, d ast.BinaryOpNode) error {
	switch d.Op {
	case token.AndAnd:
		falseLabel := ctx.newLabel("false")
		endLabel := ctx.newLabel("end")
		if err := ctx.genExpr(d.Left); err != nil {
			return err
		}
		ctx.emit("cmpl $0, %%eax")
		ctx.emit("je %s", falseLabel)
		if err := ctx.genExpr(d.Right); err != nil {
			return err
		}
		ctx.emit("cmpl $0, %%eax")
		ctx.emit("je %s", falseLabel)
		ctx.emit("movl $1, %%eax")
		ctx.emit("jmp %s", endLabel)
		ctx.label(falseLabel)
		ctx.emit("movl $0, %%eax")
		ctx.label(endLabel)
		return nil

	case token.OrOr:
		trueLabel := ctx.newLabel("true")
		endLabel := ctx.newLabel("end")
		if err := ctx.genExpr(d.Left); err != nil {
			return err
		}
		ctx.emit("cmpl $0, %%eax")
		ctx.emit("jne %s", trueLabel)
		if err := ctx.genExpr(d.Right); err != nil {
			return err
		}
		ctx.emit("cmpl $0, %%eax")
		ctx.emit("jne %s", trueLabel)
		ctx.emit("movl $0, %%eax")
		ctx.emit("jmp %s", endLabel)
		ctx.label(trueLabel)
		ctx.emit("movl $1, %%eax")
		ctx.label(endLabel)
		return nil
	}

	// Right first, so the left operand ends up in %eax and the right in
	// %ecx: cmpl %ecx, %eax then reflects `left OP right`.
	if err := ctx.genExpr(d.Right); err != nil {
		return err
	}
	ctx.emit("pushq %%rax")
	if err := ctx.genExpr(d.Left); err != nil {
		return err
	}
	ctx.emit("popq %%rcx")

	switch d.Op {
	case token.Plus:
		ctx.emit("addl %%ecx, %%eax")
	case token.Minus:
		ctx.emit("subl %%ecx, %%eax")
	case token.Star:
		ctx.emit("imull %%ecx, %%eax")
	case token.Slash:
		ctx.emit("cltd")
		ctx.emit("idivl %%ecx")
	case token.Rem:
		ctx.emit("cltd")
		ctx.emit("idivl %%ecx")
		ctx.emit("movl %%edx, %%eax")
	case token.Lt, token.Gt, token.Lte, token.Gte, token.EqEq, token.Neq:
		ctx.emit("cmpl %%ecx, %%eax")
		ctx.emit("set%s %%al", conditionCode(d.Op))
		ctx.emit("movzbl %%al, %%eax")
	default:
		return util.Errorf(util.CodegenError, node.Tok, "unsupported binary operator '%s'", d.Op)
	}
	return nil
}

func conditionCode(op token.Type) string {
	switch op {
	case token.Lt:
		return "l"
	case token.Gt:
		return "g"
	case token.Lte:
		return "le"
	case token.Gte:
		return "ge"
	case token.EqEq:
		return "e"
	}
	return "ne"
}

// Addresses and lvalues

// genAddr leaves the address of an lvalue in %rax. The accepted forms are
// identifiers, subscripts and dereferences.
func (ctx *Context) genAddr(node *ast.Node) error {
	switch d := node.Data.(type) {
	case ast.IdentNode:
		if local, ok := ctx.locals[d.Name]; ok {
			ctx.emit("leaq %d(%%rbp), %%rax", local.Offset)
			return nil
		}
		if _, ok := ctx.globals[d.Name]; ok {
			ctx.emit("leaq %s(%%rip), %%rax", d.Name)
			return nil
		}
		return undefined(node.Tok, d.Name)
	case ast.SubscriptNode:
		return ctx.genSubscriptAddr(node)
	case ast.IndirectionNode:
		// &*e is e.
		return ctx.genExpr(d.Expr)
	}
	return util.Errorf(util.CodegenError, node.Tok, "expression is not addressable")
}

// genSubscriptAddr computes the address of a[i] into %rax: base address,
// plus the sign-extended index scaled by the element size.
func (ctx *Context) genSubscriptAddr(node *ast.Node) error {
	d := node.Data.(ast.SubscriptNode)

	if err := ctx.genBaseAddr(d.Array); err != nil {
		return err
	}
	ctx.emit("pushq %%rax")
	if err := ctx.genExpr(d.Index); err != nil {
		return err
	}
	ctx.emit("movslq %%eax, %%rax")
	if elemType(ctx.exprType(d.Array)).Base != ast.BaseChar {
		ctx.emit("shlq $2, %%rax")
	}
	ctx.emit("popq %%rcx")
	ctx.emit("addq %%rcx, %%rax")
	return nil
}

// genBaseAddr evaluates the base of a subscript, insisting that it denote
// an address: an array name, a pointer variable, or any pointer-typed
// expression.
func (ctx *Context) genBaseAddr(base *ast.Node) error {
	if base.Type == ast.Ident {
		name := base.Data.(ast.IdentNode).Name
		if local, ok := ctx.locals[name]; ok {
			switch {
			case local.Type.IsArray:
				ctx.emit("leaq %d(%%rbp), %%rax", local.Offset)
			case local.Type.IsPointer:
				ctx.emit("movq %d(%%rbp), %%rax", local.Offset)
			default:
				return util.Errorf(util.CodegenError, base.Tok,
					"'%s' is not an array or pointer", name)
			}
			return nil
		}
		if g, ok := ctx.globals[name]; ok {
			switch {
			case g.Type.IsArray:
				ctx.emit("leaq %s(%%rip), %%rax", name)
			case g.Type.IsPointer:
				ctx.emit("movq %s(%%rip), %%rax", name)
			default:
				return util.Errorf(util.CodegenError, base.Tok,
					"'%s' is not an array or pointer", name)
			}
			return nil
		}
		return undefined(base.Tok, name)
	}

	t := ctx.exprType(base)
	if !t.IsPointer && !t.IsArray {
		return util.Errorf(util.CodegenError, base.Tok, "subscripted expression is not a pointer")
	}
	return ctx.genExpr(base)
}

// Assignment

func (ctx *Context) genAssign(d ast.AssignNode) error {
	switch lhs := d.Lhs.Data.(type) {
	case ast.IdentNode:
		if err := ctx.genExpr(d.Rhs); err != nil {
			return err
		}
		if local, ok := ctx.locals[lhs.Name]; ok {
			if local.Type.IsArray {
				return util.Errorf(util.CodegenError, d.Lhs.Tok, "cannot assign to array '%s'", lhs.Name)
			}
			ctx.storeLocal(local.Offset, local.Type)
			return nil
		}
		if g, ok := ctx.globals[lhs.Name]; ok {
			if g.Type.IsArray {
				return util.Errorf(util.CodegenError, d.Lhs.Tok, "cannot assign to array '%s'", lhs.Name)
			}
			ctx.storeGlobal(lhs.Name, g.Type)
			return nil
		}
		return undefined(d.Lhs.Tok, lhs.Name)

	case ast.SubscriptNode:
		// Value first, then the element address; the value survives the
		// address computation on the stack.
		if err := ctx.genExpr(d.Rhs); err != nil {
			return err
		}
		ctx.emit("pushq %%rax")
		if err := ctx.genSubscriptAddr(d.Lhs); err != nil {
			return err
		}
		ctx.emit("popq %%rcx")
		if elemType(ctx.exprType(lhs.Array)).Base == ast.BaseChar {
			ctx.emit("movb %%cl, (%%rax)")
		} else {
			ctx.emit("movl %%ecx, (%%rax)")
		}
		ctx.emit("movl %%ecx, %%eax")
		return nil

	case ast.IndirectionNode:
		// *p = v: pointer first, then the value, so the store reads
		// `movX %eax, (%rcx)`.
		if err := ctx.genExpr(lhs.Expr); err != nil {
			return err
		}
		ctx.emit("pushq %%rax")
		if err := ctx.genExpr(d.Rhs); err != nil {
			return err
		}
		ctx.emit("popq %%rcx")
		if pointee(ctx.exprType(lhs.Expr)).Base == ast.BaseChar {
			ctx.emit("movb %%al, (%%rcx)")
		} else {
			ctx.emit("movl %%eax, (%%rcx)")
		}
		return nil
	}
	return util.Errorf(util.CodegenError, d.Lhs.Tok, "expression is not assignable")
}

// Calls

// genCall evaluates arguments right to left onto the stack, pops them into
// the System V argument registers, zeroes %al for variadic callees, and
// calls the target by name. A call nested inside another expression can
// run while that expression still has values pushed, so %rsp is saved and
// rounded down to 16 around the call and restored afterwards.
func (ctx *Context) genCall(node *ast.Node, d ast.FuncCallNode) error {
	if len(d.Args) > ctx.cfg.MaxRegArgs() {
		return util.Errorf(util.CodegenError, node.Tok,
			"call to '%s' passes more than %d arguments", d.Name, ctx.cfg.MaxRegArgs())
	}
	for i := len(d.Args) - 1; i >= 0; i-- {
		if err := ctx.genExpr(d.Args[i]); err != nil {
			return err
		}
		ctx.emit("pushq %%rax")
	}
	for i := range d.Args {
		ctx.emit("popq %s", ctx.cfg.ArgRegs[i])
	}
	ctx.emit("pushq %%rsp")
	ctx.emit("pushq (%%rsp)")
	ctx.emit("andq $-16, %%rsp")
	ctx.emit("movl $0, %%eax")
	ctx.emit("call %s", d.Name)
	ctx.emit("movq 8(%%rsp), %%rsp")
	return nil
}

// Type inference

// exprType gives the best-effort static type of an expression. Everything
// the table does not refine is an int.
func (ctx *Context) exprType(node *ast.Node) ast.TypeSpec {
	switch d := node.Data.(type) {
	case ast.StringNode:
		return ast.TypeSpec{Base: ast.BaseChar, IsPointer: true}
	case ast.IdentNode:
		if local, ok := ctx.locals[d.Name]; ok {
			return local.Type
		}
		if g, ok := ctx.globals[d.Name]; ok {
			return g.Type
		}
	case ast.AssignNode:
		return ctx.exprType(d.Lhs)
	case ast.FuncCallNode:
		if sig, ok := ctx.funcs[d.Name]; ok {
			return sig.Ret
		}
	case ast.IndirectionNode:
		return pointee(ctx.exprType(d.Expr))
	case ast.AddressOfNode:
		t := ctx.exprType(d.LValue)
		t.IsArray = false
		t.IsPointer = true
		return t
	case ast.SubscriptNode:
		return elemType(ctx.exprType(d.Array))
	}
	return ast.TypeInt
}

// pointee strips one level of pointer or array from t.
func pointee(t ast.TypeSpec) ast.TypeSpec {
	t.IsPointer = false
	t.IsArray = false
	return t
}

func elemType(t ast.TypeSpec) ast.TypeSpec {
	return pointee(t)
}
