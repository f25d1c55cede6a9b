package parser

import (
	"strconv"

	"gmcc/pkg/ast"
	"gmcc/pkg/token"
	"gmcc/pkg/util"
)

// maxParams is the number of parameters the System V register lowering
// supports; declarations beyond it are rejected here rather than in codegen.
const maxParams = 6

// Parser holds the state for the parsing process
type Parser struct {
	tokens   []token.Token
	pos      int
	current  token.Token
	previous token.Token
}

// NewParser creates and initializes a new Parser from a token stream. The
// stream must be terminated by an EOF token.
func NewParser(tokens []token.Token) *Parser {
	p := &Parser{tokens: tokens}
	if len(tokens) > 0 {
		p.current = p.tokens[0]
	}
	return p
}

// Parse consumes the whole token stream and returns the program as a
// synthetic top-level block of declarations.
func (p *Parser) Parse() (*ast.Node, error) {
	tok := p.current
	var decls []*ast.Node
	for !p.check(token.EOF) {
		decl, err := p.parseDeclaration()
		if err != nil {
			return nil, err
		}
		decls = append(decls, decl)
	}
	return ast.NewBlock(tok, decls, true), nil
}

// Parser helpers

func (p *Parser) advance() {
	if p.pos < len(p.tokens) {
		p.previous = p.current
		p.pos++
		if p.pos < len(p.tokens) {
			p.current = p.tokens[p.pos]
		}
	}
}

func (p *Parser) check(tokType token.Type) bool {
	return p.current.Type == tokType
}

func (p *Parser) match(tokType token.Type) bool {
	if !p.check(tokType) {
		return false
	}
	p.advance()
	return true
}

func (p *Parser) expect(tokType token.Type, message string) error {
	if p.check(tokType) {
		p.advance()
		return nil
	}
	if p.check(token.EOF) {
		return p.errorf("unexpected end of file: %s", message)
	}
	return p.errorf("%s, found '%s'", message, p.describe(p.current))
}

func (p *Parser) describe(tok token.Token) string {
	if tok.Type == token.Ident || tok.Type == token.Number {
		return tok.Value
	}
	return tok.Type.String()
}

func (p *Parser) errorf(format string, args ...interface{}) error {
	return util.Errorf(util.ParseError, p.current, format, args...)
}

// Types

// parseTypeSpec parses `const? (int|char|void) '*'*`. A second star is
// rejected: the type model has a single pointer level.
func (p *Parser) parseTypeSpec() (ast.TypeSpec, error) {
	var typ ast.TypeSpec
	if p.match(token.Const) {
		typ.IsConst = true
	}
	switch {
	case p.match(token.Int):
		typ.Base = ast.BaseInt
	case p.match(token.Char):
		typ.Base = ast.BaseChar
	case p.match(token.Void):
		typ.Base = ast.BaseVoid
	default:
		return typ, p.errorf("expected a type name, found '%s'", p.describe(p.current))
	}
	if p.match(token.Star) {
		typ.IsPointer = true
		if p.check(token.Star) {
			return typ, p.errorf("pointer to pointer is not supported")
		}
	}
	return typ, nil
}

// Top-Level Parsing

// parseDeclaration parses one top-level declaration: a function prototype,
// a function definition, or a global variable. The token after the
// identifier disambiguates.
func (p *Parser) parseDeclaration() (*ast.Node, error) {
	typ, err := p.parseTypeSpec()
	if err != nil {
		return nil, err
	}
	if err := p.expect(token.Ident, "expected an identifier after type"); err != nil {
		return nil, err
	}
	nameTok := p.previous

	if p.check(token.LParen) {
		return p.parseFuncTail(nameTok, typ)
	}
	return p.parseGlobalTail(nameTok, typ)
}

func (p *Parser) parseFuncTail(nameTok token.Token, ret ast.TypeSpec) (*ast.Node, error) {
	if err := p.expect(token.LParen, "expected '('"); err != nil {
		return nil, err
	}
	params, err := p.parseParams()
	if err != nil {
		return nil, err
	}
	if err := p.expect(token.RParen, "expected ')' after parameters"); err != nil {
		return nil, err
	}

	if p.match(token.Semi) {
		return ast.NewFuncProto(nameTok, nameTok.Value, ret, params), nil
	}
	if !p.check(token.LBrace) {
		return nil, p.errorf("expected ';' or '{' after function signature")
	}
	body, err := p.parseBlockStmt()
	if err != nil {
		return nil, err
	}
	return ast.NewFuncDecl(nameTok, nameTok.Value, ret, params, body), nil
}

func (p *Parser) parseParams() ([]ast.Param, error) {
	var params []ast.Param
	if p.check(token.RParen) {
		return params, nil
	}
	// `(void)` is an empty parameter list.
	if p.check(token.Void) && p.pos+1 < len(p.tokens) && p.tokens[p.pos+1].Type == token.RParen {
		p.advance()
		return params, nil
	}
	for {
		typ, err := p.parseTypeSpec()
		if err != nil {
			return nil, err
		}
		var name string
		if p.match(token.Ident) {
			name = p.previous.Value
		}
		// An array parameter decays to a pointer.
		if p.match(token.LBracket) {
			if err := p.expect(token.RBracket, "expected ']' in array parameter"); err != nil {
				return nil, err
			}
			typ.IsPointer = true
		}
		params = append(params, ast.Param{Name: name, Type: typ})
		if len(params) > maxParams {
			return nil, p.errorf("functions with more than %d parameters are not supported", maxParams)
		}
		if !p.match(token.Comma) {
			return params, nil
		}
	}
}

func (p *Parser) parseGlobalTail(nameTok token.Token, typ ast.TypeSpec) (*ast.Node, error) {
	arraySize, isArray, err := p.parseArraySuffix()
	if err != nil {
		return nil, err
	}
	var init *ast.Node
	if p.match(token.Eq) {
		if isArray {
			return nil, p.errorf("array initializers are not supported")
		}
		init, err = p.parseExpr()
		if err != nil {
			return nil, err
		}
	}
	if err := p.expect(token.Semi, "expected ';' after global declaration"); err != nil {
		return nil, err
	}
	if isArray {
		typ.IsArray = true
	}
	return ast.NewVarDecl(nameTok, nameTok.Value, typ, arraySize, isArray, init), nil
}

// parseArraySuffix parses an optional `'[' Number ']'`.
func (p *Parser) parseArraySuffix() (int64, bool, error) {
	if !p.match(token.LBracket) {
		return 0, false, nil
	}
	if !p.check(token.Number) {
		return 0, false, p.errorf("expected a constant array size")
	}
	size, err := strconv.ParseInt(p.current.Value, 10, 64)
	if err != nil || size < 0 {
		return 0, false, p.errorf("invalid array size '%s'", p.current.Value)
	}
	p.advance()
	if err := p.expect(token.RBracket, "expected ']' after array size"); err != nil {
		return 0, false, err
	}
	return size, true, nil
}

// Statement Parsing

func (p *Parser) parseBlockStmt() (*ast.Node, error) {
	tok := p.current
	if err := p.expect(token.LBrace, "expected '{' to start a block"); err != nil {
		return nil, err
	}
	var stmts []*ast.Node
	for !p.check(token.RBrace) {
		if p.check(token.EOF) {
			return nil, p.errorf("unexpected end of file: expected '}' to close a block")
		}
		stmt, err := p.parseStmt()
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, stmt)
	}
	if err := p.expect(token.RBrace, "expected '}' after block"); err != nil {
		return nil, err
	}
	return ast.NewBlock(tok, stmts, false), nil
}

func (p *Parser) parseStmt() (*ast.Node, error) {
	tok := p.current
	switch {
	case p.match(token.If):
		if err := p.expect(token.LParen, "expected '(' after 'if'"); err != nil {
			return nil, err
		}
		cond, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(token.RParen, "expected ')' after if condition"); err != nil {
			return nil, err
		}
		thenBody, err := p.parseStmt()
		if err != nil {
			return nil, err
		}
		var elseBody *ast.Node
		if p.match(token.Else) {
			if elseBody, err = p.parseStmt(); err != nil {
				return nil, err
			}
		}
		return ast.NewIf(tok, cond, thenBody, elseBody), nil

	case p.match(token.While):
		if err := p.expect(token.LParen, "expected '(' after 'while'"); err != nil {
			return nil, err
		}
		cond, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(token.RParen, "expected ')' after while condition"); err != nil {
			return nil, err
		}
		body, err := p.parseStmt()
		if err != nil {
			return nil, err
		}
		return ast.NewWhile(tok, cond, body), nil

	case p.match(token.For):
		return p.parseForStmt(tok)

	case p.match(token.Return):
		var expr *ast.Node
		var err error
		if !p.check(token.Semi) {
			if expr, err = p.parseExpr(); err != nil {
				return nil, err
			}
		}
		if err := p.expect(token.Semi, "expected ';' after return statement"); err != nil {
			return nil, err
		}
		return ast.NewReturn(tok, expr), nil

	case p.check(token.LBrace):
		return p.parseBlockStmt()

	case p.current.Type.IsTypeKeyword():
		return p.parseLocalDecl()

	case p.match(token.Semi):
		return ast.NewBlock(tok, nil, true), nil

	default:
		expr, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(token.Semi, "expected ';' after expression statement"); err != nil {
			return nil, err
		}
		return expr, nil
	}
}

// parseForStmt parses the three-clause for loop. The init clause accepts a
// declaration, which lives in the enclosing function's flat scope.
func (p *Parser) parseForStmt(tok token.Token) (*ast.Node, error) {
	if err := p.expect(token.LParen, "expected '(' after 'for'"); err != nil {
		return nil, err
	}
	var init, cond, post *ast.Node
	var err error
	if !p.check(token.Semi) {
		if p.current.Type.IsTypeKeyword() {
			// parseLocalDecl consumes the ';' itself.
			if init, err = p.parseLocalDecl(); err != nil {
				return nil, err
			}
		} else {
			if init, err = p.parseExpr(); err != nil {
				return nil, err
			}
			if err := p.expect(token.Semi, "expected ';' after for initializer"); err != nil {
				return nil, err
			}
		}
	} else {
		p.advance()
	}
	if !p.check(token.Semi) {
		if cond, err = p.parseExpr(); err != nil {
			return nil, err
		}
	}
	if err := p.expect(token.Semi, "expected ';' after for condition"); err != nil {
		return nil, err
	}
	if !p.check(token.RParen) {
		if post, err = p.parseExpr(); err != nil {
			return nil, err
		}
	}
	if err := p.expect(token.RParen, "expected ')' after for clauses"); err != nil {
		return nil, err
	}
	body, err := p.parseStmt()
	if err != nil {
		return nil, err
	}
	return ast.NewFor(tok, init, cond, post, body), nil
}

func (p *Parser) parseLocalDecl() (*ast.Node, error) {
	typ, err := p.parseTypeSpec()
	if err != nil {
		return nil, err
	}
	if err := p.expect(token.Ident, "expected an identifier in declaration"); err != nil {
		return nil, err
	}
	nameTok := p.previous
	arraySize, isArray, err := p.parseArraySuffix()
	if err != nil {
		return nil, err
	}
	var init *ast.Node
	if p.match(token.Eq) {
		if isArray {
			return nil, p.errorf("array initializers are not supported")
		}
		if init, err = p.parseExpr(); err != nil {
			return nil, err
		}
	}
	if err := p.expect(token.Semi, "expected ';' after declaration"); err != nil {
		return nil, err
	}
	if isArray {
		typ.IsArray = true
	}
	return ast.NewVarDecl(nameTok, nameTok.Value, typ, arraySize, isArray, init), nil
}

// Expression Parsing

func getBinaryOpPrecedence(op token.Type) int {
	switch op {
	case token.Star, token.Slash, token.Rem:
		return 6
	case token.Plus, token.Minus:
		return 5
	case token.Lt, token.Gt, token.Lte, token.Gte:
		return 4
	case token.EqEq, token.Neq:
		return 3
	case token.AndAnd:
		return 2
	case token.OrOr:
		return 1
	default:
		return -1
	}
}

func (p *Parser) parseExpr() (*ast.Node, error) {
	return p.parseAssignmentExpr()
}

// parseAssignmentExpr handles the right-associative '='. Whether the left
// side is a valid lvalue is decided by the code generator.
func (p *Parser) parseAssignmentExpr() (*ast.Node, error) {
	left, err := p.parseBinaryExpr(1)
	if err != nil {
		return nil, err
	}
	if p.check(token.Eq) {
		tok := p.current
		p.advance()
		right, err := p.parseAssignmentExpr()
		if err != nil {
			return nil, err
		}
		return ast.NewAssign(tok, left, right), nil
	}
	return left, nil
}

func (p *Parser) parseBinaryExpr(minPrec int) (*ast.Node, error) {
	left, err := p.parseUnaryExpr()
	if err != nil {
		return nil, err
	}
	for {
		op := p.current.Type
		prec := getBinaryOpPrecedence(op)
		if prec < minPrec {
			return left, nil
		}
		opTok := p.current
		p.advance()
		right, err := p.parseBinaryExpr(prec + 1)
		if err != nil {
			return nil, err
		}
		left = ast.NewBinaryOp(opTok, op, left, right)
	}
}

func (p *Parser) parseUnaryExpr() (*ast.Node, error) {
	tok := p.current
	if p.match(token.Minus) || p.match(token.Not) || p.match(token.Star) || p.match(token.And) {
		op := p.previous.Type
		operand, err := p.parseUnaryExpr()
		if err != nil {
			return nil, err
		}
		switch op {
		case token.Star:
			return ast.NewIndirection(tok, operand), nil
		case token.And:
			return ast.NewAddressOf(tok, operand), nil
		}
		return ast.NewUnaryOp(tok, op, operand), nil
	}
	return p.parsePostfixExpr()
}

func (p *Parser) parsePostfixExpr() (*ast.Node, error) {
	expr, err := p.parsePrimaryExpr()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.current
		if p.match(token.LParen) {
			if expr.Type != ast.Ident {
				return nil, util.Errorf(util.ParseError, tok, "expected function name before call")
			}
			name := expr.Data.(ast.IdentNode).Name
			var args []*ast.Node
			if !p.check(token.RParen) {
				for {
					arg, err := p.parseAssignmentExpr()
					if err != nil {
						return nil, err
					}
					args = append(args, arg)
					if !p.match(token.Comma) {
						break
					}
				}
			}
			if err := p.expect(token.RParen, "expected ')' after function arguments"); err != nil {
				return nil, err
			}
			expr = ast.NewFuncCall(expr.Tok, name, args)
		} else if p.match(token.LBracket) {
			index, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if err := p.expect(token.RBracket, "expected ']' after array index"); err != nil {
				return nil, err
			}
			expr = ast.NewSubscript(tok, expr, index)
		} else {
			return expr, nil
		}
	}
}

func (p *Parser) parsePrimaryExpr() (*ast.Node, error) {
	tok := p.current
	if p.match(token.Number) {
		val, err := strconv.ParseInt(p.previous.Value, 10, 64)
		if err != nil {
			return nil, util.Errorf(util.ParseError, tok, "invalid number literal '%s'", p.previous.Value)
		}
		return ast.NewNumber(tok, val), nil
	}
	if p.match(token.String) {
		return ast.NewString(tok, p.previous.Value), nil
	}
	if p.match(token.Ident) {
		return ast.NewIdent(tok, p.previous.Value), nil
	}
	if p.match(token.LParen) {
		expr, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(token.RParen, "expected ')' after expression"); err != nil {
			return nil, err
		}
		return expr, nil
	}
	if p.check(token.EOF) {
		return nil, p.errorf("unexpected end of file: expected an expression")
	}
	return nil, p.errorf("expected an expression, found '%s'", p.describe(tok))
}
