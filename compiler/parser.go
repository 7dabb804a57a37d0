package compiler

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// AST
// ---------------------------------------------------------------------------

// Operand is one instruction operand.
type Operand struct {
	Tok Token
}

// Instr is one source instruction line.
type Instr struct {
	Mnemonic string
	Operands []Operand
	Pos      Position
}

// Item is a label definition or an instruction.
type Item struct {
	Label string // non-empty for "name:"
	Instr *Instr
}

// FuncDecl is a "func ... end" block.
type FuncDecl struct {
	Name   string
	Params []string
	Locals []string
	Cells  []string
	Free   []string
	Body   []Item
	Pos    Position
}

// File is a parsed source file.
type File struct {
	Module string
	Funcs  []*FuncDecl
	Body   []Item // top-level instructions, run as the module body
}

// Func returns the function declared as name.
func (f *File) Func(name string) *FuncDecl {
	for _, fn := range f.Funcs {
		if fn.Name == name {
			return fn
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Parser
// ---------------------------------------------------------------------------

// Error is a compile error at a source position.
type Error struct {
	Pos Position
	Msg string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Pos, e.Msg) }

func errorf(pos Position, format string, args ...any) error {
	return &Error{Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

// Parser turns tokens into a File, one line at a time.
type Parser struct {
	toks []Token
	pos  int
}

// Parse parses source into a File.
func Parse(src string) (*File, error) {
	p := &Parser{toks: NewLexer(src).Tokens()}
	return p.parseFile()
}

func (p *Parser) cur() Token { return p.toks[p.pos] }

func (p *Parser) next() Token {
	t := p.toks[p.pos]
	if t.Type != TokenEOF {
		p.pos++
	}
	return t
}

// line returns the tokens up to the next newline, consuming the newline.
func (p *Parser) line() []Token {
	var out []Token
	for {
		t := p.cur()
		if t.Type == TokenEOF {
			return out
		}
		p.next()
		if t.Type == TokenNewline {
			return out
		}
		out = append(out, t)
	}
}

func (p *Parser) parseFile() (*File, error) {
	file := &File{}
	var fn *FuncDecl
	seen := make(map[string]bool)

	for p.cur().Type != TokenEOF {
		toks := p.line()
		if len(toks) == 0 {
			continue
		}
		for _, t := range toks {
			if t.Type == TokenError {
				return nil, errorf(t.Pos, "%s", t.Literal)
			}
		}
		head := toks[0]

		// Label definitions may share a line with an instruction.
		var items []Item
		if len(toks) >= 2 && head.Type == TokenIdentifier && toks[1].Type == TokenColon {
			items = append(items, Item{Label: head.Literal})
			toks = toks[2:]
			if len(toks) == 0 {
				if fn != nil {
					fn.Body = append(fn.Body, items...)
				} else {
					file.Body = append(file.Body, items...)
				}
				continue
			}
			head = toks[0]
		}
		if head.Type != TokenIdentifier {
			return nil, errorf(head.Pos, "expected instruction, got %s", head.Type)
		}

		switch head.Literal {
		case "module":
			if fn != nil {
				return nil, errorf(head.Pos, "module directive inside func %s", fn.Name)
			}
			if len(toks) != 2 || toks[1].Type != TokenIdentifier {
				return nil, errorf(head.Pos, "usage: module NAME")
			}
			file.Module = toks[1].Literal
			continue

		case "func":
			if fn != nil {
				return nil, errorf(head.Pos, "nested func inside %s", fn.Name)
			}
			decl, err := parseFuncHeader(toks)
			if err != nil {
				return nil, err
			}
			if seen[decl.Name] {
				return nil, errorf(head.Pos, "func %s defined twice", decl.Name)
			}
			seen[decl.Name] = true
			fn = decl
			continue

		case "end":
			if fn == nil {
				return nil, errorf(head.Pos, "end without func")
			}
			if len(toks) != 1 {
				return nil, errorf(head.Pos, "unexpected tokens after end")
			}
			file.Funcs = append(file.Funcs, fn)
			fn = nil
			continue

		case "locals", "cells", "free":
			if fn == nil {
				return nil, errorf(head.Pos, "%s outside func", head.Literal)
			}
			names, err := nameList(toks[1:])
			if err != nil {
				return nil, err
			}
			switch head.Literal {
			case "locals":
				fn.Locals = append(fn.Locals, names...)
			case "cells":
				fn.Cells = append(fn.Cells, names...)
			case "free":
				fn.Free = append(fn.Free, names...)
			}
			continue
		}

		instr := &Instr{Mnemonic: strings.ToLower(head.Literal), Pos: head.Pos}
		for _, t := range toks[1:] {
			switch t.Type {
			case TokenComma:
				continue
			case TokenInteger, TokenFloat, TokenString, TokenIdentifier:
				instr.Operands = append(instr.Operands, Operand{Tok: t})
			default:
				return nil, errorf(t.Pos, "unexpected %s in operands", t.Type)
			}
		}
		items = append(items, Item{Instr: instr})
		if fn != nil {
			fn.Body = append(fn.Body, items...)
		} else {
			file.Body = append(file.Body, items...)
		}
	}
	if fn != nil {
		return nil, errorf(fn.Pos, "func %s is missing end", fn.Name)
	}
	return file, nil
}

// parseFuncHeader parses "func NAME(a, b) [locals x, y] [cells c] [free d]".
func parseFuncHeader(toks []Token) (*FuncDecl, error) {
	head := toks[0]
	if len(toks) < 4 || toks[1].Type != TokenIdentifier || toks[2].Type != TokenLParen {
		return nil, errorf(head.Pos, "usage: func NAME(params...)")
	}
	decl := &FuncDecl{Name: toks[1].Literal, Pos: head.Pos}
	i := 3
	for ; i < len(toks) && toks[i].Type != TokenRParen; i++ {
		switch toks[i].Type {
		case TokenComma:
		case TokenIdentifier:
			decl.Params = append(decl.Params, toks[i].Literal)
		default:
			return nil, errorf(toks[i].Pos, "bad parameter %s", toks[i].Type)
		}
	}
	if i == len(toks) {
		return nil, errorf(head.Pos, "func %s: missing )", decl.Name)
	}
	i++

	// Declaration clauses.
	var target *[]string
	for ; i < len(toks); i++ {
		t := toks[i]
		if t.Type == TokenComma {
			continue
		}
		if t.Type != TokenIdentifier {
			return nil, errorf(t.Pos, "unexpected %s in func header", t.Type)
		}
		switch t.Literal {
		case "locals":
			target = &decl.Locals
		case "cells":
			target = &decl.Cells
		case "free":
			target = &decl.Free
		default:
			if target == nil {
				return nil, errorf(t.Pos, "expected locals, cells or free, got %q", t.Literal)
			}
			*target = append(*target, t.Literal)
		}
	}
	return decl, nil
}

func nameList(toks []Token) ([]string, error) {
	var names []string
	for _, t := range toks {
		switch t.Type {
		case TokenComma:
		case TokenIdentifier:
			names = append(names, t.Literal)
		default:
			return nil, errorf(t.Pos, "expected name, got %s", t.Type)
		}
	}
	return names, nil
}
