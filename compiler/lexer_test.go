package compiler

import (
	"testing"
)

func TestLexerBasicTokens(t *testing.T) {
	input := "( ) , :\n"
	expected := []struct {
		typ TokenType
		lit string
	}{
		{TokenLParen, "("},
		{TokenRParen, ")"},
		{TokenComma, ","},
		{TokenColon, ":"},
		{TokenNewline, "\n"},
		{TokenEOF, ""},
	}

	l := NewLexer(input)
	for i, exp := range expected {
		tok := l.NextToken()
		if tok.Type != exp.typ {
			t.Errorf("token[%d] type = %v, want %v", i, tok.Type, exp.typ)
		}
		if tok.Literal != exp.lit {
			t.Errorf("token[%d] literal = %q, want %q", i, tok.Literal, exp.lit)
		}
	}
}

func TestLexerNumbers(t *testing.T) {
	tests := []struct {
		input string
		typ   TokenType
		want  string
	}{
		{"42", TokenInteger, "42"},
		{"0", TokenInteger, "0"},
		{"-123", TokenInteger, "-123"},
		{"+7", TokenInteger, "+7"},
		{"0x1F", TokenInteger, "0x1F"},
		{"3.14", TokenFloat, "3.14"},
		{"1e10", TokenFloat, "1e10"},
		{"-2.5e-3", TokenFloat, "-2.5e-3"},
	}

	for _, tc := range tests {
		tok := NewLexer(tc.input).NextToken()
		if tok.Type != tc.typ {
			t.Errorf("Lexer(%q): type = %v, want %v", tc.input, tok.Type, tc.typ)
		}
		if tok.Literal != tc.want {
			t.Errorf("Lexer(%q): literal = %q, want %q", tc.input, tok.Literal, tc.want)
		}
	}
}

func TestLexerStrings(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{`"hello"`, "hello"},
		{`""`, ""},
		{`"a\nb"`, "a\nb"},
		{`"tab\there"`, "tab\there"},
		{`"say \"hi\""`, `say "hi"`},
		{`"back\\slash"`, `back\slash`},
	}

	for _, tc := range tests {
		tok := NewLexer(tc.input).NextToken()
		if tok.Type != TokenString {
			t.Errorf("Lexer(%q): type = %v, want STRING", tc.input, tok.Type)
			continue
		}
		if tok.Literal != tc.want {
			t.Errorf("Lexer(%q): literal = %q, want %q", tc.input, tok.Literal, tc.want)
		}
	}
}

func TestLexerStringErrors(t *testing.T) {
	for _, input := range []string{`"open`, "\"line\nbreak\"", `"bad \q"`} {
		tok := NewLexer(input).NextToken()
		if tok.Type != TokenError {
			t.Errorf("Lexer(%q): type = %v, want ERROR", input, tok.Type)
		}
	}
}

func TestLexerIdentifiers(t *testing.T) {
	for _, input := range []string{"load", "__name__", "<module>", "a.b", "x1"} {
		tok := NewLexer(input).NextToken()
		if tok.Type != TokenIdentifier || tok.Literal != input {
			t.Errorf("Lexer(%q) = %v, want identifier", input, tok)
		}
	}
}

func TestLexerComments(t *testing.T) {
	input := "const 1 # trailing\n; whole line\nreturn"
	var types []TokenType
	for _, tok := range NewLexer(input).Tokens() {
		types = append(types, tok.Type)
	}
	want := []TokenType{
		TokenIdentifier, TokenInteger, TokenNewline,
		TokenNewline,
		TokenIdentifier, TokenEOF,
	}
	if len(types) != len(want) {
		t.Fatalf("tokens = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("token[%d] = %v, want %v", i, types[i], want[i])
		}
	}
}

func TestLexerPositions(t *testing.T) {
	toks := NewLexer("nop\n  pop").Tokens()
	pop := toks[2]
	if pop.Literal != "pop" {
		t.Fatalf("token[2] = %v, want pop", pop)
	}
	if pop.Pos.Line != 2 || pop.Pos.Column != 3 {
		t.Errorf("pop at %s, want 2:3", pop.Pos)
	}
}
