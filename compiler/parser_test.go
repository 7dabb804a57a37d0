package compiler

import (
	"errors"
	"testing"
)

func TestParseFuncHeader(t *testing.T) {
	src := `
module demo

func f(a, b) locals x cells c
    free d
    load a
    return
end
`
	file, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if file.Module != "demo" {
		t.Errorf("Module = %q, want demo", file.Module)
	}
	fn := file.Func("f")
	if fn == nil {
		t.Fatal("func f not found")
	}
	check := func(name string, got, want []string) {
		t.Helper()
		if len(got) != len(want) {
			t.Errorf("%s = %v, want %v", name, got, want)
			return
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("%s = %v, want %v", name, got, want)
				return
			}
		}
	}
	check("Params", fn.Params, []string{"a", "b"})
	check("Locals", fn.Locals, []string{"x"})
	check("Cells", fn.Cells, []string{"c"})
	check("Free", fn.Free, []string{"d"})
	if len(fn.Body) != 2 {
		t.Fatalf("body has %d items, want 2", len(fn.Body))
	}
	if in := fn.Body[0].Instr; in == nil || in.Mnemonic != "load" || len(in.Operands) != 1 {
		t.Errorf("body[0] = %+v, want load a", fn.Body[0])
	}
}

func TestParseLabels(t *testing.T) {
	src := "top:\n  nop\nloop: jump loop\n"
	file, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	var labels []string
	for _, it := range file.Body {
		if it.Label != "" {
			labels = append(labels, it.Label)
		}
	}
	if len(labels) != 2 || labels[0] != "top" || labels[1] != "loop" {
		t.Errorf("labels = %v, want [top loop]", labels)
	}
	if len(file.Body) != 4 {
		t.Errorf("body has %d items, want 4", len(file.Body))
	}
}

func TestParseMnemonicsAreCaseInsensitive(t *testing.T) {
	file, err := Parse("LOAD x\n")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := file.Body[0].Instr.Mnemonic; got != "load" {
		t.Errorf("mnemonic = %q, want load", got)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"missing end", "func f()\n  nop\n"},
		{"end without func", "end\n"},
		{"nested func", "func f()\nfunc g()\nend\nend\n"},
		{"duplicate func", "func f()\nend\nfunc f()\nend\n"},
		{"locals outside func", "locals x\n"},
		{"bad header", "func f\nend\n"},
		{"module inside func", "func f()\nmodule m\nend\n"},
		{"bad operand", "const (\n"},
		{"lexer error", "const \"open\n"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.src)
			if err == nil {
				t.Fatal("expected an error")
			}
			var perr *Error
			if !errors.As(err, &perr) {
				t.Errorf("error %v is %T, want *Error", err, err)
			}
		})
	}
}
