package util

import (
	"strings"
	"testing"

	"gmcc/pkg/token"
)

func TestDiagnosticError(t *testing.T) {
	d := Errorf(ParseError, token.Token{Line: 3, Column: 14, Len: 2}, "expected '%s'", ";")
	want := "3:14: parse error: expected ';'"
	if d.Error() != want {
		t.Errorf("Error() = %q, want %q", d.Error(), want)
	}

	noPos := &Diagnostic{Kind: CodegenError, Msg: "undefined identifier 'x'"}
	if got := noPos.Error(); got != "codegen error: undefined identifier 'x'" {
		t.Errorf("Error() = %q", got)
	}
}

func TestReportRendersCaret(t *testing.T) {
	source := "int main() {\n    retur 0;\n}"
	d := Errorf(ParseError, token.Token{Line: 2, Column: 5, Len: 5}, "expected a statement")

	var sb strings.Builder
	Report(&sb, source, d)
	out := sb.String()

	if !strings.Contains(out, "retur 0;") {
		t.Errorf("report does not show the offending line:\n%s", out)
	}
	if !strings.Contains(out, "^~~~~") {
		t.Errorf("report does not underline the token:\n%s", out)
	}
	if !strings.Contains(out, "parse error") {
		t.Errorf("report does not name the error kind:\n%s", out)
	}
}

func TestReportPlainError(t *testing.T) {
	var sb strings.Builder
	Report(&sb, "", &Diagnostic{Kind: LexError, Msg: "unexpected character '@'"})
	if !strings.Contains(sb.String(), "unexpected character") {
		t.Errorf("report lost the message: %q", sb.String())
	}
}
