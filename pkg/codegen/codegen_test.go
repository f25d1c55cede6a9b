package codegen

import (
	"os"
	"strings"
	"testing"

	"gmcc/pkg/config"
	"gmcc/pkg/lexer"
	"gmcc/pkg/parser"
	"gmcc/pkg/util"
)

func compile(t *testing.T, src string) string {
	t.Helper()
	asm, err := tryCompile(src)
	if err != nil {
		t.Fatalf("compile failed: %v\nsource:\n%s", err, src)
	}
	return asm
}

func tryCompile(src string) (string, error) {
	toks, err := lexer.Scan(src)
	if err != nil {
		return "", err
	}
	prog, err := parser.NewParser(toks).Parse()
	if err != nil {
		return "", err
	}
	return NewContext(config.NewConfig()).Generate(prog)
}

func wantContains(t *testing.T, asm string, wants ...string) {
	t.Helper()
	for _, want := range wants {
		if !strings.Contains(asm, want) {
			t.Errorf("assembly does not contain %q:\n%s", want, asm)
		}
	}
}

func wantNotContains(t *testing.T, asm string, nots ...string) {
	t.Helper()
	for _, not := range nots {
		if strings.Contains(asm, not) {
			t.Errorf("assembly unexpectedly contains %q:\n%s", not, asm)
		}
	}
}

func TestModuleLayout(t *testing.T) {
	asm := compile(t, "int main() { return 0; }")
	wantContains(t, asm,
		".section .note.GNU-stack,\"\",@progbits",
		".section .text",
		".globl main",
		"main:",
		"pushq %rbp",
		"movq %rsp, %rbp",
		"leave",
		"ret",
	)
	// No locals: no frame adjustment.
	wantNotContains(t, asm, "subq")
}

func TestEmptyBodyGetsFallbackReturn(t *testing.T) {
	asm := compile(t, "void f() { } int main() { return 0; }")
	// The fallback tail keeps a missing return from falling through.
	funcBody := asm[strings.Index(asm, "f:"):strings.Index(asm, "main:")]
	wantContains(t, funcBody, "movl $0, %eax", "leave", "ret")
}

func TestPrototypesEmitNothing(t *testing.T) {
	asm := compile(t, "int puts(const char *); int main() { return 0; }")
	wantNotContains(t, asm, "puts:")
}

func TestOneLabelPerFunction(t *testing.T) {
	asm := compile(t, `
int helper() { return 1; }
int main() { return helper(); }
`)
	if n := strings.Count(asm, "helper:"); n != 1 {
		t.Errorf("got %d 'helper:' labels, want 1", n)
	}
	if n := strings.Count(asm, "main:"); n != 1 {
		t.Errorf("got %d 'main:' labels, want 1", n)
	}
}

func TestFrameSizeRounding(t *testing.T) {
	// One scalar local: 8 bytes rounded up to 16.
	asm := compile(t, "int main() { int x; x = 1; return x; }")
	wantContains(t, asm, "subq $16, %rsp")

	// int a[3] = 12 -> aligned to 16; int *p adds 8 -> 24 -> rounds to 32.
	asm = compile(t, "int main() { int a[3]; int *p; p = &a[0]; return 0; }")
	wantContains(t, asm, "subq $32, %rsp")
}

func TestParameterSpill(t *testing.T) {
	asm := compile(t, "int add(int a, int b) { return a + b; } int main() { return add(1, 2); }")
	wantContains(t, asm,
		"movq %rdi, -8(%rbp)",
		"movq %rsi, -16(%rbp)",
	)
}

func TestScalarLoadsAndStores(t *testing.T) {
	asm := compile(t, `
int main() {
    int i;
    char c;
    i = 65;
    c = i;
    return c;
}
`)
	wantContains(t, asm,
		"movl %eax, -8(%rbp)",  // int store
		"movb %al, -16(%rbp)",  // char store uses the low byte
		"movsbl -16(%rbp), %eax", // char read sign-extends
	)
}

func TestStringPool(t *testing.T) {
	asm := compile(t, `
int puts(const char *);
int main() {
    puts("hello");
    puts("hello");
    puts("tab\there");
    return 0;
}
`)
	wantContains(t, asm,
		".section .rodata",
		".str0:",
		`.string "hello"`,
		".str1:",
		`.string "tab\there"`,
		"leaq .str0(%rip), %rax",
	)
	// Identical literals share one entry.
	wantNotContains(t, asm, ".str2:")
}

func TestGlobals(t *testing.T) {
	asm := compile(t, `
int counter;
char flag;
int table[5];
int start = 7;
int main() { counter = 1; return start; }
`)
	wantContains(t, asm,
		".section .bss",
		".comm counter, 4, 4",
		".comm flag, 1, 1",
		".comm table, 20, 16",
		".section .data",
		"start:",
		".long 7",
		"movl %eax, counter(%rip)",
		"movl start(%rip), %eax",
	)
}

func TestCallLowering(t *testing.T) {
	asm := compile(t, `
int puts(const char *);
int main() {
    puts("x");
    return 0;
}
`)
	wantContains(t, asm,
		"popq %rdi",
		"movl $0, %eax",
		"call puts",
	)
}

func TestCallArgumentOrder(t *testing.T) {
	asm := compile(t, `
int f(int a, int b, int c);
int main() { return f(1, 2, 3); }
`)
	// Arguments pop into the registers in left-to-right ABI order.
	di := strings.Index(asm, "popq %rdi")
	si := strings.Index(asm, "popq %rsi")
	dx := strings.Index(asm, "popq %rdx")
	if di == -1 || si == -1 || dx == -1 || !(di < si && si < dx) {
		t.Errorf("argument pops out of order:\n%s", asm)
	}
}

func TestEveryCallHasACallee(t *testing.T) {
	asm := compile(t, `
int f() { return 1; }
int g() { return 2; }
int main() { return f() + g(); }
`)
	if n := strings.Count(asm, "call f\n"); n != 1 {
		t.Errorf("got %d 'call f', want 1", n)
	}
	if n := strings.Count(asm, "call g\n"); n != 1 {
		t.Errorf("got %d 'call g', want 1", n)
	}
}

func TestArithmetic(t *testing.T) {
	asm := compile(t, "int main() { return 7 / 2; }")
	wantContains(t, asm, "cltd", "idivl %ecx")

	asm = compile(t, "int main() { return 7 % 2; }")
	wantContains(t, asm, "idivl %ecx", "movl %edx, %eax")

	asm = compile(t, "int main() { return 1 + 2 * 3; }")
	wantContains(t, asm, "addl %ecx, %eax", "imull %ecx, %eax")

	asm = compile(t, "int main() { return -5; }")
	wantContains(t, asm, "negl %eax")
}

func TestComparisons(t *testing.T) {
	ops := map[string]string{
		"<":  "setl %al",
		">":  "setg %al",
		"<=": "setle %al",
		">=": "setge %al",
		"==": "sete %al",
		"!=": "setne %al",
	}
	for op, want := range ops {
		asm := compile(t, "int main() { return 1 "+op+" 2; }")
		wantContains(t, asm, "cmpl %ecx, %eax", want, "movzbl %al, %eax")
	}
}

func TestLogicalNot(t *testing.T) {
	asm := compile(t, "int main() { return !5; }")
	wantContains(t, asm, "cmpl $0, %eax", "sete %al", "movzbl %al, %eax")
}

func TestShortCircuit(t *testing.T) {
	asm := compile(t, "int f(); int main() { return 0 && f(); }")
	wantContains(t, asm, ".Lfalse0", "movl $1, %eax", "movl $0, %eax")
	// The left operand's zero test precedes the call to f.
	if strings.Index(asm, "je .Lfalse0") > strings.Index(asm, "call f") {
		t.Errorf("right operand evaluated before the short-circuit test:\n%s", asm)
	}

	asm = compile(t, "int f(); int main() { return 1 || f(); }")
	wantContains(t, asm, ".Ltrue", "jne .Ltrue")
}

func TestIndexing(t *testing.T) {
	asm := compile(t, "int main() { int a[4]; a[2] = 9; return a[2]; }")
	wantContains(t, asm,
		"movslq %eax, %rax",
		"shlq $2, %rax", // int elements scale by 4
		"addq %rcx, %rax",
		"movl %ecx, (%rax)",
		"movl (%rax), %eax",
	)

	asm = compile(t, "int main() { char b[4]; b[1] = 65; return b[1]; }")
	wantContains(t, asm, "movb %cl, (%rax)", "movsbl (%rax), %eax")
	wantNotContains(t, asm, "shlq") // char elements are not scaled
}

func TestPointerOps(t *testing.T) {
	asm := compile(t, `
int main() {
    int x;
    int *p;
    x = 3;
    p = &x;
    *p = 5;
    return *p;
}
`)
	wantContains(t, asm,
		"leaq -8(%rbp), %rax",   // &x
		"movq %rax, -16(%rbp)",  // pointer store
		"movq -16(%rbp), %rax",  // pointer load
		"movl %eax, (%rcx)",     // *p = 5
		"movl (%rax), %eax",     // read back through the pointer
	)
}

func TestArrayDecay(t *testing.T) {
	asm := compile(t, `
void f(int arr[], int n) { arr[0] = n; }
int main() { int a[2]; f(a, 1); return a[0]; }
`)
	// Passing the array takes its address; the decayed parameter is a
	// pointer and reloads with movq.
	funcPart := asm[strings.Index(asm, "f:"):strings.Index(asm, "main:")]
	wantContains(t, funcPart, "movq -8(%rbp), %rax")
	mainPart := asm[strings.Index(asm, "main:"):]
	wantContains(t, mainPart, "leaq -16(%rbp), %rax")
}

func TestControlFlow(t *testing.T) {
	asm := compile(t, "int main() { int x; x = 7; if (x > 5) return 1; else return 2; }")
	wantContains(t, asm, "cmpl $0, %eax", "je .Lelse", "jmp .Lend")

	asm = compile(t, "int main() { while (1) return 0; }")
	wantContains(t, asm, ".Lbegin0:", "je .Lend1", "jmp .Lbegin0")

	// All-empty for clauses loop unconditionally.
	asm = compile(t, "int main() { for (;;) return 0; }")
	wantNotContains(t, asm, "je ")
	wantContains(t, asm, "jmp .Lbegin")
}

func TestReturnWithoutValue(t *testing.T) {
	asm := compile(t, "void f() { return; } int main() { return 0; }")
	funcPart := asm[strings.Index(asm, "f:"):strings.Index(asm, "main:")]
	wantContains(t, funcPart, "movl $0, %eax")
}

func TestCodegenErrors(t *testing.T) {
	tests := []struct {
		src     string
		wantMsg string
	}{
		{"int main() { return y; }", "undefined identifier"},
		{"int main() { y = 1; return 0; }", "undefined identifier"},
		{"int main() { 1 = 2; return 0; }", "not assignable"},
		{"int main() { int a[2]; a = 1; return 0; }", "cannot assign to array"},
		{"int f() { return 0; } int main() { return f; }", "used as a value"},
		{"int main() { int x; return x[0]; }", "not an array or pointer"},
		{"int g = 1 + 2; int main() { return 0; }", "constant integer"},
		{"int f(int a, int b, int c, int d, int e, int g); int main() { return f(1,2,3,4,5,6,7); }", "arguments"},
	}
	for _, tt := range tests {
		_, err := tryCompile(tt.src)
		if err == nil {
			t.Errorf("compile(%q) succeeded, want error containing %q", tt.src, tt.wantMsg)
			continue
		}
		d, ok := err.(*util.Diagnostic)
		if !ok {
			t.Errorf("compile(%q) error is %T, want *util.Diagnostic", tt.src, err)
			continue
		}
		if !strings.Contains(d.Msg, tt.wantMsg) {
			t.Errorf("compile(%q) error %q does not contain %q", tt.src, d.Msg, tt.wantMsg)
		}
	}
}

func TestEndToEndScenariosCompile(t *testing.T) {
	files, err := os.ReadDir("../../testdata")
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range files {
		if !strings.HasSuffix(f.Name(), ".c") {
			continue
		}
		src, err := os.ReadFile("../../testdata/" + f.Name())
		if err != nil {
			t.Fatal(err)
		}
		if _, err := tryCompile(string(src)); err != nil {
			t.Errorf("%s does not compile: %v", f.Name(), err)
		}
	}
}
