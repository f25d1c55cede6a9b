package main

import (
	"fmt"
	"os"
	"os/exec"

	"gmcc/pkg/ast"
	"gmcc/pkg/cli"
	"gmcc/pkg/codegen"
	"gmcc/pkg/config"
	"gmcc/pkg/lexer"
	"gmcc/pkg/parser"
	"gmcc/pkg/util"
)

func main() {
	app := cli.NewApp("gmcc")
	app.Synopsis = "[options] <input.c>"
	app.Description = "A compiler for a small subset of C, targeting x86-64 System V assembly in GNU syntax. Assembly goes to standard output unless told otherwise."

	var (
		outFile    string
		binFile    string
		dumpTokens bool
		dumpAST    bool
	)

	cfg := config.NewConfig()
	fs := app.FlagSet
	fs.String(&outFile, "output", "o", "-", "Write the assembly to <file> instead of standard output.")
	fs.String(&binFile, "bin", "b", "", "Assemble and link into the executable <file> using the system cc.")
	fs.Bool(&dumpTokens, "dump-tokens", "", false, "Dump the token stream and exit.")
	fs.Bool(&dumpAST, "dump-ast", "", false, "Dump the syntax tree and exit.")

	app.Action = func(inputFiles []string) error {
		if len(inputFiles) != 1 {
			fmt.Fprintln(os.Stderr, "gmcc: expected exactly one input file")
			os.Exit(1)
		}
		cfg.DumpTokens = dumpTokens
		cfg.DumpAST = dumpAST

		content, err := os.ReadFile(inputFiles[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "gmcc: could not read '%s': %v\n", inputFiles[0], err)
			os.Exit(1)
		}
		source := string(content)

		asm, err := compile(source, cfg)
		if err != nil {
			util.Report(os.Stderr, source, err)
			os.Exit(1)
		}
		if cfg.DumpTokens || cfg.DumpAST {
			return nil
		}

		if binFile != "" {
			if err := assembleAndLink(binFile, asm); err != nil {
				fmt.Fprintf(os.Stderr, "gmcc: %v\n", err)
				os.Exit(1)
			}
			return nil
		}
		if outFile == "-" {
			fmt.Print(asm)
			return nil
		}
		if err := os.WriteFile(outFile, []byte(asm), 0644); err != nil {
			fmt.Fprintf(os.Stderr, "gmcc: could not write '%s': %v\n", outFile, err)
			os.Exit(1)
		}
		return nil
	}

	if err := app.Run(os.Args[1:]); err != nil {
		os.Exit(1)
	}
}

// compile runs the three pipeline stages over an in-memory source string.
func compile(source string, cfg *config.Config) (string, error) {
	tokens, err := lexer.Scan(source)
	if err != nil {
		return "", err
	}
	if cfg.DumpTokens {
		for _, tok := range tokens {
			fmt.Printf("%d:%d\t%s\t%s\n", tok.Line, tok.Column, tok.Type, tok.Value)
		}
		return "", nil
	}

	p := parser.NewParser(tokens)
	prog, err := p.Parse()
	if err != nil {
		return "", err
	}
	if cfg.DumpAST {
		ast.Fprint(os.Stdout, prog)
		return "", nil
	}

	gen := codegen.NewContext(cfg)
	return gen.Generate(prog)
}

func assembleAndLink(outFile, asm string) error {
	asmFile, err := os.CreateTemp("", "gmcc-*.s")
	if err != nil {
		return fmt.Errorf("failed to create temp file for assembly: %w", err)
	}
	defer os.Remove(asmFile.Name())
	if _, err := asmFile.WriteString(asm); err != nil {
		return fmt.Errorf("failed to write temp assembly: %w", err)
	}
	asmFile.Close()

	cmd := exec.Command("cc", "-no-pie", "-o", outFile, asmFile.Name())
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("cc failed: %w\n%s", err, string(output))
	}
	return nil
}
