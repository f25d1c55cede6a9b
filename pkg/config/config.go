// Package config carries the target properties and driver toggles threaded
// through the compilation pipeline.
package config

// Config describes the lowering target. Only x86-64 System V is supported,
// but the code generator reads every machine property from here rather than
// hard-coding it.
type Config struct {
	WordSize       int // bytes per stack slot and per pointer
	IntSize        int
	CharSize       int
	StackAlignment int
	ArgRegs        []string // integer argument registers, in ABI order

	// Driver toggles.
	DumpTokens bool
	DumpAST    bool
}

func NewConfig() *Config {
	return &Config{
		WordSize:       8,
		IntSize:        4,
		CharSize:       1,
		StackAlignment: 16,
		ArgRegs:        []string{"%rdi", "%rsi", "%rdx", "%rcx", "%r8", "%r9"},
	}
}

// MaxRegArgs is the number of arguments passed in registers. Calls and
// function definitions beyond this are rejected.
func (c *Config) MaxRegArgs() int { return len(c.ArgRegs) }
