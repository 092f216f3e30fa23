package log

import (
	"bytes"
	"fmt"
	"runtime/debug"

	"github.com/rs/zerolog"
)

// Panic records a recovered value with the stack of the goroutine that panicked,
// starting at the frame that called panic.
func Panic(thing any) func(e *zerolog.Event) {
	return func(e *zerolog.Event) {
		dict := zerolog.Dict().Str("type", fmt.Sprintf("%T", thing))
		switch v := thing.(type) {
		case error:
			dict.Str("content", v.Error()).Func(Flaw(v))
		case fmt.Stringer:
			dict.Str("content", v.String())
		default:
			dict.Any("content", thing)
		}
		dict.Bytes("stack_traces", panickingFrames(debug.Stack()))
		e.Dict("panic", dict)
	}
}

// panickingFrames drops the goroutine header and the runtime frames up to and including
// panic itself. The whole stack is returned when no panic frame is present.
func panickingFrames(stack []byte) []byte {
	lines := bytes.Split(bytes.TrimSpace(stack), []byte("\n"))
	for i, line := range lines {
		// Each frame is a function line followed by its file:line.
		if bytes.HasPrefix(line, []byte("panic(")) && i+2 < len(lines) {
			return bytes.Join(lines[i+2:], []byte("\n"))
		}
	}
	return stack
}
