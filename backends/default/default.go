// Package _default includes the default backends, namely the interpreter and the jit.
//
// To use it simply include:
//
//	import _ "github.com/xrick/glow/backends/default"
//
// If you add the tag `nojit` it will not include the jit backend.
package _default

import (
	_ "github.com/xrick/glow/backends/interpreter"
)
