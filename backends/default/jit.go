//go:build !nojit

package _default

import _ "github.com/xrick/glow/backends/jit"
