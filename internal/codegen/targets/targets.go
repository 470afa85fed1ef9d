// Package targets links every code generation backend into the binary.
package targets

import (
	_ "github.com/tinyrange/jit/internal/codegen/amd64"
	_ "github.com/tinyrange/jit/internal/codegen/arm64"
)
