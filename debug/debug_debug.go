//go:build debug

package debug

// Debug reports whether the module was built with the debug tag
const Debug = true
