//go:build !vmrelease

package thread

// DebugBuild is true unless the module is built with the vmrelease tag.
// Invariant checks and debug-only boundary wrappers are compiled away when
// it is false.
const DebugBuild = true
