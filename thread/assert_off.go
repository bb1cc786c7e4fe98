//go:build vmrelease

package thread

// DebugBuild is true unless the module is built with the vmrelease tag.
const DebugBuild = false
