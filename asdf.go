// Package asdf reads and writes ASDF files: a hybrid container format
// pairing a textual YAML 1.1 tree with a sequence of binary blocks
// referenced from the tree by integer index.
//
// The typical read path is Open → Get*/typed value accessors → (for
// ndarrays) block data access. The write path builds values bound to a
// File and hands them to the emitter via WriteTo or WriteFile.
package asdf

// Format versions written by default and accepted on read.
const (
	VersionDefault         = "1.0.0"
	StandardVersionDefault = "1.6.0"
)

// CoreTagPrefix is the tag prefix the default "!" handle expands to.
const CoreTagPrefix = "tag:stsci.edu:asdf/"
