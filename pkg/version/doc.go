// Package version provides small, dependency-free helpers for dotted numeric
// versions as used by interpreter distributions and the assembler tool.
//
// Version model
//   - Versions are "MAJOR[.MINOR[.PATCH]]", optionally prefixed with "v"
//     (e.g. "v0.4.0") and optionally carrying "+build" metadata, which is ignored.
//   - A partial version ("3.10") is a constraint: it matches every concrete
//     version that agrees on the components it names.
//   - Missing components compare as zero, so a floor of "0.3" equals "0.3.0".
package version
