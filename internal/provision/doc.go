// Package provision resolves python-build-standalone interpreter
// distributions: it computes asset filenames and URLs, selects a concrete
// version for a partial constraint from a release index, applies filename
// keyed URL overrides, and fetches verified assets.
package provision
