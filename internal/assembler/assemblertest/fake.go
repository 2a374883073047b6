// Package assemblertest provides a fake assembler tool for tests. The fake is
// a POSIX shell script, so callers skip on Windows.
package assemblertest

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// script reports a fixed version and, when asked to build, writes a launcher
// named after the lift manifest into --dest-dir. The launcher carries the
// manifest as trailing comments. Setting FAKE_SCIENCE_FAIL
// to a platform token makes builds for that platform fail.
const script = `#!/bin/sh
if [ "$1" = "--version" ]; then
  echo "%s"
  exit 0
fi
dest=""
manifest=""
while [ $# -gt 0 ]; do
  case "$1" in
    --dest-dir) dest="$2"; shift 2 ;;
    --file) shift 2 ;;
    lift|build) shift ;;
    *) manifest="$1"; shift ;;
  esac
done
if [ -z "$dest" ] || [ ! -f "$manifest" ]; then
  echo "usage: lift --file name=path build --dest-dir DIR MANIFEST" >&2
  exit 2
fi
name=$(sed -n 's/^name = "\(.*\)"$/\1/p' "$manifest" | head -n 1)
plat=$(sed -n 's/^platforms = \["\([^"]*\)".*$/\1/p' "$manifest" | head -n 1)
if [ -n "$FAKE_SCIENCE_FAIL" ] && [ "$FAKE_SCIENCE_FAIL" = "$plat" ]; then
  echo "cannot build for $plat" >&2
  exit 1
fi
case "$plat" in
  windows-*) name="$name.exe" ;;
esac
printf '#!/bin/sh\necho "scie %%s for %%s"\n' "$name" "$plat" > "$dest/$name"
sed 's/^/# /' "$manifest" >> "$dest/$name"
echo "Wrote $dest/$name"
`

// Script returns the fake tool source reporting version.
func Script(version string) []byte {
	return []byte(fmt.Sprintf(script, version))
}

// Write writes an executable fake tool reporting version into dir and
// returns its path.
func Write(t testing.TB, dir, version string) string {
	t.Helper()
	SkipOnWindows(t)
	path := filepath.Join(dir, "science")
	if err := os.WriteFile(path, Script(version), 0o755); err != nil {
		t.Fatalf("write fake science: %v", err)
	}
	return path
}

func SkipOnWindows(t testing.TB) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake assembler is a shell script")
	}
}
