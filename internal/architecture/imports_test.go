package architecture_test

import (
	"bufio"
	"fmt"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// layerRules lists, per internal/ layer, the sibling layers it must not import.
// Tests are exempt so they can wire real repos and services.
var layerRules = map[string][]string{
	"platform":      {"domain", "data", "ingest", "jobs", "realtime", "observability", "services", "http", "app"},
	"domain":        {"data", "ingest", "jobs", "realtime", "services", "http", "app"},
	"data":          {"ingest", "jobs", "realtime", "services", "http", "app"},
	"ingest":        {"data", "realtime", "services", "http", "app"},
	"jobs":          {"data", "realtime", "services", "http", "app"},
	"realtime":      {"data", "ingest", "jobs", "services", "http", "app"},
	"observability": {"ingest", "jobs", "services", "http", "app"},
	"services":      {"http", "app"},
	"http":          {"app"},
}

type importRef struct {
	file string
	imp  string
}

func TestImportBoundaries(t *testing.T) {
	modulePath, refs := moduleImports(t)
	internal := modulePath + "/internal/"

	var b strings.Builder
	for _, r := range refs {
		if !strings.HasPrefix(r.imp, internal) {
			continue
		}
		layer := layerFor(r.file)
		target := strings.SplitN(strings.TrimPrefix(r.imp, internal), "/", 2)[0]
		for _, bad := range layerRules[layer] {
			if target == bad {
				fmt.Fprintf(&b, "- %s (%s) imports %q\n", r.file, layer, r.imp)
				break
			}
		}
	}
	if b.Len() > 0 {
		t.Fatal("import boundary violations:\n" + b.String())
	}
}

func TestAppImportedOnlyByCommands(t *testing.T) {
	modulePath, refs := moduleImports(t)
	appPkg := modulePath + "/internal/app"

	var b strings.Builder
	for _, r := range refs {
		if r.imp != appPkg || strings.HasPrefix(r.file, "cmd/") || layerFor(r.file) == "app" {
			continue
		}
		fmt.Fprintf(&b, "- %s\n", r.file)
	}
	if b.Len() > 0 {
		t.Fatal("internal/app is the composition root; imported by:\n" + b.String())
	}
}

func layerFor(rel string) string {
	if !strings.HasPrefix(rel, "internal/") {
		return ""
	}
	return strings.SplitN(strings.TrimPrefix(rel, "internal/"), "/", 2)[0]
}

// moduleImports parses every non-test .go file under internal/ and cmd/.
func moduleImports(t *testing.T) (string, []importRef) {
	t.Helper()
	start, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	root, err := findModuleRoot(start)
	if err != nil {
		t.Fatalf("find module root: %v", err)
	}
	modulePath, err := readModulePath(filepath.Join(root, "go.mod"))
	if err != nil {
		t.Fatalf("read module path: %v", err)
	}

	fset := token.NewFileSet()
	var refs []importRef
	for _, dir := range []string{"internal", "cmd"} {
		err := filepath.WalkDir(filepath.Join(root, dir), func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			f, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
			if err != nil {
				return err
			}
			for _, spec := range f.Imports {
				imp, err := strconv.Unquote(spec.Path.Value)
				if err != nil {
					continue
				}
				refs = append(refs, importRef{file: filepath.ToSlash(rel), imp: imp})
			}
			return nil
		})
		if err != nil {
			t.Fatalf("walk %s/: %v", dir, err)
		}
	}
	return modulePath, refs
}

func findModuleRoot(start string) (string, error) {
	for dir := start; ; {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found from %s", start)
		}
		dir = parent
	}
}

func readModulePath(goModPath string) (string, error) {
	f, err := os.Open(goModPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if mp, ok := strings.CutPrefix(line, "module "); ok {
			if mp = strings.TrimSpace(mp); mp == "" {
				return "", fmt.Errorf("empty module path in %s", goModPath)
			}
			return mp, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("module path not found in %s", goModPath)
}
