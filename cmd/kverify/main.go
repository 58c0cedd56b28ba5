// Command kverify guards the kernel's verified core. Functions carrying a
// "//kaal:verified" marker in their doc comment implement algorithms that
// must stay bit-for-bit identical to their audited form (the bitmap scan,
// rights containment, CDT revoke ordering); the marker optionally pins a
// content hash, and this checker flags any drift.
//
// Usage:
//
//	kverify ./...
//
// A marker without a pinned hash is reported together with the hash to
// pin, so adopting the discipline for a new function is one edit. A
// pinned function whose body bytes no longer match its hash is an error:
// either revert the change or re-audit and re-pin.
package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"go/ast"
	"os"
	"strings"

	"golang.org/x/tools/go/analysis"
	"golang.org/x/tools/go/analysis/singlechecker"
)

const marker = "kaal:verified"

var analyzer = &analysis.Analyzer{
	Name: "kverify",
	Doc:  "check that functions marked kaal:verified still match their pinned content hash",
	Run:  run,
}

func main() {
	singlechecker.Main(analyzer)
}

func run(pass *analysis.Pass) (interface{}, error) {
	for _, file := range pass.Files {
		var src []byte
		for _, decl := range file.Decls {
			fn, ok := decl.(*ast.FuncDecl)
			if !ok || fn.Doc == nil {
				continue
			}
			pinned, found := markerHash(fn.Doc)
			if !found {
				continue
			}
			if src == nil {
				name := pass.Fset.File(file.Pos()).Name()
				b, err := os.ReadFile(name)
				if err != nil {
					return nil, fmt.Errorf("kverify: %s: %v", name, err)
				}
				src = b
			}
			got := hashFunc(pass, src, fn)
			switch {
			case pinned == "":
				pass.Reportf(fn.Pos(), "%s is marked %s but has no pinned hash; pin with //%s sha256:%s",
					fn.Name.Name, marker, marker, got)
			case pinned != got:
				pass.Reportf(fn.Pos(), "%s drifted from its verified form: body hash %s, pinned %s",
					fn.Name.Name, got, pinned)
			}
		}
	}
	return nil, nil
}

// markerHash scans a doc comment for the marker line, returning the pinned
// hash ("" if the marker is bare) and whether the marker is present.
func markerHash(doc *ast.CommentGroup) (string, bool) {
	for _, c := range doc.List {
		text := strings.TrimPrefix(c.Text, "//")
		text = strings.TrimSpace(text)
		if !strings.HasPrefix(text, marker) {
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(text, marker))
		if h, ok := strings.CutPrefix(rest, "sha256:"); ok {
			return strings.TrimSpace(h), true
		}
		return "", true
	}
	return "", false
}

// hashFunc hashes the function's source bytes from the func keyword to the
// closing brace. The doc comment is deliberately excluded so documentation
// can improve without re-auditing the algorithm.
func hashFunc(pass *analysis.Pass, src []byte, fn *ast.FuncDecl) string {
	tf := pass.Fset.File(fn.Pos())
	start, end := tf.Offset(fn.Pos()), tf.Offset(fn.End())
	if start < 0 || end > len(src) || start >= end {
		return ""
	}
	sum := sha256.Sum256(src[start:end])
	return hex.EncodeToString(sum[:8])
}
