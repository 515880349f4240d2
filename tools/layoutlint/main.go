package main

import (
	"flag"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strings"
)

// layoutLint checks that on-disk records are only encoded in layout.go and
// that the status region is only written through the Queue commit helpers
func main() {
	var dir = flag.String("dir", ".", "directory to analyze")
	flag.Parse()

	var allIssues []string

	err := filepath.Walk(*dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() && path != *dir && (strings.HasPrefix(info.Name(), "_") || strings.HasPrefix(info.Name(), ".")) {
			return filepath.SkipDir
		}
		if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}

		allIssues = append(allIssues, checkFile(path)...)
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	for _, issue := range allIssues {
		fmt.Println(issue)
	}
	if len(allIssues) > 0 {
		os.Exit(1)
	}
}

// statusWriters may write the status region directly
var statusWriters = map[string]bool{
	"commitHeader": true,
	"writeSlot":    true,
}

func checkFile(filename string) []string {
	fset := token.NewFileSet()
	node, err := parser.ParseFile(fset, filename, nil, parser.ParseComments)
	if err != nil {
		return nil
	}

	base := filepath.Base(filename)
	var issues []string
	var currentFunc string

	ast.Inspect(node, func(n ast.Node) bool {
		switch x := n.(type) {
		case *ast.FuncDecl:
			if x.Name != nil {
				currentFunc = x.Name.Name
			}
		case *ast.SelectorExpr:
			if ident, ok := x.X.(*ast.Ident); ok && ident.Name == "binary" && base != "layout.go" {
				pos := fset.Position(x.Pos())
				issues = append(issues, fmt.Sprintf("%s:%d:%d: binary.%s outside layout.go, add an encoder there instead",
					filename, pos.Line, pos.Column, x.Sel.Name))
			}
		case *ast.CallExpr:
			if isStatusWrite(x) && !statusWriters[currentFunc] {
				pos := fset.Position(x.Pos())
				issues = append(issues, fmt.Sprintf("%s:%d:%d: status region written in %s, use commitHeader or writeSlot",
					filename, pos.Line, pos.Column, currentFunc))
			}
		}
		return true
	})

	return issues
}

// isStatusWrite matches <expr>.WriteAt(StatusBuffer, ...) and <expr>.Write(StatusBuffer, ...)
func isStatusWrite(call *ast.CallExpr) bool {
	sel, ok := call.Fun.(*ast.SelectorExpr)
	if !ok || (sel.Sel.Name != "WriteAt" && sel.Sel.Name != "Write") || len(call.Args) == 0 {
		return false
	}
	arg, ok := call.Args[0].(*ast.Ident)
	return ok && arg.Name == "StatusBuffer"
}
