package sandbox

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strconv"

	"hikugen/internal/failure"
	"hikugen/internal/logging"
)

// Validator statically checks snippets before any execution.
type Validator struct {
	policy Policy
}

// Report summarizes what the validator saw in a snippet.
type Report struct {
	Imports   []string
	Functions []string
	Returns   int
}

// NewValidator creates a validator enforcing policy.
func NewValidator(policy Policy) *Validator {
	return &Validator{policy: policy}
}

// Validate returns nil if the snippet may be executed, or a *failure.Failure
// of kind SyntaxInvalid, ForbiddenImport, SignatureInvalid or MissingReturn.
func (v *Validator) Validate(src string) error {
	_, err := v.Inspect(src)
	return err
}

// Inspect validates src and returns what it found. The report is partial
// when validation fails.
func (v *Validator) Inspect(src string) (*Report, error) {
	report := &Report{}

	if v.policy.MaxSnippetBytes > 0 && len(src) > v.policy.MaxSnippetBytes {
		return report, failure.New(failure.SyntaxInvalid,
			"snippet is %d bytes, limit is %d", len(src), v.policy.MaxSnippetBytes)
	}

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "snippet.go", Normalize(src), parser.SkipObjectResolution)
	if err != nil {
		return report, failure.Wrap(failure.SyntaxInvalid, err, "snippet does not parse: %v", err)
	}
	if file.Name.Name != "main" {
		return report, failure.New(failure.SyntaxInvalid, "snippet must be in package main, got %q", file.Name.Name)
	}

	// Imports: the allowlist is the security boundary.
	for _, imp := range file.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			return report, failure.Wrap(failure.SyntaxInvalid, err, "bad import path %s", imp.Path.Value)
		}
		report.Imports = append(report.Imports, path)
		if !v.policy.Allows(path) {
			logging.SandboxDebug("rejected import %q", path)
			return report, failure.Forbidden(path)
		}
	}

	// Goroutines outlive the worker's recover; a panic in one kills the host.
	if line := firstGoStmt(fset, file); line > 0 {
		return report, failure.New(failure.SyntaxInvalid, "go statement at line %d: goroutines are not allowed", line)
	}

	// Signature: exactly one top-level ExtractData(htmlContent).
	var entries []*ast.FuncDecl
	for _, decl := range file.Decls {
		fd, ok := decl.(*ast.FuncDecl)
		if !ok {
			continue
		}
		report.Functions = append(report.Functions, fd.Name.Name)
		if fd.Name.Name == EntryPoint {
			entries = append(entries, fd)
		}
	}
	switch len(entries) {
	case 0:
		return report, failure.New(failure.SignatureInvalid, "no function named %s", EntryPoint)
	case 1:
	default:
		return report, failure.New(failure.SignatureInvalid, "%d functions named %s, want exactly one", len(entries), EntryPoint)
	}

	fn := entries[0]
	if err := checkSignature(fset, fn); err != nil {
		return report, err
	}

	// Returns: textual check, not control-flow analysis.
	report.Returns = countValueReturns(fn.Body)
	if report.Returns == 0 {
		return report, failure.New(failure.MissingReturn, "%s never returns a value", EntryPoint)
	}

	return report, nil
}

func checkSignature(fset *token.FileSet, fn *ast.FuncDecl) error {
	where := fset.Position(fn.Pos())
	if fn.Recv != nil {
		return failure.New(failure.SignatureInvalid, "%s at line %d must be a function, not a method", EntryPoint, where.Line)
	}
	if fn.Type.TypeParams != nil && len(fn.Type.TypeParams.List) > 0 {
		return failure.New(failure.SignatureInvalid, "%s must not be generic", EntryPoint)
	}

	var names []string
	for _, field := range fn.Type.Params.List {
		if len(field.Names) == 0 {
			names = append(names, "_")
			continue
		}
		for _, n := range field.Names {
			names = append(names, n.Name)
		}
	}
	if len(names) != 1 || names[0] != EntryParam {
		return failure.New(failure.SignatureInvalid,
			"%s must take exactly one parameter named %s, got %v", EntryPoint, EntryParam, names)
	}
	if _, variadic := fn.Type.Params.List[0].Type.(*ast.Ellipsis); variadic {
		return failure.New(failure.SignatureInvalid, "%s parameter must not be variadic", EntryPoint)
	}

	results := 0
	if fn.Type.Results != nil {
		for _, field := range fn.Type.Results.List {
			if len(field.Names) == 0 {
				results++
			} else {
				results += len(field.Names)
			}
		}
	}
	if results != 1 {
		return failure.New(failure.SignatureInvalid,
			"%s must return exactly one value (a map), got %d", EntryPoint, results)
	}
	if fn.Body == nil {
		return failure.New(failure.MissingReturn, "%s has no body", EntryPoint)
	}
	return nil
}

// firstGoStmt returns the line of the first go statement in file, or 0.
func firstGoStmt(fset *token.FileSet, file *ast.File) int {
	line := 0
	ast.Inspect(file, func(n ast.Node) bool {
		if line > 0 {
			return false
		}
		if g, ok := n.(*ast.GoStmt); ok {
			line = fset.Position(g.Go).Line
			return false
		}
		return true
	})
	return line
}

// countValueReturns counts return statements with a value in body, skipping
// nested function literals.
func countValueReturns(body *ast.BlockStmt) int {
	if body == nil {
		return 0
	}
	count := 0
	ast.Inspect(body, func(n ast.Node) bool {
		switch node := n.(type) {
		case *ast.FuncLit:
			return false
		case *ast.ReturnStmt:
			if len(node.Results) > 0 {
				count++
			}
		}
		return true
	})
	return count
}

// String renders the report for the CLI.
func (r *Report) String() string {
	return fmt.Sprintf("imports=%v functions=%v value_returns=%d", r.Imports, r.Functions, r.Returns)
}
