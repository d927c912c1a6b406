// Package sandbox validates and runs untrusted extraction snippets.
//
// A snippet is Go source defining
//
//	func ExtractData(htmlContent string) map[string]any
//
// in package main. The Validator checks it structurally against an import
// allowlist before anything runs; the Executor interprets it with yaegi in a
// fresh interpreter per call under a wall-clock deadline.
package sandbox

import (
	"fmt"
	"sort"
	"strings"
)

const (
	// EntryPoint is the function every snippet must define.
	EntryPoint = "ExtractData"
	// EntryParam is the required name of its single parameter.
	EntryParam = "htmlContent"
)

// Capability groups allowlisted modules by what they grant.
type Capability int

const (
	CapabilityHTML Capability = iota
	CapabilityHTTP
	CapabilityCoercion
	CapabilityStdlib
)

func (c Capability) String() string {
	switch c {
	case CapabilityHTML:
		return "html_parsing"
	case CapabilityHTTP:
		return "http_client"
	case CapabilityCoercion:
		return "coercion"
	case CapabilityStdlib:
		return "stdlib"
	default:
		return "unknown"
	}
}

// allowlist is the closed set of modules a snippet may ever import.
// Configuration can narrow it but never add to it.
var allowlist = map[string]Capability{
	"golang.org/x/net/html":      CapabilityHTML,
	"golang.org/x/net/html/atom": CapabilityHTML,

	"net/http": CapabilityHTTP,
	"net/url":  CapabilityHTTP,

	"github.com/spf13/cast": CapabilityCoercion,

	"bytes":         CapabilityStdlib,
	"encoding/json": CapabilityStdlib,
	"errors":        CapabilityStdlib,
	"fmt":           CapabilityStdlib,
	"html":          CapabilityStdlib,
	"io":            CapabilityStdlib,
	"math":          CapabilityStdlib,
	"regexp":        CapabilityStdlib,
	"sort":          CapabilityStdlib,
	"strconv":       CapabilityStdlib,
	"strings":       CapabilityStdlib,
	"time":          CapabilityStdlib,
	"unicode":       CapabilityStdlib,
	"unicode/utf8":  CapabilityStdlib,
}

// neverAllowed documents the capabilities the allowlist must not grow into.
var neverAllowed = []string{
	"C", "os", "os/exec", "os/signal", "syscall", "unsafe", "plugin", "reflect",
	"runtime", "runtime/debug", "io/ioutil", "io/fs", "path/filepath", "net",
	"github.com/traefik/yaegi",
}

// Policy is the import allowlist and size limit shared by validator and executor.
type Policy struct {
	allowed         map[string]bool
	MaxSnippetBytes int
}

// DefaultPolicy allows the full allowlist.
func DefaultPolicy() Policy {
	allowed := make(map[string]bool, len(allowlist))
	for path := range allowlist {
		allowed[path] = true
	}
	return Policy{allowed: allowed, MaxSnippetBytes: 64 * 1024}
}

// NewPolicy narrows the allowlist to paths. An empty list means the full
// allowlist. Paths outside the allowlist are an error.
func NewPolicy(paths []string, maxSnippetBytes int) (Policy, error) {
	p := DefaultPolicy()
	if maxSnippetBytes > 0 {
		p.MaxSnippetBytes = maxSnippetBytes
	}
	if len(paths) == 0 {
		return p, nil
	}

	narrowed := make(map[string]bool, len(paths))
	for _, path := range paths {
		if _, ok := allowlist[path]; !ok {
			return Policy{}, fmt.Errorf("sandbox: %q is not an allowlistable module", path)
		}
		narrowed[path] = true
	}
	p.allowed = narrowed
	return p, nil
}

// Allows reports whether a snippet may import path.
func (p Policy) Allows(path string) bool {
	return p.allowed[path]
}

// Allowed returns the sorted allowed import paths.
func (p Policy) Allowed() []string {
	out := make([]string, 0, len(p.allowed))
	for path := range p.allowed {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

// CapabilityOf returns the capability class of an allowlisted path.
func CapabilityOf(path string) (Capability, bool) {
	c, ok := allowlist[path]
	return c, ok
}

// Normalize adds a package clause to snippets that omit it.
func Normalize(src string) string {
	if hasPackageClause(src) {
		return src
	}
	return "package main\n\n" + src
}

func hasPackageClause(src string) bool {
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "//") {
			continue
		}
		return strings.HasPrefix(trimmed, "package ")
	}
	return false
}
