package sandbox

import (
	"net/http"
	"reflect"
	"strings"

	"github.com/spf13/cast"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Export tables for the non-stdlib allowlisted modules, plus curated
// replacements for stdlib packages that are only partly safe. Keys follow
// yaegi's "import/path/pkgname" convention.
var extraSymbols = map[string]map[string]reflect.Value{
	// Client side only: no Dir, FS, FileServer, ServeFile or listeners.
	"net/http/http": {
		"CanonicalHeaderKey":    reflect.ValueOf(http.CanonicalHeaderKey),
		"DetectContentType":     reflect.ValueOf(http.DetectContentType),
		"Get":                   reflect.ValueOf(http.Get),
		"Head":                  reflect.ValueOf(http.Head),
		"NewRequest":            reflect.ValueOf(http.NewRequest),
		"NewRequestWithContext": reflect.ValueOf(http.NewRequestWithContext),
		"Post":                  reflect.ValueOf(http.Post),
		"StatusText":            reflect.ValueOf(http.StatusText),
		"DefaultClient":         reflect.ValueOf(&http.DefaultClient).Elem(),
		"ErrNoCookie":           reflect.ValueOf(&http.ErrNoCookie).Elem(),

		"MethodGet":  reflect.ValueOf(http.MethodGet),
		"MethodHead": reflect.ValueOf(http.MethodHead),
		"MethodPost": reflect.ValueOf(http.MethodPost),

		"StatusOK":                  reflect.ValueOf(http.StatusOK),
		"StatusNoContent":           reflect.ValueOf(http.StatusNoContent),
		"StatusMovedPermanently":    reflect.ValueOf(http.StatusMovedPermanently),
		"StatusFound":               reflect.ValueOf(http.StatusFound),
		"StatusNotModified":         reflect.ValueOf(http.StatusNotModified),
		"StatusBadRequest":          reflect.ValueOf(http.StatusBadRequest),
		"StatusUnauthorized":        reflect.ValueOf(http.StatusUnauthorized),
		"StatusForbidden":           reflect.ValueOf(http.StatusForbidden),
		"StatusNotFound":            reflect.ValueOf(http.StatusNotFound),
		"StatusTooManyRequests":     reflect.ValueOf(http.StatusTooManyRequests),
		"StatusInternalServerError": reflect.ValueOf(http.StatusInternalServerError),
		"StatusServiceUnavailable":  reflect.ValueOf(http.StatusServiceUnavailable),

		"Client":   reflect.ValueOf((*http.Client)(nil)),
		"Cookie":   reflect.ValueOf((*http.Cookie)(nil)),
		"Header":   reflect.ValueOf((*http.Header)(nil)),
		"Request":  reflect.ValueOf((*http.Request)(nil)),
		"Response": reflect.ValueOf((*http.Response)(nil)),
	},

	"golang.org/x/net/html/html": {
		// functions
		"EscapeString":         reflect.ValueOf(html.EscapeString),
		"NewTokenizer":         reflect.ValueOf(html.NewTokenizer),
		"NewTokenizerFragment": reflect.ValueOf(html.NewTokenizerFragment),
		"Parse":                reflect.ValueOf(html.Parse),
		"ParseFragment":        reflect.ValueOf(html.ParseFragment),
		"Render":               reflect.ValueOf(html.Render),
		"UnescapeString":       reflect.ValueOf(html.UnescapeString),

		// node types
		"ErrorNode":    reflect.ValueOf(html.ErrorNode),
		"TextNode":     reflect.ValueOf(html.TextNode),
		"DocumentNode": reflect.ValueOf(html.DocumentNode),
		"ElementNode":  reflect.ValueOf(html.ElementNode),
		"CommentNode":  reflect.ValueOf(html.CommentNode),
		"DoctypeNode":  reflect.ValueOf(html.DoctypeNode),
		"RawNode":      reflect.ValueOf(html.RawNode),

		// token types
		"ErrorToken":          reflect.ValueOf(html.ErrorToken),
		"TextToken":           reflect.ValueOf(html.TextToken),
		"StartTagToken":       reflect.ValueOf(html.StartTagToken),
		"EndTagToken":         reflect.ValueOf(html.EndTagToken),
		"SelfClosingTagToken": reflect.ValueOf(html.SelfClosingTagToken),
		"CommentToken":        reflect.ValueOf(html.CommentToken),
		"DoctypeToken":        reflect.ValueOf(html.DoctypeToken),

		// types
		"Attribute": reflect.ValueOf((*html.Attribute)(nil)),
		"Node":      reflect.ValueOf((*html.Node)(nil)),
		"NodeType":  reflect.ValueOf((*html.NodeType)(nil)),
		"Token":     reflect.ValueOf((*html.Token)(nil)),
		"TokenType": reflect.ValueOf((*html.TokenType)(nil)),
		"Tokenizer": reflect.ValueOf((*html.Tokenizer)(nil)),
	},

	"golang.org/x/net/html/atom/atom": {
		"Lookup": reflect.ValueOf(atom.Lookup),
		"String": reflect.ValueOf(atom.String),
		"Atom":   reflect.ValueOf((*atom.Atom)(nil)),

		"A":      reflect.ValueOf(atom.A),
		"Body":   reflect.ValueOf(atom.Body),
		"Div":    reflect.ValueOf(atom.Div),
		"H1":     reflect.ValueOf(atom.H1),
		"H2":     reflect.ValueOf(atom.H2),
		"H3":     reflect.ValueOf(atom.H3),
		"Head":   reflect.ValueOf(atom.Head),
		"Img":    reflect.ValueOf(atom.Img),
		"Li":     reflect.ValueOf(atom.Li),
		"Meta":   reflect.ValueOf(atom.Meta),
		"P":      reflect.ValueOf(atom.P),
		"Script": reflect.ValueOf(atom.Script),
		"Span":   reflect.ValueOf(atom.Span),
		"Style":  reflect.ValueOf(atom.Style),
		"Table":  reflect.ValueOf(atom.Table),
		"Td":     reflect.ValueOf(atom.Td),
		"Th":     reflect.ValueOf(atom.Th),
		"Title":  reflect.ValueOf(atom.Title),
		"Tr":     reflect.ValueOf(atom.Tr),
		"Ul":     reflect.ValueOf(atom.Ul),
	},

	"github.com/spf13/cast/cast": {
		"ToBool":        reflect.ValueOf(cast.ToBool),
		"ToBoolE":       reflect.ValueOf(cast.ToBoolE),
		"ToFloat64":     reflect.ValueOf(cast.ToFloat64),
		"ToFloat64E":    reflect.ValueOf(cast.ToFloat64E),
		"ToInt":         reflect.ValueOf(cast.ToInt),
		"ToIntE":        reflect.ValueOf(cast.ToIntE),
		"ToInt64":       reflect.ValueOf(cast.ToInt64),
		"ToInt64E":      reflect.ValueOf(cast.ToInt64E),
		"ToString":      reflect.ValueOf(cast.ToString),
		"ToStringE":     reflect.ValueOf(cast.ToStringE),
		"ToStringSlice": reflect.ValueOf(cast.ToStringSlice),
	},
}

// symbolsFor builds the export table a fresh interpreter is given: only
// packages the policy allows are present, so an import that slipped past
// validation still fails to resolve. A curated table replaces the stdlib one
// under the same key.
func symbolsFor(p Policy) interp.Exports {
	out := make(interp.Exports)
	for key, syms := range stdlib.Symbols {
		if _, curated := extraSymbols[key]; curated {
			continue
		}
		if p.Allows(importPath(key)) {
			out[key] = syms
		}
	}
	for key, syms := range extraSymbols {
		if p.Allows(importPath(key)) {
			out[key] = syms
		}
	}
	return out
}

// importPath strips the trailing package name from a yaegi symbol key.
func importPath(key string) string {
	if i := strings.LastIndex(key, "/"); i > 0 {
		return key[:i]
	}
	return key
}
