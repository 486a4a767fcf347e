// Package template implements the small ${...} expression language used by
// additionalHeaders. Expressions resolve against a fixed symbol table;
// unresolved references expand to the empty string.
package template

import (
	"net/http"
	"strings"

	"github.com/fossabot/otoroshi/internal/model"
)

// Context carries the values the symbol table can reach.
type Context struct {
	ApiKey  *model.ApiKey
	User    *model.PrivateAppsUser
	Request *http.Request
}

// Expand interpolates every ${name} reference in the template.
func Expand(template string, ctx *Context) string {
	if !strings.Contains(template, "${") {
		return template
	}

	var b strings.Builder
	b.Grow(len(template))
	for {
		start := strings.Index(template, "${")
		if start < 0 {
			b.WriteString(template)
			return b.String()
		}
		end := strings.Index(template[start:], "}")
		if end < 0 {
			b.WriteString(template)
			return b.String()
		}
		b.WriteString(template[:start])
		name := template[start+2 : start+end]
		b.WriteString(resolve(name, ctx))
		template = template[start+end+1:]
	}
}

// ExpandMap expands every value of a header map.
func ExpandMap(headers map[string]string, ctx *Context) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[k] = Expand(v, ctx)
	}
	return out
}

// resolve looks a symbol up. Unknown symbols resolve to "".
func resolve(name string, ctx *Context) string {
	if ctx == nil {
		return ""
	}
	switch {
	case name == "apikey.name":
		if ctx.ApiKey != nil {
			return ctx.ApiKey.ClientName
		}
	case name == "apikey.id":
		if ctx.ApiKey != nil {
			return ctx.ApiKey.ClientID
		}
	case strings.HasPrefix(name, "apikey.metadata."):
		if ctx.ApiKey != nil {
			return ctx.ApiKey.Metadata[strings.TrimPrefix(name, "apikey.metadata.")]
		}
	case name == "user.email":
		if ctx.User != nil {
			return ctx.User.Email
		}
	case name == "user.name":
		if ctx.User != nil {
			return ctx.User.Name
		}
	case strings.HasPrefix(name, "req.header."):
		if ctx.Request != nil {
			return ctx.Request.Header.Get(strings.TrimPrefix(name, "req.header."))
		}
	case strings.HasPrefix(name, "req.query."):
		if ctx.Request != nil {
			return ctx.Request.URL.Query().Get(strings.TrimPrefix(name, "req.query."))
		}
	}
	return ""
}
