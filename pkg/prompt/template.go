package prompt

import (
	"strings"

	"github.com/aymerick/raymond"
)

// RenderTemplate substitutes vars into a handlebars template without HTML
// escaping. On a parse error the placeholders are replaced literally.
func RenderTemplate(tpl string, vars map[string]string) string {
	data := make(map[string]interface{}, len(vars))
	for k, v := range vars {
		data[k] = raymond.SafeString(v)
	}
	out, err := raymond.Render(tpl, data)
	if err == nil {
		return out
	}
	for k, v := range vars {
		tpl = strings.ReplaceAll(tpl, "{{"+k+"}}", v)
	}
	return tpl
}
