package template

import (
	"regexp"

	"broadcast/internal/domain"
)

// Variables available to campaign templates.
const (
	VarClientName     = "clientName"
	VarClientFullName = "clientFullName"
	VarBusinessName   = "businessName"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// Render replaces {{name}} placeholders with vars[name]. Placeholders with no
// mapping are kept verbatim.
func Render(body string, vars map[string]string) string {
	if body == "" || len(vars) == 0 {
		return body
	}
	return placeholder.ReplaceAllStringFunc(body, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		return m
	})
}

// Placeholders lists the variable names a template references, in order of first use.
func Placeholders(body string) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range placeholder.FindAllStringSubmatch(body, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// Unknown lists referenced variables that Vars never provides. They render verbatim.
func Unknown(body string) []string {
	var out []string
	for _, name := range Placeholders(body) {
		switch name {
		case VarClientName, VarClientFullName, VarBusinessName:
		default:
			out = append(out, name)
		}
	}
	return out
}

// Vars builds the per-recipient variable set.
func Vars(r domain.Recipient, tenant domain.Tenant) map[string]string {
	first := r.FirstName
	if first == "" {
		first = r.DisplayName
	}
	return map[string]string{
		VarClientName:     first,
		VarClientFullName: r.DisplayName,
		VarBusinessName:   tenant.Name,
	}
}
