// Package core provides the template helpers shared by every page.
package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"html/template"
	"strings"
	"unicode/utf8"

	"github.com/santeplus/medportal/internal/adapters/backend"
	domainauth "github.com/santeplus/medportal/internal/domain/auth"
)

// Deps holds optional dependencies for constructing the core template func map.
type Deps struct {
	Template           **template.Template
	ContentTemplateFor func(string) string
}

// Funcs returns the template.FuncMap used by the layout and pages.
func Funcs(deps Deps) template.FuncMap {
	funcs := template.FuncMap{
		"sectionTmpl":  deps.ContentTemplateFor,
		"add":          func(a, b int) int { return a + b },
		"contains":     strings.Contains,
		"truncateText": TruncateText,
		"dicomDate":    backend.FormatDate,
		"dicomTime":    backend.FormatTime,
		"roleLabel":    RoleLabel,
		"sexLabel":     SexLabel,
	}

	addRenderFuncs(funcs, deps)
	return funcs
}

func addRenderFuncs(funcs template.FuncMap, deps Deps) {
	funcs["renderSection"] = func(page string, data any) (template.HTML, error) {
		if deps.Template == nil || *deps.Template == nil {
			return "", errors.New("template not initialized")
		}
		var buf bytes.Buffer
		if err := (*deps.Template).ExecuteTemplate(&buf, deps.ContentTemplateFor(page), data); err != nil {
			return "", err
		}
		// #nosec G203 - output of our own html/template execution; values
		// were escaped during ExecuteTemplate above.
		return template.HTML(buf.String()), nil
	}

	funcs["toJSON"] = func(v any) (string, error) {
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

// TruncateText shortens s to at most n runes, appending an ellipsis when cut.
func TruncateText(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}

// RoleLabel is the French display label of a role.
func RoleLabel(r domainauth.Role) string {
	switch r {
	case domainauth.RoleProfessionnel:
		return "Professionnel de santé"
	case domainauth.RoleAdmin:
		return "Administrateur"
	case domainauth.RolePatient:
		return "Patient"
	case "":
		return ""
	default:
		return string(r)
	}
}

// SexLabel renders a DICOM PatientSex value.
func SexLabel(s string) string {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "M":
		return "Homme"
	case "F":
		return "Femme"
	case "O":
		return "Autre"
	default:
		return "Non renseigné"
	}
}
