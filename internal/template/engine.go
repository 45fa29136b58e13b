package template

import (
	"bytes"
	"fmt"
	htmlTemplate "html/template"
	textTemplate "text/template"
)

// Engine validates and renders templates. Stateless; templates are parsed
// on every call, which is fine at capsule-creation rates.
type Engine struct{}

func NewEngine() *Engine {
	return &Engine{}
}

// Render executes the template against vars. Variables marked required
// must be present in vars; missing optional variables render as the zero
// value.
func (e *Engine) Render(tmpl *Template, vars map[string]any) (*RenderResult, error) {
	for _, v := range tmpl.Variables {
		if !v.Required {
			continue
		}
		if _, ok := vars[v.Name]; !ok {
			return nil, fmt.Errorf("missing required variable %q", v.Name)
		}
	}

	result := &RenderResult{}

	subject, err := renderText("subject", tmpl.Subject, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to render subject: %w", err)
	}
	result.Subject = subject

	text, err := renderText("text", tmpl.Text, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to render text: %w", err)
	}
	result.Text = text

	if tmpl.HTML != "" {
		html, err := renderHTML("html", tmpl.HTML, vars)
		if err != nil {
			return nil, fmt.Errorf("failed to render html: %w", err)
		}
		result.HTML = html
	}

	return result, nil
}

// Validate parses every template source without executing it.
func (e *Engine) Validate(tmpl *Template) error {
	if tmpl.Subject == "" {
		return fmt.Errorf("template subject is required")
	}
	if tmpl.Text == "" {
		return fmt.Errorf("template text body is required")
	}

	if _, err := textTemplate.New("subject").Parse(tmpl.Subject); err != nil {
		return fmt.Errorf("invalid subject template: %w", err)
	}
	if _, err := textTemplate.New("text").Parse(tmpl.Text); err != nil {
		return fmt.Errorf("invalid text template: %w", err)
	}
	if tmpl.HTML != "" {
		if _, err := htmlTemplate.New("html").Parse(tmpl.HTML); err != nil {
			return fmt.Errorf("invalid html template: %w", err)
		}
	}

	return nil
}

func renderText(name, src string, vars map[string]any) (string, error) {
	t, err := textTemplate.New(name).Parse(src)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, vars); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func renderHTML(name, src string, vars map[string]any) (string, error) {
	t, err := htmlTemplate.New(name).Parse(src)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, vars); err != nil {
		return "", err
	}
	return buf.String(), nil
}
