package template

import (
	"strings"
	"testing"
)

func TestRender(t *testing.T) {
	e := NewEngine()

	tmpl := &Template{
		Name:    "birthday",
		Subject: "Happy birthday, {{.name}}!",
		Text:    "Dear {{.name}},\n\nThis message was written {{.years}} years ago.",
	}

	result, err := e.Render(tmpl, map[string]any{"name": "Alice", "years": 5})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	if result.Subject != "Happy birthday, Alice!" {
		t.Errorf("Subject = %q", result.Subject)
	}
	if !strings.Contains(result.Text, "written 5 years ago") {
		t.Errorf("Text = %q", result.Text)
	}
	if result.HTML != "" {
		t.Errorf("HTML = %q, want empty for text-only template", result.HTML)
	}
}

func TestRenderHTMLEscaping(t *testing.T) {
	e := NewEngine()

	tmpl := &Template{
		Name:    "greeting",
		Subject: "hi",
		Text:    "hi {{.name}}",
		HTML:    "<p>Hello {{.name}}</p>",
	}

	result, err := e.Render(tmpl, map[string]any{"name": "<script>x</script>"})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	if strings.Contains(result.HTML, "<script>") {
		t.Errorf("HTML output not escaped: %q", result.HTML)
	}
	// The text body is not HTML and must stay verbatim.
	if !strings.Contains(result.Text, "<script>x</script>") {
		t.Errorf("Text output escaped: %q", result.Text)
	}
}

func TestRenderMissingRequiredVariable(t *testing.T) {
	e := NewEngine()

	tmpl := &Template{
		Name:    "reminder",
		Subject: "Reminder for {{.name}}",
		Text:    "Hello {{.name}}",
		Variables: []VariableInfo{
			{Name: "name", Required: true},
			{Name: "note", Required: false},
		},
	}

	if _, err := e.Render(tmpl, map[string]any{"note": "x"}); err == nil {
		t.Error("Render() without required variable returned nil error")
	}

	// Optional variables may be absent.
	if _, err := e.Render(tmpl, map[string]any{"name": "Bob"}); err != nil {
		t.Errorf("Render() with only required variables error = %v", err)
	}
}

func TestValidate(t *testing.T) {
	e := NewEngine()

	tests := []struct {
		name    string
		tmpl    Template
		wantErr bool
	}{
		{"valid", Template{Subject: "hi {{.name}}", Text: "body"}, false},
		{"missing subject", Template{Text: "body"}, true},
		{"missing text", Template{Subject: "hi"}, true},
		{"broken subject syntax", Template{Subject: "hi {{.name", Text: "body"}, true},
		{"broken html syntax", Template{Subject: "hi", Text: "body", HTML: "{{end}}"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.Validate(&tt.tmpl)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
