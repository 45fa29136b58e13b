// Package template stores and renders reusable capsule message templates.
// A capsule may be created from a template plus variables instead of a raw
// message body.
package template

import (
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("template not found")
	ErrNameTaken = errors.New("template name already in use")
)

// Template is a named, versioned message template. Subject and Text are
// text/template sources; HTML, when present, is an html/template source
// with auto-escaping.
type Template struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Subject     string         `json:"subject"`
	Text        string         `json:"text"`
	HTML        string         `json:"html,omitempty"`
	Variables   []VariableInfo `json:"variables,omitempty"`
	Version     int            `json:"version"`
	UsageCount  int64          `json:"usage_count"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// VariableInfo documents one template variable.
type VariableInfo struct {
	Name        string `json:"name"`
	Required    bool   `json:"required,omitempty"`
	Description string `json:"description,omitempty"`
	Example     string `json:"example,omitempty"`
}

// RenderResult is the rendered output of a template.
type RenderResult struct {
	Subject string `json:"subject"`
	Text    string `json:"text"`
	HTML    string `json:"html,omitempty"`
}

// ListFilter narrows List results.
type ListFilter struct {
	Search string
	Limit  int
	Offset int
}
