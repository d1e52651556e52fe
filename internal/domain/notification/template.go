package notification

import (
	"sort"
	"strings"
	"sync"

	"github.com/ehr/ehr-realtime/internal/platform/apperr"
)

// Template is a reusable notification with {{key}} placeholders in its title
// and body.
type Template struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Title    string   `json:"title"`
	Body     string   `json:"body"`
	Priority Priority `json:"priority"`
}

// TemplateEngine holds the registered templates and renders them.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine returns an engine with the built-in clinical templates.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:       "critical-lab-result",
			Name:     "Critical Lab Result",
			Title:    "Critical result for {{patient_name}}",
			Body:     "{{lab_type}} returned a critical value ({{value}}). Review the chart and acknowledge.",
			Priority: PriorityUrgent,
		},
		{
			ID:       "lab-result-ready",
			Name:     "Lab Result Ready",
			Title:    "Lab results ready",
			Body:     "{{lab_type}} results for {{patient_name}} are now available.",
			Priority: PriorityNormal,
		},
		{
			ID:       "new-order",
			Name:     "New Order",
			Title:    "New order for {{patient_name}}",
			Body:     "{{ordered_by}} placed an order: {{order}}.",
			Priority: PriorityHigh,
		},
		{
			ID:       "patient-transfer",
			Name:     "Patient Transfer",
			Title:    "{{patient_name}} transferred",
			Body:     "{{patient_name}} was moved to {{unit}}.",
			Priority: PriorityNormal,
		},
		{
			ID:       "chat-mention",
			Name:     "Chat Mention",
			Title:    "{{sender}} mentioned you",
			Body:     "In the chat for {{patient_name}}: {{excerpt}}",
			Priority: PriorityNormal,
		},
		{
			ID:       "simulation-invite",
			Name:     "Simulation Invite",
			Title:    "Join a {{scenario}} simulation",
			Body:     "{{host}} invited you. Use code {{code}} to join.",
			Priority: PriorityLow,
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// Register adds or replaces a template.
func (e *TemplateEngine) Register(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Get returns a copy of the template with id.
func (e *TemplateEngine) Get(id string) (Template, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.templates[id]
	if !ok {
		return Template{}, false
	}
	return *t, true
}

// IDs lists the registered template ids in sorted order.
func (e *TemplateEngine) IDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.templates))
	for id := range e.templates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Render replaces {{key}} placeholders with data. Placeholders without a
// value are left as they are.
func (e *TemplateEngine) Render(id string, data map[string]string) (title, body string, err error) {
	t, ok := e.Get(id)
	if !ok {
		return "", "", apperr.Invalid("unknown template %q", id)
	}

	title, body = t.Title, t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		title = strings.ReplaceAll(title, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return title, body, nil
}
