package usecase

import (
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"toolrelay/internal/domain"
)

// catalogTool is one tool of a session with its compiled input schema.
// schema is nil when the provider's schema did not compile.
type catalogTool struct {
	desc   domain.ToolDescriptor
	schema *jsonschema.Schema
}

// toolCatalog is an immutable snapshot of one session's tools, replaced
// wholesale on every refresh.
type toolCatalog struct {
	tools []catalogTool
}

var emptyCatalog = &toolCatalog{}

// newToolCatalog builds a catalog from a provider listing. Tools whose name
// contains the qualified-name delimiter are skipped, as are repeated names.
func newToolCatalog(session string, descs []domain.ToolDescriptor, logger *slog.Logger) *toolCatalog {
	c := &toolCatalog{tools: make([]catalogTool, 0, len(descs))}
	seen := make(map[string]struct{}, len(descs))
	for _, d := range descs {
		if d.Name == "" || strings.Contains(d.Name, domain.ToolNameDelimiter) {
			logger.Warn("skipping tool with unusable name",
				"session", session, "tool", d.Name, "delimiter", domain.ToolNameDelimiter)
			continue
		}
		if _, dup := seen[d.Name]; dup {
			logger.Warn("skipping duplicate tool", "session", session, "tool", d.Name)
			continue
		}
		seen[d.Name] = struct{}{}

		schema, err := compileInputSchema(session, d)
		if err != nil {
			logger.Debug("tool input schema not compiled, arguments will not be checked",
				"session", session, "tool", d.Name, "error", err)
		}
		c.tools = append(c.tools, catalogTool{desc: d, schema: schema})
	}
	return c
}

func compileInputSchema(session string, d domain.ToolDescriptor) (*jsonschema.Schema, error) {
	if d.InputSchema.IsNull() {
		return nil, nil
	}
	url := "mem://" + session + "/" + d.Name + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, strings.NewReader(d.InputSchema.String())); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

func (c *toolCatalog) lookup(name string) (catalogTool, bool) {
	for _, t := range c.tools {
		if t.desc.Name == name {
			return t, true
		}
	}
	return catalogTool{}, false
}

func (c *toolCatalog) len() int { return len(c.tools) }

// descriptors returns a deep copy of the catalog's descriptors in order.
func (c *toolCatalog) descriptors() []domain.ToolDescriptor {
	out := make([]domain.ToolDescriptor, len(c.tools))
	for i, t := range c.tools {
		out[i] = domain.ToolDescriptor{
			Name:        t.desc.Name,
			Description: t.desc.Description,
			InputSchema: t.desc.InputSchema.Clone(),
		}
	}
	return out
}

// FindOwningSession returns the first session, in registration order, whose
// catalog holds the bare tool name. It is a diagnostic aid; dispatch always
// routes by the qualified name.
func (r *SessionRegistry) FindOwningSession(toolName string) (string, bool) {
	for _, s := range r.snapshot() {
		if _, ok := s.catalog().lookup(toolName); ok {
			return s.name, true
		}
	}
	return "", false
}

// Schemas flattens every session's catalog into model-facing tool schemas
// with qualified names, in registration order.
func (r *SessionRegistry) Schemas() []domain.ToolSchema {
	var out []domain.ToolSchema
	for _, s := range r.snapshot() {
		for _, t := range s.catalog().tools {
			params := []byte(`{"type":"object"}`)
			if t.desc.InputSchema.Kind() == domain.KindObject {
				params = []byte(t.desc.InputSchema.String())
			}
			out = append(out, domain.ToolSchema{
				Name:        domain.QualifyToolName(s.name, t.desc.Name),
				Description: t.desc.Description,
				Parameters:  params,
			})
		}
	}
	return out
}
