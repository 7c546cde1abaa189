package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// serverFileKeys are the top-level keys accepted in a server file.
// "mcpServers" is the layout used by desktop MCP clients.
var serverFileKeys = []string{"servers", "mcpServers"}

// serverEntry is one server in a server file. The name is the map key.
type serverEntry struct {
	Transport string            `yaml:"transport"`
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	URL       string            `yaml:"url"`
	Env       map[string]string `yaml:"env"`
}

// LoadServerFile reads a JSON (or YAML) file of the form
// {"servers": {"<name>": {"command": ..., "args": [...]}}} and returns the
// servers in file order. A missing file yields no servers.
func LoadServerFile(path string) ([]MCPServer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read server file: %w", err)
	}
	return parseServerFile(data)
}

func parseServerFile(data []byte) ([]MCPServer, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse server file: %w", err)
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return nil, nil
	}

	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("parse server file: top level must be an object")
	}

	servers := findMapping(root, serverFileKeys...)
	if servers == nil {
		return nil, nil
	}
	if servers.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("parse server file: servers must be an object")
	}

	out := make([]MCPServer, 0, len(servers.Content)/2)
	for i := 0; i+1 < len(servers.Content); i += 2 {
		name := servers.Content[i].Value
		var entry serverEntry
		if err := servers.Content[i+1].Decode(&entry); err != nil {
			return nil, fmt.Errorf("parse server file: server %q: %w", name, err)
		}
		out = append(out, MCPServer{
			Name:      name,
			Transport: entry.Transport,
			Command:   entry.Command,
			Args:      entry.Args,
			URL:       entry.URL,
			Env:       entry.Env,
		})
	}
	return out, nil
}

// findMapping returns the value node of the first matching key in m.
func findMapping(m *yaml.Node, keys ...string) *yaml.Node {
	for _, key := range keys {
		for i := 0; i+1 < len(m.Content); i += 2 {
			if m.Content[i].Value == key {
				return m.Content[i+1]
			}
		}
	}
	return nil
}

// mergeServers appends add to base. A server in add whose name already
// exists replaces the earlier entry in place.
func mergeServers(base, add []MCPServer) []MCPServer {
	if len(add) == 0 {
		return base
	}
	out := append([]MCPServer(nil), base...)
	for _, s := range add {
		replaced := false
		for i := range out {
			if out[i].Name == s.Name {
				out[i] = s
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, s)
		}
	}
	return out
}
