package tools

import (
	"fmt"
	"sort"
	"sync"
)

// ToolManager is a registry of locally implemented tools, keyed by name.
// It is safe for concurrent use.
type ToolManager struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewToolManager() *ToolManager {
	return &ToolManager{tools: make(map[string]Tool)}
}

// RegisterTool adds tool, replacing any tool with the same name.
func (m *ToolManager) RegisterTool(tool Tool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tools[tool.Name()] = tool
}

// GetTool retrieves a tool by name
func (m *ToolManager) GetTool(name string) (Tool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tool, ok := m.tools[name]
	if !ok {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	return tool, nil
}

// Has reports whether a tool called name is registered.
func (m *ToolManager) Has(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tools[name]
	return ok
}

// List returns the registered tools sorted by name.
func (m *ToolManager) List() []Tool {
	m.mu.RLock()
	ts := make([]Tool, 0, len(m.tools))
	for _, t := range m.tools {
		ts = append(ts, t)
	}
	m.mu.RUnlock()

	sort.Slice(ts, func(i, j int) bool { return ts[i].Name() < ts[j].Name() })
	return ts
}
