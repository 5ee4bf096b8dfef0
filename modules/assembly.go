package modules

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// ModuleSpec describes one wired module instance within an assembly.
type ModuleSpec struct {
	ID     string                 `yaml:"id" json:"id"`
	Kind   Kind                   `yaml:"kind" json:"kind"`
	Name   string                 `yaml:"name" json:"name"`
	Config map[string]interface{} `yaml:"config,omitempty" json:"config,omitempty"`
}

// Connection is a directed edge in the module DAG: output of From feeds
// input of To.
type Connection struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to" json:"to"`
}

// PipelineAssembly is the immutable description of a wired pipeline,
// built once per reload. Loading it from a file is out of scope; this
// type is the round-trippable shape the out-of-scope assembler produces.
type PipelineAssembly struct {
	ID          string       `yaml:"id" json:"id"`
	Name        string       `yaml:"name" json:"name"`
	Version     string       `yaml:"version" json:"version"`
	Modules     []ModuleSpec `yaml:"modules" json:"modules"`
	Connections []Connection `yaml:"connections" json:"connections"`
}

// CycleError reports a cycle detected during topological validation.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("modules: cycle detected in pipeline assembly: %v", e.Cycle)
}

// Validate performs a topological walk (Kahn's algorithm) over the
// module DAG described by Connections, returning a CycleError if one
// exists. This replaces the source's behavior of iterating connections
// of type "request" in declaration order without verifying the graph is
// acyclic.
func (a *PipelineAssembly) Validate() ([]string, error) {
	indegree := make(map[string]int, len(a.Modules))
	adj := make(map[string][]string, len(a.Modules))
	known := make(map[string]bool, len(a.Modules))

	for _, m := range a.Modules {
		indegree[m.ID] = 0
		known[m.ID] = true
	}
	for _, c := range a.Connections {
		if !known[c.From] || !known[c.To] {
			return nil, fmt.Errorf("modules: connection references unknown module: %s -> %s", c.From, c.To)
		}
		adj[c.From] = append(adj[c.From], c.To)
		indegree[c.To]++
	}

	queue := make([]string, 0, len(a.Modules))
	for _, m := range a.Modules {
		if indegree[m.ID] == 0 {
			queue = append(queue, m.ID)
		}
	}

	order := make([]string, 0, len(a.Modules))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, next := range adj[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != len(a.Modules) {
		remaining := make([]string, 0)
		for id, deg := range indegree {
			if deg > 0 {
				remaining = append(remaining, id)
			}
		}
		return nil, &CycleError{Cycle: remaining}
	}

	return order, nil
}

// LoadAssembly decodes a YAML-encoded pipeline assembly, the format a
// reload pushes over the wire. Validation is left to the caller; a
// malformed graph still decodes, it just fails Validate.
func LoadAssembly(data []byte) (*PipelineAssembly, error) {
	var a PipelineAssembly
	if err := yaml.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("modules: decode pipeline assembly: %w", err)
	}
	return &a, nil
}

// Marshal re-encodes the assembly back to YAML, used when persisting a
// reloaded assembly for audit or when mirroring it to a config store.
func (a *PipelineAssembly) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("modules: encode pipeline assembly: %w", err)
	}
	return data, nil
}
