package services

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// composeFile is the slice of a docker-compose file this package reads:
// service names and their depends_on edges.
type composeFile struct {
	Services map[string]composeService `yaml:"services"`
}

type composeService struct {
	DependsOn dependsOn `yaml:"depends_on"`
}

// dependsOn accepts both compose forms:
//
//	depends_on: [db, cache]
//	depends_on:
//	  db: {condition: service_healthy}
type dependsOn []string

func (d *dependsOn) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*d = list
		return nil
	case yaml.MappingNode:
		var m map[string]yaml.Node
		if err := node.Decode(&m); err != nil {
			return err
		}
		for name := range m {
			*d = append(*d, name)
		}
		return nil
	default:
		return fmt.Errorf("unsupported depends_on node kind %d", node.Kind)
	}
}

// loadCompose parses the compose file into a dependency graph:
// service -> services it depends on.
func loadCompose(path string) (map[string][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read compose file: %w", err)
	}
	return parseCompose(data)
}

func parseCompose(data []byte) (map[string][]string, error) {
	var file composeFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse compose file: %w", err)
	}
	graph := make(map[string][]string, len(file.Services))
	for name, svc := range file.Services {
		graph[name] = append([]string(nil), svc.DependsOn...)
	}
	return graph, nil
}
