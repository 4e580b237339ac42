package graph

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/elspeth-dev/elspeth/internal/config"
	"github.com/elspeth-dev/elspeth/internal/schema"
)

// DefaultConfigPath is the conventional location for a pipeline's graph
// definition, a hidden dotfile in the working directory.
const DefaultConfigPath = ".elspeth.yaml"

// ConfigPathEnvVar overrides DefaultConfigPath.
const ConfigPathEnvVar = "ELSPETH_GRAPH_CONFIG_PATH"

// NodeConfig is the declarative, YAML-decoded shape of a Node.
type NodeConfig struct {
	//nolint:tagliatelle // snake_case is intentional for YAML config files
	NodeID string `yaml:"node_id"`
	Kind   string `yaml:"kind"`
	//nolint:tagliatelle
	PluginRef string `yaml:"plugin_ref"`
	//nolint:tagliatelle
	IsDynamic bool `yaml:"is_dynamic"`
}

// EdgeConfig is the declarative, YAML-decoded shape of an Edge.
type EdgeConfig struct {
	From  string `yaml:"from"`
	To    string `yaml:"to"`
	Label string `yaml:"label"`
	Mode  string `yaml:"mode"`
}

// RouteConfig is one entry of the declarative routing table: what a gate
// node's route label resolves to.
type RouteConfig struct {
	//nolint:tagliatelle
	NodeID string `yaml:"node_id"`
	Label  string `yaml:"label"`
	// Destination is a sink name, or the sentinels "continue"/"fork".
	Destination string `yaml:"destination"`
}

// Config is the full declarative graph definition loaded from YAML.
type Config struct {
	Nodes  []NodeConfig  `yaml:"nodes"`
	Edges  []EdgeConfig  `yaml:"edges"`
	Routes []RouteConfig `yaml:"routes"`
}

// ErrUnknownKind is returned when a node config names a kind not in the
// closed set {source, transform, aggregation, coalesce, sink}.
var ErrUnknownKind = errors.New("graph: unknown node kind")

// ErrUnknownMode is returned when an edge config names a mode not in
// {move, copy}.
var ErrUnknownMode = errors.New("graph: unknown edge mode")

// LoadConfig loads a graph definition from a YAML file. A missing file is
// not an error: an empty Config is returned, since graph configuration is
// optional until a pipeline actually defines nodes. A pipeline with
// zero nodes will fail graph Build's single-source check, which is the
// right failure mode — configuration problems surface as graph validation
// errors, not as silent empty runs.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("graph config file not found, continuing with empty graph",
				slog.String("path", path))

			return cfg, nil
		}

		slog.Warn("failed to read graph config file, continuing with empty graph",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return cfg, nil
	}

	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("graph: parse %s: %w", path, err)
	}

	return cfg, nil
}

// LoadConfigFromEnv loads the graph config from ELSPETH_GRAPH_CONFIG_PATH,
// falling back to DefaultConfigPath.
func LoadConfigFromEnv() (*Config, error) {
	path := config.GetEnvStr(ConfigPathEnvVar, DefaultConfigPath)

	return LoadConfig(path)
}

// Compile turns a declarative Config into Nodes, Edges, and a routing table
// suitable for Build. Plugin-supplied schemas are merged in by the caller
// before Build, since schema contracts are not representable in the static
// YAML shape (they depend on the live plugin instance's declared schema).
func Compile(cfg *Config) ([]Node, []Edge, map[RouteKey]Destination, error) {
	nodes := make([]Node, 0, len(cfg.Nodes))

	for _, nc := range cfg.Nodes {
		kind := Kind(nc.Kind)
		if !kind.IsValid() {
			return nil, nil, nil, fmt.Errorf("%w: %q (node %q)", ErrUnknownKind, nc.Kind, nc.NodeID)
		}

		nodes = append(nodes, Node{
			NodeID:    nc.NodeID,
			Kind:      kind,
			PluginRef: nc.PluginRef,
			SchemaConfig: SchemaConfig{
				Mode:      schema.ModeFlexible,
				IsDynamic: nc.IsDynamic,
			},
		})
	}

	edges := make([]Edge, 0, len(cfg.Edges))

	for _, ec := range cfg.Edges {
		mode := EdgeMode(ec.Mode)
		if mode == "" {
			mode = EdgeMove
		}

		if mode != EdgeMove && mode != EdgeCopy {
			return nil, nil, nil, fmt.Errorf("%w: %q (edge %s -> %s)", ErrUnknownMode, ec.Mode, ec.From, ec.To)
		}

		edges = append(edges, Edge{From: ec.From, To: ec.To, Label: ec.Label, Mode: mode})
	}

	routing := make(map[RouteKey]Destination, len(cfg.Routes))

	for _, rc := range cfg.Routes {
		key := RouteKey{NodeID: rc.NodeID, Label: rc.Label}

		switch rc.Destination {
		case "continue":
			routing[key] = Destination{Continue: true}
		case "fork":
			routing[key] = Destination{Fork: true}
		default:
			routing[key] = Destination{SinkName: rc.Destination}
		}
	}

	return nodes, edges, routing, nil
}
