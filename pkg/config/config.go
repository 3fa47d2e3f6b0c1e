package config

import (
	"fmt"
	"io/ioutil"
	"runtime"

	"gopkg.in/yaml.v3"

	"github.com/fastpath-net/fastpath/pkg/port"
	"github.com/fastpath-net/fastpath/pkg/steering"
)

type Config struct {
	Steering Steering            `yaml:"steering"`
	Tuning   Tuning              `yaml:"tuning"`
	Cores    Cores               `yaml:"cores"`
	Ports    map[string]PortSpec `yaml:"ports"`
}

type Steering struct {
	Mode       string `yaml:"mode"`
	PinnedCore *int   `yaml:"pinned_core"`
}

type Tuning struct {
	PollBudget int `yaml:"poll_budget"`
	QueueDepth int `yaml:"queue_depth"`
	RelayDepth int `yaml:"relay_depth"`
}

type Cores struct {
	Nodes          int `yaml:"nodes"`
	CoresPerNode   int `yaml:"cores_per_node"`
	ThreadsPerCore int `yaml:"threads_per_core"`
}

type PortSpec struct {
	PortType string `yaml:"type"`
	Params   Params `yaml:"params"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	config := &Config{}
	err := yaml.Unmarshal(data, config)
	if err != nil {
		return nil, err
	}
	return config, nil
}

// Policy converts the steering section to a runtime policy.  An absent mode
// means steering is disabled.
func (s *Steering) Policy() (steering.Policy, error) {
	pol := steering.DefaultPolicy()
	if s.Mode != "" {
		mode, err := steering.ParseMode(s.Mode)
		if err != nil {
			return pol, err
		}
		pol.Mode = mode
	}
	if s.PinnedCore != nil {
		pol.PinnedCore = steering.CoreID(*s.PinnedCore)
	}
	return pol, nil
}

// Topology builds the core topology from the cores section.  Absent fields
// default to one node spanning all CPUs with no hyperthread pairing.
func (c *Cores) Topology() *steering.Topology {
	nodes := c.Nodes
	if nodes <= 0 {
		nodes = 1
	}
	perNode := c.CoresPerNode
	if perNode <= 0 {
		perNode = runtime.NumCPU()
	}
	threads := c.ThreadsPerCore
	if threads <= 0 {
		threads = 1
	}
	return steering.Uniform(nodes, perNode, threads)
}

// Kind converts the port type string to a port kind.
func (p *PortSpec) Kind() (port.Kind, error) {
	switch p.PortType {
	case "physical":
		return port.KindPhysical, nil
	case "virtual":
		return port.KindVirtual, nil
	case "host":
		return port.KindHost, nil
	}
	return 0, fmt.Errorf("unknown port type %q", p.PortType)
}
