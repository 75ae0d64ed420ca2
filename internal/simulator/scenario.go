package simulator

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is a scripted sequence of events loaded from YAML:
//
//	name: mixed-fleet
//	interval: 500ms
//	repeat: 10
//	events:
//	  - producer: nova
//	  - producer: virgo
//	    count: 5
//	  - payload: {"source": "legacy", "reading": 7}
type Scenario struct {
	Name     string          `yaml:"name"`
	Interval time.Duration   `yaml:"interval"`
	Repeat   int             `yaml:"repeat"`
	Events   []ScenarioEvent `yaml:"events"`
}

// ScenarioEvent is either a generated producer event or a literal payload.
type ScenarioEvent struct {
	Producer string `yaml:"producer"`
	Count    int    `yaml:"count"`
	Payload  any    `yaml:"payload"`
}

// LoadScenario reads and validates a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario: %w", err)
	}
	return ParseScenario(data)
}

func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse scenario: %w", err)
	}
	if len(s.Events) == 0 {
		return nil, fmt.Errorf("scenario %q has no events", s.Name)
	}
	for i, ev := range s.Events {
		if ev.Producer == "" && ev.Payload == nil {
			return nil, fmt.Errorf("event %d: producer or payload is required", i)
		}
	}
	if s.Repeat <= 0 {
		s.Repeat = 1
	}
	return &s, nil
}

// Build expands one repetition of the scenario into events.
func (s *Scenario) Build(g *Generator) ([]Event, error) {
	events := make([]Event, 0, len(s.Events))
	for i, ev := range s.Events {
		if ev.Payload != nil {
			events = append(events, Event{Producer: "payload", Body: ev.Payload})
			continue
		}
		e, err := g.Generate(ev.Producer, ev.Count)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		events = append(events, e)
	}
	return events, nil
}
