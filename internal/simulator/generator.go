// Package simulator produces heterogeneous device telemetry and publishes it
// to the ingestion endpoints or queues, for local runs and smoke tests.
package simulator

import (
	"fmt"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
)

// Event is one message body: a single object or an array of objects.
type Event struct {
	Producer string
	Body     any
}

// Generator builds producer payloads. Equal seeds give equal sequences;
// seed 0 picks a random one.
type Generator struct {
	faker *gofakeit.Faker
}

func NewGenerator(seed int64) *Generator {
	return &Generator{faker: gofakeit.New(seed)}
}

// Nova reports body temperature.
func (g *Generator) Nova() map[string]any {
	return map[string]any{
		"source":      "nova",
		"device_id":   "nova-" + g.faker.DigitN(3),
		"temperature": round1(g.faker.Float64Range(35.5, 39.5)),
		"status":      g.faker.RandomString([]string{"active", "idle", "charging"}),
	}
}

// Orion reports speed and position. Its device IDs are UUIDs.
func (g *Generator) Orion() map[string]any {
	id, err := uuid.NewRandomFromReader(g.faker.Rand)
	if err != nil {
		id = uuid.New()
	}
	return map[string]any{
		"source":    "orion",
		"device_id": "orion-" + id.String(),
		"speed":     g.faker.IntRange(0, 180),
		"lat":       g.faker.Latitude(),
		"long":      g.faker.Longitude(),
	}
}

// Virgo reports in batches of n readings.
func (g *Generator) Virgo(n int) []map[string]any {
	out := make([]map[string]any, n)
	for i := range out {
		out[i] = map[string]any{
			"source":    "virgo",
			"device_id": fmt.Sprintf("virgo-%c", 'A'+rune(i%26)),
			"humidity":  g.faker.IntRange(20, 95),
			"battery":   g.faker.IntRange(5, 100),
		}
	}
	return out
}

// Gauge emits analytical-style readings tagged by type or device_type
// instead of source.
func (g *Generator) Gauge() map[string]any {
	if g.faker.Bool() {
		return map[string]any{
			"type": "gps",
			"lat":  g.faker.Latitude(),
			"long": g.faker.Longitude(),
		}
	}
	return map[string]any{
		"device_type": "meter",
		"kwh":         round1(g.faker.Float64Range(0, 50)),
	}
}

// Generate returns one event for producer. count sizes virgo batches.
func (g *Generator) Generate(producer string, count int) (Event, error) {
	switch producer {
	case "nova":
		return Event{Producer: producer, Body: g.Nova()}, nil
	case "orion":
		return Event{Producer: producer, Body: g.Orion()}, nil
	case "virgo":
		if count <= 0 {
			count = 3
		}
		return Event{Producer: producer, Body: g.Virgo(count)}, nil
	case "gauge":
		return Event{Producer: producer, Body: g.Gauge()}, nil
	default:
		return Event{}, fmt.Errorf("unknown producer %q", producer)
	}
}

// Fleet is one round of the default producers: a nova object, an orion
// object and a virgo array of three.
func (g *Generator) Fleet() []Event {
	return []Event{
		{Producer: "nova", Body: g.Nova()},
		{Producer: "orion", Body: g.Orion()},
		{Producer: "virgo", Body: g.Virgo(3)},
	}
}

func round1(f float64) float64 {
	return float64(int(f*10+0.5)) / 10
}
