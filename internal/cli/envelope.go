package cli

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/lattice/internal/backend"
	"github.com/roach88/lattice/internal/value"
)

// Document is the YAML form of an export: a list of envelopes in path order.
type Document struct {
	Objects []Envelope `yaml:"objects"`
}

// Envelope is the YAML form of one stored object. Data is kept as a node so
// the int/float distinction survives a round trip.
type Envelope struct {
	Path          string    `yaml:"path"`
	Type          string    `yaml:"type"`
	Version       int64     `yaml:"version"`
	SchemaVersion int       `yaml:"schema_version"`
	CreatedAt     time.Time `yaml:"created_at"`
	UpdatedAt     time.Time `yaml:"updated_at"`
	Data          yaml.Node `yaml:"data"`
}

// jsonEnvelope is the JSON form used by --format json.
type jsonEnvelope struct {
	Path          string          `json:"path"`
	Type          string          `json:"type"`
	Version       int64           `json:"version"`
	SchemaVersion int             `json:"schema_version"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Data          json.RawMessage `json:"data"`
}

func newEnvelope(obj *backend.StoredObject) Envelope {
	return Envelope{
		Path:          obj.Path,
		Type:          obj.TypeName,
		Version:       obj.Version,
		SchemaVersion: obj.SchemaVersion,
		CreatedAt:     obj.CreatedAt.UTC(),
		UpdatedAt:     obj.UpdatedAt.UTC(),
		Data:          *toNode(obj.Data),
	}
}

func newJSONEnvelope(obj *backend.StoredObject) (jsonEnvelope, error) {
	data, err := value.Marshal(obj.Data)
	if err != nil {
		return jsonEnvelope{}, fmt.Errorf("encode %s: %w", obj.Path, err)
	}
	return jsonEnvelope{
		Path:          obj.Path,
		Type:          obj.TypeName,
		Version:       obj.Version,
		SchemaVersion: obj.SchemaVersion,
		CreatedAt:     obj.CreatedAt.UTC(),
		UpdatedAt:     obj.UpdatedAt.UTC(),
		Data:          data,
	}, nil
}

// StoredObject converts e back into an envelope for the backend.
func (e Envelope) StoredObject() (*backend.StoredObject, error) {
	if e.Path == "" {
		return nil, fmt.Errorf("envelope without path")
	}

	data := value.Object{}
	if !e.Data.IsZero() {
		var raw any
		if err := e.Data.Decode(&raw); err != nil {
			return nil, fmt.Errorf("%s: decode data: %w", e.Path, err)
		}
		v, err := value.FromNative(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.Path, err)
		}
		switch obj := v.(type) {
		case value.Object:
			data = obj
		case value.Null:
		default:
			return nil, fmt.Errorf("%s: data must be a mapping", e.Path)
		}
	}

	obj := &backend.StoredObject{
		Path:          e.Path,
		TypeName:      e.Type,
		Data:          data,
		Version:       e.Version,
		SchemaVersion: e.SchemaVersion,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
	}
	if obj.CreatedAt.IsZero() {
		obj.CreatedAt = time.Now()
	}
	if obj.UpdatedAt.IsZero() {
		obj.UpdatedAt = obj.CreatedAt
	}
	return obj, nil
}

// toNode renders a value as a YAML node. Floats always carry a fraction or
// exponent, and strings that would read back as another type are quoted.
func toNode(v value.Value) *yaml.Node {
	switch x := v.(type) {
	case nil, value.Null:
		return scalar("!!null", "null")
	case value.Bool:
		return scalar("!!bool", strconv.FormatBool(bool(x)))
	case value.Int:
		return scalar("!!int", strconv.FormatInt(int64(x), 10))
	case value.Float:
		return scalar("!!float", formatFloat(float64(x)))
	case value.String:
		return scalar("!!str", string(x))
	case value.Array:
		n := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, elem := range x {
			n.Content = append(n.Content, toNode(elem))
		}
		return n
	case value.Object:
		n := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		for _, k := range x.SortedKeys() {
			n.Content = append(n.Content, scalar("!!str", k), toNode(x[k]))
		}
		return n
	}
	return scalar("!!null", "null")
}

func scalar(tag, val string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: val}
}

func formatFloat(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return ".inf"
	case math.IsInf(f, -1):
		return "-.inf"
	case math.IsNaN(f):
		return ".nan"
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}
