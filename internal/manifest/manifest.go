// Package manifest parses multi-document YAML into desired-state objects
// and computes content digests over their canonical form.
package manifest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Key identifies a cluster object by kind, namespace and name.
type Key struct {
	Kind      string `json:"kind"`
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name"`
}

// String renders the key as kind/namespace/name (namespace omitted for
// cluster-scoped objects).
func (k Key) String() string {
	if k.Namespace == "" {
		return k.Kind + "/" + k.Name
	}
	return k.Kind + "/" + k.Namespace + "/" + k.Name
}

// Manifest is a single parsed YAML document from the desired-state tree.
type Manifest struct {
	APIVersion string
	Kind       string
	Name       string
	Namespace  string
	Object     map[string]any // the full normalized document
}

// Key returns the object identity of the manifest.
func (m Manifest) Key() Key {
	return Key{Kind: m.Kind, Namespace: m.Namespace, Name: m.Name}
}

// Digest returns a hex sha256 over the canonical JSON form of the document.
// Equal digests mean the same desired object.
func (m Manifest) Digest() string {
	return DigestObject(m.Object)
}

// DigestObject digests an already-normalized object map. JSON marshalling
// sorts map keys, so the digest is independent of YAML key order.
func DigestObject(obj map[string]any) string {
	data, err := json.Marshal(Normalize(obj))
	if err != nil {
		// YAML input never produces unmarshalable values; keep the digest
		// total anyway.
		data = []byte(fmt.Sprint(obj))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ParseAll decodes every document in data. Empty documents are skipped.
// The path only labels errors.
func ParseAll(path string, data []byte) ([]Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var out []Manifest
	for i := 0; ; i++ {
		var doc map[string]any
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: document %d: %w", path, i, err)
		}
		if len(doc) == 0 {
			continue
		}
		m, err := fromDoc(doc)
		if err != nil {
			return nil, fmt.Errorf("%s: document %d: %w", path, i, err)
		}
		out = append(out, m)
	}
	return out, nil
}

func fromDoc(doc map[string]any) (Manifest, error) {
	norm, ok := Normalize(doc).(map[string]any)
	if !ok {
		return Manifest{}, errors.New("document is not a mapping")
	}
	m := Manifest{Object: norm}
	m.APIVersion, _ = norm["apiVersion"].(string)
	if m.APIVersion == "" {
		return Manifest{}, errors.New("missing apiVersion")
	}
	m.Kind, _ = norm["kind"].(string)
	if m.Kind == "" {
		return Manifest{}, errors.New("missing kind")
	}
	meta, _ := norm["metadata"].(map[string]any)
	if meta == nil {
		return Manifest{}, errors.New("missing metadata")
	}
	m.Name, _ = meta["name"].(string)
	if m.Name == "" {
		return Manifest{}, errors.New("missing metadata.name")
	}
	m.Namespace, _ = meta["namespace"].(string)
	return m, nil
}

// Normalize rewrites a YAML-decoded value into a canonical JSON-compatible
// form: map keys become strings and nested containers are rebuilt
// recursively. The result shares no containers with the input, so it also
// serves as a deep copy.
func Normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Normalize(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = Normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Normalize(item)
		}
		return out
	default:
		return v
	}
}
