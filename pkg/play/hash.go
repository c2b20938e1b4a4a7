package play

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// Normalize renders the Play to its canonical YAML form: one stable field
// order, mapping keys sorted recursively, no comments or formatting noise.
// Normalize(Load(Normalize(p))) == Normalize(p), which is what makes
// play_hash a stable identity across cosmetic edits.
func Normalize(p *Play) ([]byte, error) {
	raw, err := yaml.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("play: normalize marshal: %w", err)
	}
	var node yaml.Node
	if err := yaml.Unmarshal(raw, &node); err != nil {
		return nil, fmt.Errorf("play: normalize reparse: %w", err)
	}
	sortMappings(&node)

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return nil, fmt.Errorf("play: normalize encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("play: normalize close: %w", err)
	}
	return buf.Bytes(), nil
}

// sortMappings orders every mapping node's key/value pairs by key,
// recursively, so Go map iteration order never leaks into the canonical
// bytes.
func sortMappings(n *yaml.Node) {
	switch n.Kind {
	case yaml.DocumentNode, yaml.SequenceNode:
		for _, c := range n.Content {
			sortMappings(c)
		}
	case yaml.MappingNode:
		type pair struct{ k, v *yaml.Node }
		pairs := make([]pair, 0, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			pairs = append(pairs, pair{n.Content[i], n.Content[i+1]})
		}
		sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].k.Value < pairs[j].k.Value })
		n.Content = n.Content[:0]
		for _, p := range pairs {
			sortMappings(p.v)
			n.Content = append(n.Content, p.k, p.v)
		}
	}
}

// Hash returns the SHA-256 hex digest of the Play's canonical form.
func Hash(p *Play) (string, error) {
	canonical, err := Normalize(p)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
