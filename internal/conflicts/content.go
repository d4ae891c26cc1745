package conflicts

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

const emptyDocumentType = "doc"

// ErrMalformedContent indicates content that is not a valid node tree.
var ErrMalformedContent = errors.New("conflicts: malformed content")

// Node is one node of the editor's document tree. Type and Content are
// lifted out for structural checks; every other key the client sent is kept
// in the node's normalized value and takes part in comparisons.
type Node struct {
	Type    string
	Content []Node
	value   map[string]any
}

// Keys that are dropped when empty, so `"content":[]` and an absent content
// list describe the same node.
var omittedWhenEmpty = []string{"attrs", "content", "marks", "text"}

// EmptyDocument returns the canonical empty content.
func EmptyDocument() Node {
	return Node{Type: emptyDocumentType, value: map[string]any{"type": emptyDocumentType}}
}

// ParseContent decodes raw content into a node tree. Empty input and JSON
// null decode to the empty document.
func ParseContent(raw []byte) (Node, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return EmptyDocument(), nil
	}
	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()
	var root any
	if err := decoder.Decode(&root); err != nil {
		return Node{}, fmt.Errorf("%w: %v", ErrMalformedContent, err)
	}
	if decoder.More() {
		return Node{}, fmt.Errorf("%w: trailing data", ErrMalformedContent)
	}
	return buildNode(root, "$")
}

func buildNode(raw any, path string) (Node, error) {
	object, ok := raw.(map[string]any)
	if !ok {
		return Node{}, fmt.Errorf("%w: node at %s is not an object", ErrMalformedContent, path)
	}
	normalized, err := normalizeValue(object, path)
	if err != nil {
		return Node{}, err
	}
	value := normalized.(map[string]any)
	for _, key := range omittedWhenEmpty {
		if isEmptyValue(value[key]) {
			delete(value, key)
		}
	}

	node := Node{value: value}
	node.Type, _ = value["type"].(string)
	if err := validateNode(value, path); err != nil {
		return Node{}, err
	}
	if children, ok := value["content"].([]any); ok {
		node.Content = make([]Node, 0, len(children))
		for index, child := range children {
			childNode, err := buildNode(child, fmt.Sprintf("%s.content[%d]", path, index))
			if err != nil {
				return Node{}, err
			}
			node.Content = append(node.Content, childNode)
			children[index] = childNode.value
		}
	}
	return node, nil
}

func validateNode(value map[string]any, path string) error {
	if nodeType, _ := value["type"].(string); nodeType == "" {
		return fmt.Errorf("%w: node at %s has no type", ErrMalformedContent, path)
	}
	if content, present := value["content"]; present {
		if _, ok := content.([]any); !ok {
			return fmt.Errorf("%w: content at %s is not a list", ErrMalformedContent, path)
		}
	}
	if text, present := value["text"]; present {
		if _, ok := text.(string); !ok {
			return fmt.Errorf("%w: text at %s is not a string", ErrMalformedContent, path)
		}
	}
	if marks, present := value["marks"]; present {
		list, ok := marks.([]any)
		if !ok {
			return fmt.Errorf("%w: marks at %s is not a list", ErrMalformedContent, path)
		}
		for index, raw := range list {
			mark, ok := raw.(map[string]any)
			if !ok {
				return fmt.Errorf("%w: mark %d at %s is not an object", ErrMalformedContent, index, path)
			}
			if markType, _ := mark["type"].(string); markType == "" {
				return fmt.Errorf("%w: mark %d at %s has no type", ErrMalformedContent, index, path)
			}
		}
	}
	return nil
}

// normalizeValue copies a decoded JSON value, replacing numbers by their
// numeric value so 1 and 1.0 compare equal.
func normalizeValue(raw any, path string) (any, error) {
	switch typed := raw.(type) {
	case map[string]any:
		copied := make(map[string]any, len(typed))
		for key, item := range typed {
			normalized, err := normalizeValue(item, path)
			if err != nil {
				return nil, err
			}
			copied[key] = normalized
		}
		return copied, nil
	case []any:
		copied := make([]any, len(typed))
		for index, item := range typed {
			normalized, err := normalizeValue(item, path)
			if err != nil {
				return nil, err
			}
			copied[index] = normalized
		}
		return copied, nil
	case json.Number:
		if integer, err := typed.Int64(); err == nil {
			return integer, nil
		}
		float, err := typed.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: number %s at %s: %v", ErrMalformedContent, typed, path, err)
		}
		if float == math.Trunc(float) && math.Abs(float) < 1<<63 {
			return int64(float), nil
		}
		return float, nil
	default:
		return typed, nil
	}
}

func isEmptyValue(value any) bool {
	switch typed := value.(type) {
	case map[string]any:
		return len(typed) == 0
	case []any:
		return len(typed) == 0
	case string:
		return typed == ""
	default:
		return false
	}
}

// Canonical serializes the tree with sorted keys and no insignificant
// whitespace, so structurally equal trees serialize equally.
func Canonical(node Node) ([]byte, error) {
	return json.Marshal(node.value)
}

// Pretty serializes the tree one structural element per line for diffing.
func Pretty(node Node) (string, error) {
	encoded, err := json.MarshalIndent(node.value, "", "  ")
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// StructurallyEqual reports whether two trees are the same document.
func StructurallyEqual(left, right Node) (bool, error) {
	leftCanonical, err := Canonical(left)
	if err != nil {
		return false, err
	}
	rightCanonical, err := Canonical(right)
	if err != nil {
		return false, err
	}
	return bytes.Equal(leftCanonical, rightCanonical), nil
}

// extendsInOrder reports whether every top-level block of base appears in
// candidate in the same order, i.e. candidate only adds blocks.
func extendsInOrder(candidate, base Node) (bool, error) {
	if candidate.Type != base.Type {
		return false, nil
	}
	next := 0
	for _, block := range base.Content {
		blockCanonical, err := Canonical(block)
		if err != nil {
			return false, err
		}
		matched := false
		for next < len(candidate.Content) {
			candidateCanonical, err := Canonical(candidate.Content[next])
			if err != nil {
				return false, err
			}
			next++
			if bytes.Equal(blockCanonical, candidateCanonical) {
				matched = true
				break
			}
		}
		if !matched {
			return false, nil
		}
	}
	return true, nil
}
