package tools

import "fmt"

// RequireString extracts a required, non-empty string parameter.
func RequireString(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing required parameter: %s", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %s must be a string, got %T", key, v)
	}
	if s == "" {
		return "", fmt.Errorf("parameter %s must not be empty", key)
	}
	return s, nil
}

// RequireStrings extracts a required array-of-strings parameter.
func RequireStrings(params map[string]any, key string) ([]string, error) {
	v, ok := params[key]
	if !ok {
		return nil, fmt.Errorf("missing required parameter: %s", key)
	}
	switch list := v.(type) {
	case []string:
		return list, nil
	case []any:
		out := make([]string, len(list))
		for i, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("parameter %s[%d] must be a string, got %T", key, i, item)
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("parameter %s must be an array of strings, got %T", key, v)
	}
}

// File is one {path, content} entry of a write request or read result.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// RequireFiles extracts a required array of {path, content} objects.
func RequireFiles(params map[string]any, key string) ([]File, error) {
	v, ok := params[key]
	if !ok {
		return nil, fmt.Errorf("missing required parameter: %s", key)
	}
	if files, ok := v.([]File); ok {
		return files, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("parameter %s must be an array of objects, got %T", key, v)
	}
	out := make([]File, len(list))
	for i, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("parameter %s[%d] must be an object, got %T", key, i, item)
		}
		path, err := RequireString(obj, "path")
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", key, i, err)
		}
		content, ok := obj["content"].(string)
		if !ok {
			return nil, fmt.Errorf("%s[%d]: parameter content must be a string", key, i)
		}
		out[i] = File{Path: path, Content: content}
	}
	return out, nil
}
