package validate

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

type jsonType uint8

const (
	tString jsonType = 1 << iota
	tNumber
	tInteger
	tBool
	tObject
	tArray
)

func (t jsonType) String() string {
	var names []string
	for _, c := range []struct {
		bit  jsonType
		name string
	}{
		{tString, "string"},
		{tNumber, "number"},
		{tInteger, "integer"},
		{tBool, "boolean"},
		{tObject, "object"},
		{tArray, "array"},
	} {
		if t&c.bit != 0 {
			names = append(names, c.name)
		}
	}
	return strings.Join(names, " or ")
}

// node describes the accepted shape of one JSON value. An object node with
// open set accepts any member.
type node struct {
	types  jsonType
	fields map[string]*node
	open   bool
	elem   *node
}

func str() *node       { return &node{types: tString} }
func num() *node       { return &node{types: tNumber} }
func integer() *node   { return &node{types: tInteger} }
func boolean() *node   { return &node{types: tBool} }
func anyObject() *node { return &node{types: tObject, open: true} }

func object(fields map[string]*node) *node {
	return &node{types: tObject, fields: fields}
}

func arrayOf(elem *node) *node {
	return &node{types: tArray, elem: elem}
}

// stringOr accepts a string or the alternative shape.
func stringOr(alt *node) *node {
	n := *alt
	n.types |= tString
	return &n
}

// walk checks v against n and returns the first violation. Members of an
// object are visited in sorted order so the reported path is deterministic.
func walk(v any, n *node, path string) error {
	if v == nil {
		return nil
	}

	switch val := v.(type) {
	case string:
		if n.types&tString == 0 {
			return mismatch(path, n.types)
		}
	case bool:
		if n.types&tBool == 0 {
			return mismatch(path, n.types)
		}
	case json.Number:
		switch {
		case n.types&tNumber != 0:
			if _, err := val.Float64(); err != nil {
				return mismatch(path, n.types)
			}
		case n.types&tInteger != 0:
			if _, err := strconv.ParseInt(val.String(), 10, 64); err != nil {
				return &domain.ValidationError{Path: path, Message: "must be an integer"}
			}
		default:
			return mismatch(path, n.types)
		}
	case []any:
		if n.types&tArray == 0 {
			return mismatch(path, n.types)
		}
		for i, item := range val {
			if err := walk(item, n.elem, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	case map[string]any:
		if n.types&tObject == 0 {
			return mismatch(path, n.types)
		}
		if n.open {
			return nil
		}
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			child, ok := n.fields[k]
			if !ok {
				return &domain.ValidationError{Path: join(path, k), Message: "unknown field"}
			}
			if err := walk(val[k], child, join(path, k)); err != nil {
				return err
			}
		}
	}
	return nil
}

func mismatch(path string, want jsonType) error {
	return &domain.ValidationError{Path: path, Message: "must be " + want.String()}
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

var (
	cacheControlSchema = object(map[string]*node{
		"type": str(),
		"ttl":  str(),
	})

	contentPartSchema = object(map[string]*node{
		"type": str(),
		"text": str(),
		"image_url": object(map[string]*node{
			"url":    str(),
			"detail": str(),
		}),
		"cache_control": cacheControlSchema,
	})

	toolCallSchema = object(map[string]*node{
		"id":   str(),
		"type": str(),
		"function": object(map[string]*node{
			"name":      str(),
			"arguments": str(),
		}),
	})

	messageSchema = object(map[string]*node{
		"role":          str(),
		"content":       stringOr(arrayOf(contentPartSchema)),
		"name":          str(),
		"tool_calls":    arrayOf(toolCallSchema),
		"tool_call_id":  str(),
		"cache_control": cacheControlSchema,
	})

	toolSchema = object(map[string]*node{
		"type": str(),
		"function": object(map[string]*node{
			"name":        str(),
			"description": str(),
			"parameters":  anyObject(),
			"strict":      boolean(),
		}),
	})

	pluginSchema = object(map[string]*node{
		"id":          str(),
		"max_results": integer(),
	})

	chatSchema = object(map[string]*node{
		"model":                 str(),
		"messages":              arrayOf(messageSchema),
		"temperature":           num(),
		"top_p":                 num(),
		"max_tokens":            integer(),
		"max_completion_tokens": integer(),
		"n":                     integer(),
		"stream":                boolean(),
		"stream_options":        object(map[string]*node{"include_usage": boolean()}),
		"stop":                  stringOr(arrayOf(str())),
		"presence_penalty":      num(),
		"frequency_penalty":     num(),
		"seed":                  integer(),
		"user":                  str(),
		"response_format":       anyObject(),
		"tools":                 arrayOf(toolSchema),
		"tool_choice":           stringOr(anyObject()),
		"parallel_tool_calls":   boolean(),
		"plugins":               arrayOf(pluginSchema),
	})

	itemPartSchema = object(map[string]*node{
		"type":        str(),
		"text":        str(),
		"image_url":   str(),
		"annotations": arrayOf(anyObject()),
	})

	itemSchema = object(map[string]*node{
		"type":      str(),
		"id":        str(),
		"role":      str(),
		"content":   stringOr(arrayOf(itemPartSchema)),
		"call_id":   str(),
		"name":      str(),
		"arguments": str(),
		"output":    str(),
		"status":    str(),
	})

	responsesToolSchema = object(map[string]*node{
		"type":                str(),
		"name":                str(),
		"description":         str(),
		"parameters":          anyObject(),
		"strict":              boolean(),
		"search_context_size": str(),
		"user_location":       anyObject(),
	})

	responsesSchema = object(map[string]*node{
		"model":             str(),
		"input":             stringOr(arrayOf(itemSchema)),
		"instructions":      str(),
		"tools":             arrayOf(responsesToolSchema),
		"tool_choice":       stringOr(anyObject()),
		"max_output_tokens": integer(),
		"temperature":       num(),
		"top_p":             num(),
		"stream":            boolean(),
		"user":              str(),
		"metadata":          anyObject(),
	})
)
