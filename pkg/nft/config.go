// Package nft models the nftables JSON command format that drfw hands to
// `nft --json -f -`, and renders it back to nft text for review.
package nft

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// Family and Table name the single table drfw owns.
	Family = "inet"
	Table  = "drfw"
)

// Verbs accepted as the outer key of a command object.
var verbs = map[string]bool{
	"add": true, "create": true, "insert": true, "replace": true,
	"delete": true, "destroy": true, "flush": true, "list": true, "reset": true,
}

// Command is one element of the nftables array: {verb: {kind: body}}. Listing
// output has no verb and is {kind: body}; Verb is then empty.
type Command struct {
	Verb string
	Kind string
	Body map[string]any
}

func (c Command) MarshalJSON() ([]byte, error) {
	inner := map[string]any{c.Kind: c.Body}
	if c.Verb == "" {
		return json.Marshal(inner)
	}
	return json.Marshal(map[string]any{c.Verb: inner})
}

func (c *Command) UnmarshalJSON(data []byte) error {
	var outer map[string]json.RawMessage
	if err := decodeNumbers(data, &outer); err != nil {
		return err
	}
	if len(outer) != 1 {
		return fmt.Errorf("nft: command must have exactly one key, got %d", len(outer))
	}
	for key, raw := range outer {
		if verbs[key] {
			var inner map[string]json.RawMessage
			if err := decodeNumbers(raw, &inner); err != nil {
				return fmt.Errorf("nft: %s: %w", key, err)
			}
			if len(inner) != 1 {
				return fmt.Errorf("nft: %s must wrap exactly one object, got %d", key, len(inner))
			}
			for kind, body := range inner {
				b, err := decodeBody(body)
				if err != nil {
					return fmt.Errorf("nft: %s %s: %w", key, kind, err)
				}
				*c = Command{Verb: key, Kind: kind, Body: b}
			}
			return nil
		}
		b, err := decodeBody(raw)
		if err != nil {
			return fmt.Errorf("nft: %s: %w", key, err)
		}
		*c = Command{Kind: key, Body: b}
	}
	return nil
}

func decodeBody(raw json.RawMessage) (map[string]any, error) {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}
	var body map[string]any
	if err := decodeNumbers(raw, &body); err != nil {
		return nil, err
	}
	return body, nil
}

func decodeNumbers(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// Family returns the body's family, or "" when absent.
func (c Command) Family() string { return c.str("family") }

// Name returns the body's name field (tables, chains, sets).
func (c Command) Name() string { return c.str("name") }

// Chain returns the chain a rule belongs to.
func (c Command) Chain() string { return c.str("chain") }

func (c Command) str(key string) string {
	s, _ := c.Body[key].(string)
	return s
}

// Exprs returns a rule's expression list.
func (c Command) Exprs() []any {
	e, _ := c.Body["expr"].([]any)
	return e
}

// IsRule reports whether the command adds a rule.
func (c Command) IsRule() bool {
	return c.Kind == "rule" && (c.Verb == "add" || c.Verb == "insert")
}

// Config is a complete nft JSON program.
type Config struct {
	Nftables []Command `json:"nftables"`
}

// Add appends an add command.
func (c *Config) Add(kind string, body map[string]any) {
	c.Nftables = append(c.Nftables, Command{Verb: "add", Kind: kind, Body: body})
}

// Append appends an arbitrary command.
func (c *Config) Append(verb, kind string, body map[string]any) {
	c.Nftables = append(c.Nftables, Command{Verb: verb, Kind: kind, Body: body})
}

// Marshal returns the canonical serialization: keys sorted, numbers as
// written. Equal configs always produce equal bytes.
func (c Config) Marshal() ([]byte, error) {
	if c.Nftables == nil {
		c.Nftables = []Command{}
	}
	return json.Marshal(c)
}

// Parse decodes an nft JSON document.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("nft: parse config: %w", err)
	}
	return cfg, nil
}

// Checksum is the hex SHA-256 of the canonical serialization.
func Checksum(c Config) (string, error) {
	data, err := c.Marshal()
	if err != nil {
		return "", fmt.Errorf("nft: checksum: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

var (
	ErrEmpty        = errors.New("nft: config has no commands")
	ErrNoTableOps   = errors.New("nft: config has no table operations")
	ErrForeignTable = errors.New("nft: command targets a foreign table")
)

// Validate checks the structure a restorable config must have: at least one
// command, at least one add, list or flush of a table, and no command that
// touches a table other than inet drfw.
func Validate(c Config) error {
	if len(c.Nftables) == 0 {
		return ErrEmpty
	}
	hasTableOp := false
	for i, cmd := range c.Nftables {
		if cmd.Kind == "table" && (cmd.Verb == "add" || cmd.Verb == "list" || cmd.Verb == "flush") {
			hasTableOp = true
		}
		if cmd.Kind == "ruleset" {
			return fmt.Errorf("%w: command %d operates on the whole ruleset", ErrForeignTable, i)
		}
		if err := ownTable(cmd); err != nil {
			return fmt.Errorf("%w: command %d: %v", ErrForeignTable, i, err)
		}
	}
	if !hasTableOp {
		return ErrNoTableOps
	}
	return nil
}

func ownTable(cmd Command) error {
	if cmd.Body == nil {
		return nil
	}
	fam := cmd.Family()
	name := cmd.Name()
	if cmd.Kind != "table" {
		name = cmd.str("table")
	}
	if (fam != "" && fam != Family) || (name != "" && name != Table) {
		return fmt.Errorf("%s %s %s", cmd.Kind, fam, name)
	}
	return nil
}

// RuleCount is the number of rule-adding commands, equal to the number of
// rule lines RenderText emits.
func RuleCount(c Config) int {
	n := 0
	for _, cmd := range c.Nftables {
		if cmd.IsRule() {
			n++
		}
	}
	return n
}

// Clone returns a deep copy of c.
func (c Command) Clone() Command {
	out := Command{Verb: c.Verb, Kind: c.Kind}
	if c.Body != nil {
		out.Body = cloneValue(c.Body).(map[string]any)
	}
	return out
}

// Clone returns a deep copy of c.
func (c Config) Clone() Config {
	out := Config{Nftables: make([]Command, len(c.Nftables))}
	for i, cmd := range c.Nftables {
		out.Nftables[i] = cmd.Clone()
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = cloneValue(val)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = cloneValue(val)
		}
		return s
	default:
		return v
	}
}
