package projection

import (
	"fmt"

	"github.com/roach88/flatline/internal/ir"
)

// ColumnType is the logical type of a projected column. Catalogs translate
// physical database types into these.
type ColumnType string

const (
	TypeText      ColumnType = "text"
	TypeInteger   ColumnType = "integer"
	TypeBoolean   ColumnType = "boolean"
	TypeTimestamp ColumnType = "timestamp"
	TypeUUID      ColumnType = "uuid"
	TypeJSON      ColumnType = "json"
)

// ValidColumnTypes lists the accepted column types.
var ValidColumnTypes = map[ColumnType]bool{
	TypeText:      true,
	TypeInteger:   true,
	TypeBoolean:   true,
	TypeTimestamp: true,
	TypeUUID:      true,
	TypeJSON:      true,
}

// UpsertStrategy selects how the executor's upserts are materialized.
type UpsertStrategy string

const (
	// StrategyInline renders INSERT ... ON CONFLICT statements directly.
	StrategyInline UpsertStrategy = "inline"
	// StrategyFunction calls a stored upsert function per table (Postgres).
	StrategyFunction UpsertStrategy = "function"
)

// KeyColumn is the primary key column. Its value is the stream identity.
type KeyColumn struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// Column describes one non-key column of the projected table.
type Column struct {
	Name     string     `json:"name"`
	Type     ColumnType `json:"type"`
	Nullable bool       `json:"nullable"`
	// Default is the database-level default used in generated DDL. Nil means none.
	Default ir.Value `json:"default,omitempty"`
}

// Index is a secondary index required on the projected table.
type Index struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Unique  bool     `json:"unique,omitempty"`
}

// Rule is the ordered list of operations applied for one event type.
type Rule struct {
	EventType string `json:"event_type"`
	Ops       []Op   `json:"ops"`
}

// Deletes reports whether the rule removes the row.
func (r Rule) Deletes() bool {
	return len(r.Ops) == 1 && r.Ops[0].Kind == OpDelete
}

// Definition is a complete flat-table projection.
//
// INVARIANTS (enforced by Validate):
//   - exactly one Rule per event type
//   - at least one rule creates rows (is not a delete rule)
//   - no operation targets the key column
type Definition struct {
	Name              string         `json:"name"`
	Schema            string         `json:"schema,omitempty"`
	Table             string         `json:"table"`
	Key               KeyColumn      `json:"key"`
	Columns           []Column       `json:"columns"`
	Indexes           []Index        `json:"indexes,omitempty"`
	Rules             []Rule         `json:"rules"`
	TeardownOnRebuild bool           `json:"teardown_on_rebuild,omitempty"`
	Strategy          UpsertStrategy `json:"strategy,omitempty"`

	rules map[string]int
}

// RuleFor returns the rule registered for an event type.
func (d *Definition) RuleFor(eventType string) (Rule, bool) {
	if d.rules != nil {
		i, ok := d.rules[eventType]
		if !ok {
			return Rule{}, false
		}
		return d.Rules[i], true
	}
	for _, r := range d.Rules {
		if r.EventType == eventType {
			return r, true
		}
	}
	return Rule{}, false
}

// Column returns the declared or inferred column with the given name.
func (d *Definition) Column(name string) (Column, bool) {
	for _, c := range d.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// EventTypes returns the handled event types in declaration order.
func (d *Definition) EventTypes() []string {
	out := make([]string, len(d.Rules))
	for i, r := range d.Rules {
		out[i] = r.EventType
	}
	return out
}

// QualifiedTable returns schema.table, or just table when no schema is set.
func (d *Definition) QualifiedTable() string {
	if d.Schema == "" {
		return d.Table
	}
	return d.Schema + "." + d.Table
}

// EffectiveStrategy returns the strategy, defaulting to inline.
func (d *Definition) EffectiveStrategy() UpsertStrategy {
	if d.Strategy == "" {
		return StrategyInline
	}
	return d.Strategy
}

// UpsertFunction is the stored function StrategyFunction calls for events
// of the given type.
func (d *Definition) UpsertFunction(eventType string) string {
	return "upsert_" + d.Table + "_" + ColumnName(eventType)
}

// UpsertFunctions lists the stored functions StrategyFunction requires, one
// per create-capable rule.
func (d *Definition) UpsertFunctions() []string {
	var out []string
	for _, r := range d.Rules {
		if !r.Deletes() {
			out = append(out, d.UpsertFunction(r.EventType))
		}
	}
	return out
}

// Fingerprint is a stable hash of the definition's shape. Two definitions
// with the same fingerprint produce identical writes for every event.
func (d *Definition) Fingerprint() (string, error) {
	hash, err := ir.HashCanonical(ir.DomainDefinition, d.canonicalMap())
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", d.Name, err)
	}
	return hash, nil
}

func (d *Definition) canonicalMap() map[string]any {
	cols := make([]any, len(d.Columns))
	for i, c := range d.Columns {
		m := map[string]any{"name": c.Name, "type": string(c.Type), "nullable": c.Nullable}
		if c.Default != nil {
			m["default"] = c.Default
		}
		cols[i] = m
	}
	idx := make([]any, len(d.Indexes))
	for i, ix := range d.Indexes {
		names := make([]any, len(ix.Columns))
		for j, c := range ix.Columns {
			names[j] = c
		}
		idx[i] = map[string]any{"name": ix.Name, "columns": names, "unique": ix.Unique}
	}
	rules := make([]any, len(d.Rules))
	for i, r := range d.Rules {
		ops := make([]any, len(r.Ops))
		for j, op := range r.Ops {
			ops[j] = op.canonicalMap()
		}
		rules[i] = map[string]any{"event_type": r.EventType, "ops": ops}
	}
	return map[string]any{
		"name":     d.Name,
		"schema":   d.Schema,
		"table":    d.Table,
		"key":      map[string]any{"name": d.Key.Name, "type": string(d.Key.Type)},
		"columns":  cols,
		"indexes":  idx,
		"rules":    rules,
		"teardown": d.TeardownOnRebuild,
		"strategy": string(d.EffectiveStrategy()),
	}
}

// index builds the event type lookup. Called after successful validation.
func (d *Definition) index() {
	d.rules = make(map[string]int, len(d.Rules))
	for i, r := range d.Rules {
		d.rules[r.EventType] = i
	}
}
