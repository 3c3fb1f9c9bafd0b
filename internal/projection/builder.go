package projection

import "github.com/roach88/flatline/internal/ir"

// Builder assembles a Definition in code. Rules are registered in order;
// Build infers undeclared columns and validates the result.
//
//	def, err := projection.NewBuilder("import_history", "import_history").
//		Key("id", projection.TypeUUID).
//		On("ImportStarted",
//			projection.MapField("ActivityType", "").Required(),
//			projection.SetConstant("status", ir.String("started")),
//		).
//		Delete("ImportFailed").
//		Build()
type Builder struct {
	def Definition
}

// NewBuilder starts a definition with the given projection name and table.
func NewBuilder(name, table string) *Builder {
	return &Builder{def: Definition{Name: name, Table: table}}
}

// Schema sets the owning database schema.
func (b *Builder) Schema(schema string) *Builder {
	b.def.Schema = schema
	return b
}

// Key sets the primary key column.
func (b *Builder) Key(name string, typ ColumnType) *Builder {
	b.def.Key = KeyColumn{Name: name, Type: typ}
	return b
}

// Column declares a column explicitly. Declared columns take precedence
// over inference.
func (b *Builder) Column(name string, typ ColumnType, nullable bool) *Builder {
	b.def.Columns = append(b.def.Columns, Column{Name: name, Type: typ, Nullable: nullable})
	return b
}

// ColumnDefault declares a column with a database-level default.
func (b *Builder) ColumnDefault(name string, typ ColumnType, nullable bool, def ir.Value) *Builder {
	b.def.Columns = append(b.def.Columns, Column{Name: name, Type: typ, Nullable: nullable, Default: def})
	return b
}

// Index requires a secondary index on the given columns.
func (b *Builder) Index(name string, columns ...string) *Builder {
	b.def.Indexes = append(b.def.Indexes, Index{Name: name, Columns: columns})
	return b
}

// UniqueIndex requires a unique secondary index.
func (b *Builder) UniqueIndex(name string, columns ...string) *Builder {
	b.def.Indexes = append(b.def.Indexes, Index{Name: name, Columns: columns, Unique: true})
	return b
}

// On registers the operations applied for an event type.
func (b *Builder) On(eventType string, ops ...Op) *Builder {
	b.def.Rules = append(b.def.Rules, Rule{EventType: eventType, Ops: ops})
	return b
}

// Delete registers a rule that removes the row for an event type.
func (b *Builder) Delete(eventType string) *Builder {
	return b.On(eventType, DeleteRow())
}

// TeardownOnRebuild allows rebuild to truncate the table.
func (b *Builder) TeardownOnRebuild() *Builder {
	b.def.TeardownOnRebuild = true
	return b
}

// Strategy selects the upsert strategy.
func (b *Builder) Strategy(s UpsertStrategy) *Builder {
	b.def.Strategy = s
	return b
}

// Build returns the prepared definition or ValidationErrors.
func (b *Builder) Build() (*Definition, error) {
	def := b.def
	def.Columns = append([]Column(nil), b.def.Columns...)
	def.Indexes = append([]Index(nil), b.def.Indexes...)
	def.Rules = append([]Rule(nil), b.def.Rules...)
	if err := def.Prepare(); err != nil {
		return nil, err
	}
	return &def, nil
}

// MustBuild is Build for definitions known to be valid; it panics otherwise.
func (b *Builder) MustBuild() *Definition {
	def, err := b.Build()
	if err != nil {
		panic(err)
	}
	return def
}
