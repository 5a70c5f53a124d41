// Package tables defines the temporally versioned entity tables of the
// registry and the fixed order in which batches are processed. Every
// definition lists the table's business columns, the natural key that
// identifies one logical record, and the column screened against the
// registry checksum during batch application.
package tables

import (
	"fmt"
	"strings"
)

// NumberKind selects which checksum applies to a table's identifying
// number column.
type NumberKind int

const (
	// NumberNone means the table has no checksum-validated column.
	NumberNone NumberKind = iota
	// NumberEnterprise validates against the enterprise checksum.
	NumberEnterprise
	// NumberEstablishment validates against the establishment checksum.
	NumberEstablishment
	// NumberEntity means the column holds either kind; the shape of the
	// value decides which checksum applies.
	NumberEntity
)

// ColumnType marks how a staged value is converted before storage.
type ColumnType int

const (
	ColText ColumnType = iota
	ColDate
)

// Column is one business column of an entity table.
type Column struct {
	Name string
	Type ColumnType
}

// Definition describes one versioned entity table.
type Definition struct {
	// Name is the plural storage table name.
	Name string
	// Source is the singular table name used in extract file names.
	Source string
	// Columns are the business columns in storage order.
	Columns []Column
	// Key lists the columns forming the natural key.
	Key []string
	// NumberColumn is the column validated against the registry checksum,
	// empty when NumberKind is NumberNone.
	NumberColumn string
	// NumberKind selects the checksum for NumberColumn.
	NumberKind NumberKind
	// HasPrimaryName marks tables carrying the denormalized display name
	// resolved at finalize.
	HasPrimaryName bool
}

// ColumnNames returns the business column names in storage order.
func (d Definition) ColumnNames() []string {
	names := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		names[i] = c.Name
	}
	return names
}

// NaturalKey builds the composite key value for a staged record, joining
// the key column values with "|". Missing columns contribute an empty
// segment so partial delete records still produce a stable key prefix.
func (d Definition) NaturalKey(record map[string]string) string {
	parts := make([]string, len(d.Key))
	for i, col := range d.Key {
		parts[i] = record[col]
	}
	return strings.Join(parts, "|")
}

// processingOrder fixes the total order used by batch auto-selection.
// Parent entities come before the tables referencing them so sequential
// callers land enterprise rows before their dependents.
var processingOrder = []string{
	"enterprises",
	"establishments",
	"branches",
	"denominations",
	"addresses",
	"contacts",
	"activities",
}

var definitions = make(map[string]Definition)

func register(def Definition) {
	if _, exists := definitions[def.Name]; exists {
		panic(fmt.Sprintf("table already registered: %s", def.Name))
	}
	definitions[def.Name] = def
}

func init() {
	register(Definition{
		Name:   "enterprises",
		Source: "enterprise",
		Columns: []Column{
			{Name: "enterprise_number"},
			{Name: "status"},
			{Name: "juridical_situation"},
			{Name: "type_of_enterprise"},
			{Name: "juridical_form"},
			{Name: "juridical_form_cac"},
			{Name: "start_date", Type: ColDate},
		},
		Key:            []string{"enterprise_number"},
		NumberColumn:   "enterprise_number",
		NumberKind:     NumberEnterprise,
		HasPrimaryName: true,
	})

	register(Definition{
		Name:   "establishments",
		Source: "establishment",
		Columns: []Column{
			{Name: "establishment_number"},
			{Name: "enterprise_number"},
			{Name: "start_date", Type: ColDate},
		},
		Key:            []string{"establishment_number"},
		NumberColumn:   "establishment_number",
		NumberKind:     NumberEstablishment,
		HasPrimaryName: true,
	})

	register(Definition{
		Name:   "branches",
		Source: "branch",
		Columns: []Column{
			{Name: "id"},
			{Name: "enterprise_number"},
			{Name: "start_date", Type: ColDate},
		},
		Key:          []string{"id"},
		NumberColumn: "enterprise_number",
		NumberKind:   NumberEnterprise,
	})

	register(Definition{
		Name:   "denominations",
		Source: "denomination",
		Columns: []Column{
			{Name: "entity_number"},
			{Name: "language"},
			{Name: "type_of_denomination"},
			{Name: "denomination"},
		},
		Key:          []string{"entity_number", "language", "type_of_denomination"},
		NumberColumn: "entity_number",
		NumberKind:   NumberEntity,
	})

	register(Definition{
		Name:   "addresses",
		Source: "address",
		Columns: []Column{
			{Name: "entity_number"},
			{Name: "type_of_address"},
			{Name: "country_nl"},
			{Name: "country_fr"},
			{Name: "zipcode"},
			{Name: "municipality_nl"},
			{Name: "municipality_fr"},
			{Name: "street_nl"},
			{Name: "street_fr"},
			{Name: "house_number"},
			{Name: "box"},
			{Name: "extra_address_info"},
			{Name: "date_striking_off", Type: ColDate},
		},
		Key:          []string{"entity_number", "type_of_address"},
		NumberColumn: "entity_number",
		NumberKind:   NumberEntity,
	})

	register(Definition{
		Name:   "contacts",
		Source: "contact",
		Columns: []Column{
			{Name: "entity_number"},
			{Name: "entity_contact"},
			{Name: "contact_type"},
			{Name: "value"},
		},
		Key:          []string{"entity_number", "entity_contact", "contact_type", "value"},
		NumberColumn: "entity_number",
		NumberKind:   NumberEntity,
	})

	register(Definition{
		Name:   "activities",
		Source: "activity",
		Columns: []Column{
			{Name: "entity_number"},
			{Name: "activity_group"},
			{Name: "nace_version"},
			{Name: "nace_code"},
			{Name: "classification"},
		},
		Key:          []string{"entity_number", "activity_group", "nace_version", "nace_code", "classification"},
		NumberColumn: "entity_number",
		NumberKind:   NumberEntity,
	})
}

// Get returns a table definition by storage name.
func Get(name string) (Definition, bool) {
	def, ok := definitions[name]
	return def, ok
}

// BySource returns a table definition by its singular source name.
func BySource(source string) (Definition, bool) {
	for _, def := range definitions {
		if def.Source == source {
			return def, true
		}
	}
	return Definition{}, false
}

// Order returns all definitions in the fixed processing order.
func Order() []Definition {
	defs := make([]Definition, 0, len(processingOrder))
	for _, name := range processingOrder {
		defs = append(defs, definitions[name])
	}
	return defs
}

// Names returns the storage table names in processing order.
func Names() []string {
	return append([]string(nil), processingOrder...)
}

// Position returns the index of a table in the processing order, or -1
// for tables outside it.
func Position(name string) int {
	for i, n := range processingOrder {
		if n == name {
			return i
		}
	}
	return -1
}
