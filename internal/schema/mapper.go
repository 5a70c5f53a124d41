// Package schema translates the registry extract's published column and
// table names into canonical storage names. The mapping is deterministic,
// side-effect free, and total over the published column set: columns not
// covered by a special case fall back to automatic case-splitting.
package schema

import "strings"

// specialColumns lists source columns where automatic case-splitting would
// produce the wrong storage name, mostly the language-suffixed address
// columns ("CountryNL" would otherwise split into "country_n_l").
var specialColumns = map[string]string{
	"CountryNL":        "country_nl",
	"CountryFR":        "country_fr",
	"MunicipalityNL":   "municipality_nl",
	"MunicipalityFR":   "municipality_fr",
	"StreetNL":         "street_nl",
	"StreetFR":         "street_fr",
	"JuridicalFormCAC": "juridical_form_cac",
}

// tableNames maps the singular source table names to their plural storage
// names. Unknown tables pass through unchanged so auxiliary files in an
// extract do not break staging.
var tableNames = map[string]string{
	"enterprise":    "enterprises",
	"establishment": "establishments",
	"denomination":  "denominations",
	"address":       "addresses",
	"activity":      "activities",
	"contact":       "contacts",
	"branch":        "branches",
	"code":          "codes",
}

// ColumnName converts a source column name (PascalCase) to its storage
// column name (snake_case).
func ColumnName(src string) string {
	if mapped, ok := specialColumns[src]; ok {
		return mapped
	}

	var b strings.Builder
	b.Grow(len(src) + 4)
	for i, r := range src {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// TableName converts a singular source table name to its plural storage
// name. Names without a mapping are treated as already canonical.
func TableName(src string) string {
	if mapped, ok := tableNames[strings.ToLower(src)]; ok {
		return mapped
	}
	return src
}

// EntityType derives the entity type from an entity number. Establishment
// numbers start with a digit of 2 or higher; everything else is an
// enterprise number.
func EntityType(entityNumber string) string {
	n := strings.TrimSpace(entityNumber)
	if n != "" && n[0] >= '2' && n[0] <= '9' {
		return "establishment"
	}
	return "enterprise"
}
