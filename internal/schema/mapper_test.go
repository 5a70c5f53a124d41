package schema

import "testing"

func TestColumnName(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"simple pascal case", "EnterpriseNumber", "enterprise_number"},
		{"single word", "Status", "status"},
		{"three words", "TypeOfDenomination", "type_of_denomination"},
		{"language suffix NL", "CountryNL", "country_nl"},
		{"language suffix FR", "MunicipalityFR", "municipality_fr"},
		{"street NL", "StreetNL", "street_nl"},
		{"cac suffix", "JuridicalFormCAC", "juridical_form_cac"},
		{"already lowercase", "zipcode", "zipcode"},
		{"empty", "", ""},
		{"house number", "HouseNumber", "house_number"},
		{"nace code", "NaceCode", "nace_code"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ColumnName(tt.src); got != tt.want {
				t.Errorf("ColumnName(%q) = %q, want %q", tt.src, got, tt.want)
			}
		})
	}
}

func TestTableName(t *testing.T) {
	tests := []struct {
		src  string
		want string
	}{
		{"enterprise", "enterprises"},
		{"establishment", "establishments"},
		{"denomination", "denominations"},
		{"address", "addresses"},
		{"activity", "activities"},
		{"contact", "contacts"},
		{"branch", "branches"},
		{"code", "codes"},
		{"Enterprise", "enterprises"},
		{"meta", "meta"},
		{"unknown_aux", "unknown_aux"},
	}

	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			if got := TableName(tt.src); got != tt.want {
				t.Errorf("TableName(%q) = %q, want %q", tt.src, got, tt.want)
			}
		})
	}
}

func TestEntityType(t *testing.T) {
	tests := []struct {
		number string
		want   string
	}{
		{"0200.065.765", "enterprise"},
		{"0999.999.999", "enterprise"},
		{"1000.000.000", "enterprise"},
		{"2.123.456.789", "establishment"},
		{"8.000.000.097", "establishment"},
		{" 2.123.456.789 ", "establishment"},
		{"", "enterprise"},
	}

	for _, tt := range tests {
		t.Run(tt.number, func(t *testing.T) {
			if got := EntityType(tt.number); got != tt.want {
				t.Errorf("EntityType(%q) = %q, want %q", tt.number, got, tt.want)
			}
		})
	}
}
