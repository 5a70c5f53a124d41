package codes

import (
	"context"
	"testing"
)

func preloaded(entries map[[3]string]string) *Cache {
	c := &Cache{byKey: make(map[string]string), loaded: true}
	for k, desc := range entries {
		c.byKey[key(k[0], k[1], k[2])] = desc
	}
	return c
}

func TestLookup(t *testing.T) {
	c := preloaded(map[[3]string]string{
		{"JuridicalForm", "014", "NL"}:  "Besloten Vennootschap",
		{"JuridicalForm", "014", "FR"}:  "Societe a responsabilite limitee",
		{"TypeOfAddress", "REGO", "NL"}: "Zetel",
	})

	tests := []struct {
		name                     string
		category, code, language string
		want                     string
		wantFound                bool
	}{
		{"exact hit", "JuridicalForm", "014", "NL", "Besloten Vennootschap", true},
		{"other language hit", "JuridicalForm", "014", "FR", "Societe a responsabilite limitee", true},
		{"fallback to available language", "TypeOfAddress", "REGO", "FR", "Zetel", true},
		{"unknown code", "JuridicalForm", "999", "NL", "", false},
		{"unknown category", "Nope", "014", "NL", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found, err := c.Lookup(context.Background(), tt.category, tt.code, tt.language)
			if err != nil {
				t.Fatalf("Lookup: %v", err)
			}
			if found != tt.wantFound || got != tt.want {
				t.Errorf("Lookup = (%q, %v), want (%q, %v)", got, found, tt.want, tt.wantFound)
			}
		})
	}
}

func TestClearDropsData(t *testing.T) {
	c := preloaded(map[[3]string]string{
		{"Language", "1", "FR"}: "Francais",
	})

	c.Clear()

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.loaded || c.byKey != nil {
		t.Error("Clear did not reset cache state")
	}
}
