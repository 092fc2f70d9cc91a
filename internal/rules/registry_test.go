package rules

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/heron/internal/domain"
)

func TestDefaultRegistry(t *testing.T) {
	reg, err := Default()
	if err != nil {
		t.Fatalf("embedded catalog failed validation: %v", err)
	}

	if reg.Len() != 43 {
		t.Fatalf("expected 43 rules, got %d", reg.Len())
	}
	if reg.Version() == "" {
		t.Error("expected a catalog version")
	}

	categories := make(map[domain.Category]int)
	for id := 1; id <= reg.Len(); id++ {
		r, ok := reg.Get(id)
		if !ok {
			t.Fatalf("rule %d missing", id)
		}
		if r.ID != id {
			t.Errorf("Get(%d) returned rule %d", id, r.ID)
		}
		if r.Probability < 0 || r.Probability > 100 {
			t.Errorf("rule %d probability %d out of range", id, r.Probability)
		}
		categories[r.Category]++
	}
	for _, c := range domain.Categories {
		if categories[c] == 0 {
			t.Errorf("category %s has no rules", c)
		}
	}

	if _, ok := reg.Get(0); ok {
		t.Error("Get(0) should not find a rule")
	}
	if _, ok := reg.Get(44); ok {
		t.Error("Get(44) should not find a rule")
	}
}

func TestForScope(t *testing.T) {
	reg := MustDefault()

	total := 0
	for _, scope := range []domain.Scope{domain.ScopeSingle, domain.ScopeCrossGroup, domain.ScopeDataset} {
		rules := reg.ForScope(scope)
		for i, r := range rules {
			if r.Scope != scope {
				t.Errorf("rule %d in %s bucket has scope %s", r.ID, scope, r.Scope)
			}
			if i > 0 && rules[i-1].ID >= r.ID {
				t.Errorf("%s rules not in id order", scope)
			}
		}
		total += len(rules)
	}
	if total != reg.Len() {
		t.Errorf("scopes cover %d rules, want %d", total, reg.Len())
	}

	wantDataset := []int{25, 36, 40, 41}
	got := reg.ForScope(domain.ScopeDataset)
	if len(got) != len(wantDataset) {
		t.Fatalf("expected %d dataset rules, got %d", len(wantDataset), len(got))
	}
	for i, id := range wantDataset {
		if got[i].ID != id {
			t.Errorf("dataset rule %d: got %d want %d", i, got[i].ID, id)
		}
	}
}

func TestForScopeIsACopy(t *testing.T) {
	reg := MustDefault()
	got := reg.ForScope(domain.ScopeDataset)
	got[0] = nil

	if again := reg.ForScope(domain.ScopeDataset); again[0] == nil || again[0].ID != 25 {
		t.Error("ForScope should not alias registry state")
	}
}

func TestDefinitionsAreCopies(t *testing.T) {
	reg := MustDefault()
	defs := reg.Definitions()
	defs[0].Name = "changed"

	r, _ := reg.Get(1)
	if r.Name == "changed" {
		t.Error("Definitions should not alias registry state")
	}
}

// mutateCatalog loads the embedded catalog, applies fn and re-encodes it.
func mutateCatalog(t *testing.T, fn func(*catalogFile)) []byte {
	t.Helper()
	var file catalogFile
	if err := yaml.Unmarshal(embeddedCatalog, &file); err != nil {
		t.Fatalf("parse embedded catalog: %v", err)
	}
	fn(&file)
	data, err := yaml.Marshal(&file)
	if err != nil {
		t.Fatalf("encode catalog: %v", err)
	}
	return data
}

func TestLoadRejectsInvalidCatalogs(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*catalogFile)
		wantMsg string
	}{
		{
			name:    "duplicate id",
			mutate:  func(f *catalogFile) { f.Rules[1].ID = 1 },
			wantMsg: "duplicate id",
		},
		{
			name:    "missing citation",
			mutate:  func(f *catalogFile) { f.Rules[4].Citation = "" },
			wantMsg: "citation is required",
		},
		{
			name:    "bad severity",
			mutate:  func(f *catalogFile) { f.Rules[2].Severity = "low" },
			wantMsg: "unknown severity",
		},
		{
			name:    "bad category",
			mutate:  func(f *catalogFile) { f.Rules[2].Category = "misc" },
			wantMsg: "unknown category",
		},
		{
			name:    "probability out of range",
			mutate:  func(f *catalogFile) { f.Rules[0].Probability = 120 },
			wantMsg: "outside 0..100",
		},
		{
			name:    "scope mismatch",
			mutate:  func(f *catalogFile) { f.Rules[0].Scope = domain.ScopeSingle },
			wantMsg: "declared scope",
		},
		{
			name:    "evaluator without catalog entry",
			mutate:  func(f *catalogFile) { f.Rules = f.Rules[:42] },
			wantMsg: "missing from catalog",
		},
		{
			name:    "empty catalog",
			mutate:  func(f *catalogFile) { f.Rules = nil },
			wantMsg: "no rules",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(mutateCatalog(t, tt.mutate))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, domain.ErrInvalidCatalog) {
				t.Errorf("expected ErrInvalidCatalog, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not mention %q", err, tt.wantMsg)
			}
		})
	}
}

func TestLoadReportsEveryProblem(t *testing.T) {
	data := mutateCatalog(t, func(f *catalogFile) {
		f.Rules[0].Name = ""
		f.Rules[10].Citation = ""
	})
	_, err := Load(data)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"rule 1: name is required", "rule 11: citation is required"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q: %v", want, err)
		}
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	_, err := Load([]byte("rules: [this is: not: valid"))
	if !errors.Is(err, domain.ErrInvalidCatalog) {
		t.Errorf("expected ErrInvalidCatalog, got %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, embeddedCatalog, 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	reg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if reg.Len() != 43 {
		t.Errorf("expected 43 rules, got %d", reg.Len())
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestRender(t *testing.T) {
	r, _ := MustDefault().Get(14)
	got := r.Render(map[string]string{"opened": "2001-01-01", "floor": "2005"})
	if strings.Contains(got, "{opened}") || strings.Contains(got, "{floor}") {
		t.Errorf("placeholders not filled: %q", got)
	}
	if !strings.Contains(got, "2001-01-01") {
		t.Errorf("rendered description missing value: %q", got)
	}
}
