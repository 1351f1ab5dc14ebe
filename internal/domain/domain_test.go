package domain

import "testing"

func TestParseOriginContact(t *testing.T) {
	tests := []struct {
		in      string
		want    OriginContact
		wantErr bool
	}{
		{"Salon", OriginSalon, false},
		{"Ancien client", OriginClient, false},
		{"Réseaux sociaux", OriginRS, false},
		{"AFFICHAGE", OriginAffichage, false},
		{"CLIENT", OriginClient, false},
		{"salon", "", true},
		{"", "", true},
		{"Radio", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseOriginContact(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q, got %q", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse %q: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseOriginContact(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseStatus(t *testing.T) {
	for _, in := range []string{"In Progress", "IN_PROGRESS"} {
		got, err := ParseStatus(in)
		if err != nil || got != StatusInProgress {
			t.Fatalf("ParseStatus(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseStatus("done"); err == nil {
		t.Fatalf("expected error for unknown status")
	}
}

func TestCloneIsDeep(t *testing.T) {
	f := Fiche{
		ID: "abc",
		WorksPlanned: []WorksPlanned{{
			Work:    "porte",
			Details: map[string]any{"hauteur": 200.0, "options": []any{"vitrage"}},
		}},
	}
	c := f.Clone()
	c.WorksPlanned[0].Details["hauteur"] = 210.0
	c.WorksPlanned[0].Details["options"].([]any)[0] = "poignée"
	if f.WorksPlanned[0].Details["hauteur"] != 200.0 {
		t.Fatalf("clone shares details map")
	}
	if f.WorksPlanned[0].Details["options"].([]any)[0] != "vitrage" {
		t.Fatalf("clone shares nested slice")
	}
}

func TestCloneWorksNil(t *testing.T) {
	got := CloneWorks(nil)
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil list, got %#v", got)
	}
}
