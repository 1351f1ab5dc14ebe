package domain

import "fmt"

// OriginContact is how the client heard about the business.
type OriginContact string

const (
	OriginSalon     OriginContact = "Salon"
	OriginClient    OriginContact = "Ancien client"
	OriginRS        OriginContact = "Réseaux sociaux"
	OriginAffichage OriginContact = "Affichage"
)

var originNames = map[string]OriginContact{
	"SALON":     OriginSalon,
	"CLIENT":    OriginClient,
	"RS":        OriginRS,
	"AFFICHAGE": OriginAffichage,
}

// Origins lists every known origin in declaration order.
func Origins() []OriginContact {
	return []OriginContact{OriginSalon, OriginClient, OriginRS, OriginAffichage}
}

// ParseOriginContact accepts a label ("Ancien client") or a member name ("CLIENT").
func ParseOriginContact(raw string) (OriginContact, error) {
	for _, o := range Origins() {
		if string(o) == raw {
			return o, nil
		}
	}
	if o, ok := originNames[raw]; ok {
		return o, nil
	}
	return "", fmt.Errorf("invalid category: %q", raw)
}

// Status is the lifecycle state of a fiche.
type Status string

const (
	StatusDefault    Status = "Default"
	StatusInProgress Status = "In Progress"
	StatusCompleted  Status = "Completed"
)

// ParseStatus accepts a label ("In Progress") or a member name ("IN_PROGRESS").
func ParseStatus(raw string) (Status, error) {
	switch raw {
	case string(StatusDefault), "DEFAULT":
		return StatusDefault, nil
	case string(StatusInProgress), "IN_PROGRESS":
		return StatusInProgress, nil
	case string(StatusCompleted), "COMPLETED":
		return StatusCompleted, nil
	}
	return "", fmt.Errorf("invalid status: %q", raw)
}

// Material of joinery products, referenced by work schemas.
type Material string

const (
	MaterialPVC  Material = "PVC"
	MaterialBois Material = "BOIS"
	MaterialAlu  Material = "ALU"
)

func Materials() []Material {
	return []Material{MaterialPVC, MaterialBois, MaterialAlu}
}

// WorksPlanned is one planned work item owned by a fiche.
type WorksPlanned struct {
	Work    string         `json:"work"`
	Details map[string]any `json:"details"`
}

// Fiche is a client intake record.
type Fiche struct {
	ID              string         `json:"id"`
	Lastname        string         `json:"lastname"`
	Firstname       string         `json:"firstname"`
	AppointmentDate string         `json:"date_rdv"`
	AppointmentTime string         `json:"heure_rdv"`
	Phone           string         `json:"telephone"`
	Email           string         `json:"email"`
	Address         string         `json:"address"`
	PostalCode      string         `json:"code_postal"`
	City            string         `json:"city"`
	HousingType     string         `json:"type_logement"`
	HousingStatus   string         `json:"statut_habitation"`
	OriginContact   OriginContact  `json:"origin_contact"`
	WorksPlanned    []WorksPlanned `json:"works_planned"`
	Commentary      string         `json:"commentary"`
	Status          Status         `json:"status"`
}

// Clone returns a deep copy, including every works details document.
func (f Fiche) Clone() Fiche {
	out := f
	out.WorksPlanned = CloneWorks(f.WorksPlanned)
	return out
}

// CloneWorks deep-copies a works list. A nil list becomes an empty one.
func CloneWorks(in []WorksPlanned) []WorksPlanned {
	out := make([]WorksPlanned, 0, len(in))
	for _, w := range in {
		out = append(out, WorksPlanned{Work: w.Work, Details: cloneMap(w.Details)})
	}
	return out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// Event is one entry of the fiche audit journal.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts" format:"date-time"`
	Type    string         `json:"type"`
	FicheID string         `json:"fiche_id"`
	Payload map[string]any `json:"payload,omitempty"`
}

const (
	EventFicheCreated   = "fiche.created"
	EventFicheUpdated   = "fiche.updated"
	EventFicheDeleted   = "fiche.deleted"
	EventFicheValidated = "fiche.validated"
	EventFicheCompleted = "fiche.completed"
)
