package server

import (
	"fichecontact/internal/domain"
)

// Request payloads

type WorksPlannedRequest struct {
	Work    string         `json:"work" minLength:"1" example:"porte"`
	Details map[string]any `json:"details"`
}

type CreateFicheRequest struct {
	Lastname         string                `json:"lastname" minLength:"1" maxLength:"100" example:"Doe"`
	Firstname        string                `json:"firstname" minLength:"1" maxLength:"100" example:"John"`
	DateRdv          string                `json:"date_rdv" format:"date" example:"2024-05-01"`
	HeureRdv         string                `json:"heure_rdv" pattern:"^([01]\\d|2[0-3]):[0-5]\\d(:[0-5]\\d)?$" example:"10:00:00"`
	Telephone        string                `json:"telephone" pattern:"^0[1-9]\\d{8}$" example:"0612345678"`
	Email            string                `json:"email" format:"email" maxLength:"255" example:"john@example.com"`
	Address          string                `json:"address" minLength:"1" maxLength:"255"`
	CodePostal       string                `json:"code_postal" pattern:"^\\d{5}$" example:"75001"`
	City             string                `json:"city" minLength:"1" maxLength:"100" example:"Paris"`
	TypeLogement     string                `json:"type_logement,omitempty" maxLength:"100"`
	StatutHabitation string                `json:"statut_habitation,omitempty" maxLength:"100"`
	OriginContact    string                `json:"origin_contact" example:"Affichage"`
	WorksPlanned     []WorksPlannedRequest `json:"works_planned,omitempty"`
	Commentary       string                `json:"commentary,omitempty"`
}

// UpdateFicheRequest fields are optional; null is treated like an absent field.
type UpdateFicheRequest struct {
	Lastname         *string                `json:"lastname,omitempty" nullable:"true" minLength:"1" maxLength:"100"`
	Firstname        *string                `json:"firstname,omitempty" nullable:"true" minLength:"1" maxLength:"100"`
	DateRdv          *string                `json:"date_rdv,omitempty" nullable:"true" format:"date"`
	HeureRdv         *string                `json:"heure_rdv,omitempty" nullable:"true" pattern:"^([01]\\d|2[0-3]):[0-5]\\d(:[0-5]\\d)?$"`
	Telephone        *string                `json:"telephone,omitempty" nullable:"true" pattern:"^0[1-9]\\d{8}$"`
	Email            *string                `json:"email,omitempty" nullable:"true" format:"email" maxLength:"255"`
	Address          *string                `json:"address,omitempty" nullable:"true" minLength:"1" maxLength:"255"`
	CodePostal       *string                `json:"code_postal,omitempty" nullable:"true" pattern:"^\\d{5}$"`
	City             *string                `json:"city,omitempty" nullable:"true" minLength:"1" maxLength:"100"`
	TypeLogement     *string                `json:"type_logement,omitempty" nullable:"true" maxLength:"100"`
	StatutHabitation *string                `json:"statut_habitation,omitempty" nullable:"true" maxLength:"100"`
	OriginContact    *string                `json:"origin_contact,omitempty" nullable:"true"`
	WorksPlanned     *[]WorksPlannedRequest `json:"works_planned,omitempty" nullable:"true"`
	Commentary       *string                `json:"commentary,omitempty" nullable:"true"`
}

// CompleteWorksRequest items are checked by the completion use case, so a
// missing work or details key is reported with its item number.
type CompleteWorksRequest struct {
	WorksPlanned []map[string]any `json:"works_planned"`
}

// Response payloads

type WorksPlannedResponse struct {
	Work    string         `json:"work"`
	Details map[string]any `json:"details"`
}

type FicheResponse struct {
	ID               string                 `json:"id" example:"3f2a9c0e5b7d4e1f8a6b2c9d0e1f2a3b"`
	Lastname         string                 `json:"lastname"`
	Firstname        string                 `json:"firstname"`
	DateRdv          string                 `json:"date_rdv"`
	HeureRdv         string                 `json:"heure_rdv"`
	Telephone        string                 `json:"telephone"`
	Email            string                 `json:"email"`
	Address          string                 `json:"address"`
	CodePostal       string                 `json:"code_postal"`
	City             string                 `json:"city"`
	TypeLogement     string                 `json:"type_logement"`
	StatutHabitation string                 `json:"statut_habitation"`
	OriginContact    string                 `json:"origin_contact" enum:"Salon,Ancien client,Réseaux sociaux,Affichage"`
	WorksPlanned     []WorksPlannedResponse `json:"works_planned"`
	Commentary       string                 `json:"commentary"`
	Status           string                 `json:"status" enum:"Default,In Progress,Completed"`
}

type EventResponse struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts" format:"date-time"`
	Type    string         `json:"type" example:"fiche.created"`
	FicheID string         `json:"fiche_id"`
	Payload map[string]any `json:"payload,omitempty"`
}

func ficheResponse(f domain.Fiche) FicheResponse {
	works := make([]WorksPlannedResponse, 0, len(f.WorksPlanned))
	for _, w := range f.WorksPlanned {
		details := w.Details
		if details == nil {
			details = map[string]any{}
		}
		works = append(works, WorksPlannedResponse{Work: w.Work, Details: details})
	}
	return FicheResponse{
		ID:               f.ID,
		Lastname:         f.Lastname,
		Firstname:        f.Firstname,
		DateRdv:          f.AppointmentDate,
		HeureRdv:         f.AppointmentTime,
		Telephone:        f.Phone,
		Email:            f.Email,
		Address:          f.Address,
		CodePostal:       f.PostalCode,
		City:             f.City,
		TypeLogement:     f.HousingType,
		StatutHabitation: f.HousingStatus,
		OriginContact:    string(f.OriginContact),
		WorksPlanned:     works,
		Commentary:       f.Commentary,
		Status:           string(f.Status),
	}
}

func mapFiches(items []domain.Fiche) []FicheResponse {
	out := make([]FicheResponse, 0, len(items))
	for _, f := range items {
		out = append(out, ficheResponse(f))
	}
	return out
}

func eventResponse(evt domain.Event) EventResponse {
	return EventResponse{
		ID:      evt.ID,
		TS:      evt.TS,
		Type:    evt.Type,
		FicheID: evt.FicheID,
		Payload: evt.Payload,
	}
}

func worksFromRequest(items []WorksPlannedRequest) []domain.WorksPlanned {
	out := make([]domain.WorksPlanned, 0, len(items))
	for _, w := range items {
		details := w.Details
		if details == nil {
			details = map[string]any{}
		}
		out = append(out, domain.WorksPlanned{Work: w.Work, Details: details})
	}
	return out
}
