package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"fichecontact/internal/domain"
)

// FicheModel is the GORM mapping of the fiches table.
type FicheModel struct {
	ID               string             `gorm:"primaryKey;size:32"`
	Lastname         string             `gorm:"size:100;not null"`
	Firstname        string             `gorm:"size:100;not null"`
	DateRdv          string             `gorm:"column:date_rdv;size:10;not null"`
	HeureRdv         string             `gorm:"column:heure_rdv;size:8;not null"`
	Telephone        string             `gorm:"size:10;not null"`
	Email            string             `gorm:"size:255;not null"`
	Address          string             `gorm:"size:255;not null"`
	CodePostal       string             `gorm:"column:code_postal;size:5;not null"`
	City             string             `gorm:"size:100;not null;index"`
	TypeLogement     string             `gorm:"column:type_logement;size:100"`
	StatutHabitation string             `gorm:"column:statut_habitation;size:100"`
	OriginContact    string             `gorm:"column:origin_contact;size:32;not null"`
	Commentary       string             `gorm:"type:text"`
	Status           string             `gorm:"size:32;not null;default:'Default';index"`
	WorksPlanned     []WorkPlannedModel `gorm:"foreignKey:FicheID;constraint:OnDelete:CASCADE"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (FicheModel) TableName() string { return "fiches" }

type WorkPlannedModel struct {
	ID       uint           `gorm:"primaryKey"`
	FicheID  string         `gorm:"size:32;not null;index"`
	Position int            `gorm:"not null"`
	Work     string         `gorm:"size:100;not null"`
	Details  datatypes.JSON `gorm:"not null"`
}

func (WorkPlannedModel) TableName() string { return "works_planned" }

type EventModel struct {
	ID      int64          `gorm:"primaryKey;autoIncrement"`
	TS      string         `gorm:"column:ts;size:32;not null"`
	Type    string         `gorm:"size:64;not null"`
	FicheID string         `gorm:"size:32;not null;index"`
	Payload datatypes.JSON `gorm:"not null"`
}

func (EventModel) TableName() string { return "events" }

// Models lists every table managed through GORM, in creation order.
func Models() []any {
	return []any{&FicheModel{}, &WorkPlannedModel{}, &EventModel{}}
}

// GormRepo stores fiches through GORM (PostgreSQL in production, SQLite in tests).
type GormRepo struct {
	DB *gorm.DB
}

func orderedWorks(db *gorm.DB) *gorm.DB {
	return db.Order("position ASC")
}

func toModel(f domain.Fiche) (FicheModel, error) {
	works, err := toWorkModels(f.ID, f.WorksPlanned)
	if err != nil {
		return FicheModel{}, err
	}
	return FicheModel{
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
		Commentary:       f.Commentary,
		Status:           string(f.Status),
		WorksPlanned:     works,
	}, nil
}

func toWorkModels(ficheID string, works []domain.WorksPlanned) ([]WorkPlannedModel, error) {
	out := make([]WorkPlannedModel, 0, len(works))
	for i, w := range works {
		details := w.Details
		if details == nil {
			details = map[string]any{}
		}
		raw, err := json.Marshal(details)
		if err != nil {
			return nil, fmt.Errorf("encode details of work %s: %w", w.Work, err)
		}
		out = append(out, WorkPlannedModel{FicheID: ficheID, Position: i, Work: w.Work, Details: datatypes.JSON(raw)})
	}
	return out, nil
}

func fromModel(m FicheModel) (domain.Fiche, error) {
	f := domain.Fiche{
		ID:              m.ID,
		Lastname:        m.Lastname,
		Firstname:       m.Firstname,
		AppointmentDate: m.DateRdv,
		AppointmentTime: m.HeureRdv,
		Phone:           m.Telephone,
		Email:           m.Email,
		Address:         m.Address,
		PostalCode:      m.CodePostal,
		City:            m.City,
		HousingType:     m.TypeLogement,
		HousingStatus:   m.StatutHabitation,
		Commentary:      m.Commentary,
		WorksPlanned:    make([]domain.WorksPlanned, 0, len(m.WorksPlanned)),
	}
	var err error
	if f.OriginContact, err = domain.ParseOriginContact(m.OriginContact); err != nil {
		return domain.Fiche{}, fmt.Errorf("fiche %s: %w", m.ID, err)
	}
	if f.Status, err = domain.ParseStatus(m.Status); err != nil {
		return domain.Fiche{}, fmt.Errorf("fiche %s: %w", m.ID, err)
	}
	for _, w := range m.WorksPlanned {
		details := map[string]any{}
		if len(w.Details) > 0 {
			if err := json.Unmarshal(w.Details, &details); err != nil {
				return domain.Fiche{}, fmt.Errorf("decode details of fiche %s: %w", m.ID, err)
			}
		}
		f.WorksPlanned = append(f.WorksPlanned, domain.WorksPlanned{Work: w.Work, Details: details})
	}
	return f, nil
}

func (r GormRepo) Save(ctx context.Context, f domain.Fiche) error {
	m, err := toModel(f)
	if err != nil {
		return err
	}
	if err := r.DB.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("insert fiche: %w", err)
	}
	return nil
}

func (r GormRepo) GetByID(ctx context.Context, id string) (domain.Fiche, error) {
	var m FicheModel
	err := r.DB.WithContext(ctx).Preload("WorksPlanned", orderedWorks).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Fiche{}, ErrNotFound
	}
	if err != nil {
		return domain.Fiche{}, err
	}
	return fromModel(m)
}

// Update overwrites the fiche row and replaces its works in one transaction.
func (r GormRepo) Update(ctx context.Context, id string, f domain.Fiche) error {
	works, err := toWorkModels(id, f.WorksPlanned)
	if err != nil {
		return err
	}
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&FicheModel{}).Where("id = ?", id).Updates(map[string]any{
			"lastname":          f.Lastname,
			"firstname":         f.Firstname,
			"date_rdv":          f.AppointmentDate,
			"heure_rdv":         f.AppointmentTime,
			"telephone":         f.Phone,
			"email":             f.Email,
			"address":           f.Address,
			"code_postal":       f.PostalCode,
			"city":              f.City,
			"type_logement":     f.HousingType,
			"statut_habitation": f.HousingStatus,
			"origin_contact":    string(f.OriginContact),
			"commentary":        f.Commentary,
			"status":            string(f.Status),
			"updated_at":        time.Now().UTC(),
		})
		if res.Error != nil {
			return fmt.Errorf("update fiche: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if err := tx.Where("fiche_id = ?", id).Delete(&WorkPlannedModel{}).Error; err != nil {
			return fmt.Errorf("clear works: %w", err)
		}
		if len(works) == 0 {
			return nil
		}
		if err := tx.Create(&works).Error; err != nil {
			return fmt.Errorf("insert works: %w", err)
		}
		return nil
	})
}

func (r GormRepo) Delete(ctx context.Context, id string) error {
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("fiche_id = ?", id).Delete(&WorkPlannedModel{}).Error; err != nil {
			return fmt.Errorf("delete works: %w", err)
		}
		res := tx.Where("id = ?", id).Delete(&FicheModel{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (r GormRepo) List(ctx context.Context) ([]domain.Fiche, error) {
	return r.find(r.DB.WithContext(ctx))
}

func (r GormRepo) ListByStatus(ctx context.Context, status domain.Status) ([]domain.Fiche, error) {
	return r.find(r.DB.WithContext(ctx).Where("status = ?", string(status)))
}

func (r GormRepo) find(q *gorm.DB) ([]domain.Fiche, error) {
	var models []FicheModel
	if err := q.Preload("WorksPlanned", orderedWorks).Order("created_at ASC").Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Fiche, 0, len(models))
	for _, m := range models {
		f, err := fromModel(m)
		if err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, nil
}

func (r GormRepo) Cities(ctx context.Context) ([]string, error) {
	cities := []string{}
	err := r.DB.WithContext(ctx).Model(&FicheModel{}).
		Where("city <> ?", "").
		Distinct("city").
		Order("city ASC").
		Pluck("city", &cities).Error
	if err != nil {
		return nil, err
	}
	return cities, nil
}

func (r GormRepo) AppendEvent(ctx context.Context, evt domain.Event) error {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	return r.DB.WithContext(ctx).Create(&EventModel{
		TS:      evt.TS,
		Type:    evt.Type,
		FicheID: evt.FicheID,
		Payload: datatypes.JSON(payload),
	}).Error
}

func (r GormRepo) ListEvents(ctx context.Context, ficheID string) ([]domain.Event, error) {
	var models []EventModel
	if err := r.DB.WithContext(ctx).Where("fiche_id = ?", ficheID).Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Event, 0, len(models))
	for _, m := range models {
		evt := domain.Event{ID: m.ID, TS: m.TS, Type: m.Type, FicheID: m.FicheID}
		if len(m.Payload) > 0 {
			if err := json.Unmarshal(m.Payload, &evt.Payload); err != nil {
				return nil, fmt.Errorf("decode payload of event %d: %w", m.ID, err)
			}
		}
		res = append(res, evt)
	}
	return res, nil
}
