package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"fichecontact/internal/domain"
	"fichecontact/internal/events"
	"fichecontact/internal/repo"
	"fichecontact/internal/schemas"
)

// ErrNotFound is returned when no fiche matches an identifier.
var ErrNotFound = repo.ErrNotFound

// Repository is the storage the use cases run against.
type Repository interface {
	events.Sink
	Save(ctx context.Context, f domain.Fiche) error
	GetByID(ctx context.Context, id string) (domain.Fiche, error)
	Update(ctx context.Context, id string, f domain.Fiche) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]domain.Fiche, error)
	ListByStatus(ctx context.Context, status domain.Status) ([]domain.Fiche, error)
	Cities(ctx context.Context) ([]string, error)
	ListEvents(ctx context.Context, ficheID string) ([]domain.Event, error)
}

// SchemaValidator checks work details against the schema of a work type.
type SchemaValidator interface {
	Validate(work string, details any) error
}

type Engine struct {
	Repo    Repository
	Schemas SchemaValidator
	Events  events.Writer
	Log     *slog.Logger
	Now     func() time.Time
	NewID   func() string
}

func New(r Repository, s SchemaValidator, log *slog.Logger) Engine {
	return Engine{
		Repo:    r,
		Schemas: s,
		Events:  events.Writer{Sink: r},
		Log:     log,
		Now:     time.Now,
		NewID:   newID,
	}
}

func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) log() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

// record appends an audit event. The fiche write already happened, so a
// failure is logged rather than returned.
func (e Engine) record(ctx context.Context, evtType, ficheID string, payload events.EventPayload) {
	w := e.Events
	if w.Sink == nil {
		return
	}
	if w.Now == nil {
		w.Now = e.now
	}
	if err := w.Append(ctx, evtType, ficheID, payload); err != nil {
		e.log().Warn("append event failed", "type", evtType, "fiche_id", ficheID, "error", err)
	}
}

// FicheCreateOptions are parameters for creating a fiche.
type FicheCreateOptions struct {
	Lastname        string
	Firstname       string
	AppointmentDate string
	AppointmentTime string
	Phone           string
	Email           string
	Address         string
	PostalCode      string
	City            string
	HousingType     string
	HousingStatus   string
	OriginContact   string
	WorksPlanned    []domain.WorksPlanned
	Commentary      string
}

// CreateFiche stores a new fiche in progress. Works details are not checked
// against their schemas here; that happens on completion.
func (e Engine) CreateFiche(ctx context.Context, opts FicheCreateOptions) (domain.Fiche, error) {
	origin, err := domain.ParseOriginContact(opts.OriginContact)
	if err != nil {
		return domain.Fiche{}, malformed(err.Error())
	}
	id := newID()
	if e.NewID != nil {
		id = e.NewID()
	}
	f := domain.Fiche{
		ID:              id,
		Lastname:        opts.Lastname,
		Firstname:       opts.Firstname,
		AppointmentDate: opts.AppointmentDate,
		AppointmentTime: opts.AppointmentTime,
		Phone:           opts.Phone,
		Email:           opts.Email,
		Address:         opts.Address,
		PostalCode:      opts.PostalCode,
		City:            opts.City,
		HousingType:     opts.HousingType,
		HousingStatus:   opts.HousingStatus,
		OriginContact:   origin,
		WorksPlanned:    domain.CloneWorks(opts.WorksPlanned),
		Commentary:      opts.Commentary,
		Status:          domain.StatusInProgress,
	}
	if err := e.Repo.Save(ctx, f); err != nil {
		return domain.Fiche{}, fmt.Errorf("save fiche: %w", err)
	}
	e.log().Info("fiche created", "fiche_id", f.ID, "origin", string(f.OriginContact))
	e.record(ctx, domain.EventFicheCreated, f.ID, events.EventPayload{
		"status":        f.Status,
		"works_planned": len(f.WorksPlanned),
	})
	return f, nil
}

// Opt is a presence-aware optional value: Set distinguishes "not supplied"
// from a supplied zero value.
type Opt[T any] struct {
	Value T
	Set   bool
}

// Some returns a supplied value.
func Some[T any](v T) Opt[T] {
	return Opt[T]{Value: v, Set: true}
}

func (o Opt[T]) applyTo(dst *T) bool {
	if !o.Set {
		return false
	}
	*dst = o.Value
	return true
}

// FicheUpdateOptions lists replacement values; unset fields are left untouched.
// WorksPlanned items are accepted as-is, without schema validation.
type FicheUpdateOptions struct {
	ID              string
	Lastname        Opt[string]
	Firstname       Opt[string]
	AppointmentDate Opt[string]
	AppointmentTime Opt[string]
	Phone           Opt[string]
	Email           Opt[string]
	Address         Opt[string]
	PostalCode      Opt[string]
	City            Opt[string]
	HousingType     Opt[string]
	HousingStatus   Opt[string]
	OriginContact   Opt[string]
	WorksPlanned    Opt[[]domain.WorksPlanned]
	Commentary      Opt[string]
}

func (e Engine) UpdateFiche(ctx context.Context, opts FicheUpdateOptions) (domain.Fiche, error) {
	f, err := e.getFiche(ctx, opts.ID)
	if err != nil {
		return domain.Fiche{}, err
	}
	var origin domain.OriginContact
	if opts.OriginContact.Set {
		origin, err = domain.ParseOriginContact(opts.OriginContact.Value)
		if err != nil {
			return domain.Fiche{}, malformed(err.Error())
		}
	}
	changed := []string{}
	apply := func(name string, o Opt[string], dst *string) {
		if o.applyTo(dst) {
			changed = append(changed, name)
		}
	}
	apply("lastname", opts.Lastname, &f.Lastname)
	apply("firstname", opts.Firstname, &f.Firstname)
	apply("date_rdv", opts.AppointmentDate, &f.AppointmentDate)
	apply("heure_rdv", opts.AppointmentTime, &f.AppointmentTime)
	apply("telephone", opts.Phone, &f.Phone)
	apply("email", opts.Email, &f.Email)
	apply("address", opts.Address, &f.Address)
	apply("code_postal", opts.PostalCode, &f.PostalCode)
	apply("city", opts.City, &f.City)
	apply("type_logement", opts.HousingType, &f.HousingType)
	apply("statut_habitation", opts.HousingStatus, &f.HousingStatus)
	apply("commentary", opts.Commentary, &f.Commentary)
	if opts.OriginContact.Set {
		f.OriginContact = origin
		changed = append(changed, "origin_contact")
	}
	if opts.WorksPlanned.Set {
		f.WorksPlanned = domain.CloneWorks(opts.WorksPlanned.Value)
		changed = append(changed, "works_planned")
	}
	if err := e.Repo.Update(ctx, f.ID, f); err != nil {
		return domain.Fiche{}, fmt.Errorf("update fiche %s: %w", f.ID, err)
	}
	e.log().Info("fiche updated", "fiche_id", f.ID, "fields", changed)
	e.record(ctx, domain.EventFicheUpdated, f.ID, events.EventPayload{"fields": changed})
	return f, nil
}

func (e Engine) DeleteFiche(ctx context.Context, id string) error {
	f, err := e.getFiche(ctx, id)
	if err != nil {
		return err
	}
	if err := e.Repo.Delete(ctx, f.ID); err != nil {
		return fmt.Errorf("delete fiche %s: %w", f.ID, err)
	}
	e.log().Info("fiche deleted", "fiche_id", f.ID)
	e.record(ctx, domain.EventFicheDeleted, f.ID, nil)
	return nil
}

// ValidateFiche marks a fiche completed whatever its current status.
func (e Engine) ValidateFiche(ctx context.Context, id string) (domain.Fiche, error) {
	f, err := e.getFiche(ctx, id)
	if err != nil {
		return domain.Fiche{}, err
	}
	previous := f.Status
	f.Status = domain.StatusCompleted
	if err := e.Repo.Update(ctx, f.ID, f); err != nil {
		return domain.Fiche{}, fmt.Errorf("update fiche %s: %w", f.ID, err)
	}
	e.log().Info("fiche validated", "fiche_id", f.ID, "previous_status", string(previous))
	e.record(ctx, domain.EventFicheValidated, f.ID, events.EventPayload{"from": previous, "to": f.Status})
	return f, nil
}

// CompleteFiche validates every item against its work schema, then replaces
// the works list and marks the fiche completed. The first invalid item aborts
// the call before anything is written.
func (e Engine) CompleteFiche(ctx context.Context, id string, items []map[string]any) (domain.Fiche, error) {
	f, err := e.getFiche(ctx, id)
	if err != nil {
		return domain.Fiche{}, err
	}
	if len(items) == 0 {
		return domain.Fiche{}, malformed("works_planned must contain at least one item")
	}
	if e.Schemas == nil {
		return domain.Fiche{}, errors.New("schema store not configured")
	}
	works := make([]domain.WorksPlanned, 0, len(items))
	for i, item := range items {
		w, err := e.checkItem(i+1, item)
		if err != nil {
			return domain.Fiche{}, err
		}
		works = append(works, w)
	}
	previous := len(f.WorksPlanned)
	f.WorksPlanned = works
	f.Status = domain.StatusCompleted
	if err := e.Repo.Update(ctx, f.ID, f); err != nil {
		return domain.Fiche{}, fmt.Errorf("update fiche %s: %w", f.ID, err)
	}
	e.log().Info("fiche completed", "fiche_id", f.ID, "works", len(works), "replaced", previous)
	e.record(ctx, domain.EventFicheCompleted, f.ID, events.EventPayload{"works": workNames(works)})
	return f, nil
}

func (e Engine) checkItem(n int, item map[string]any) (domain.WorksPlanned, error) {
	rawWork, ok := item["work"]
	if !ok {
		return domain.WorksPlanned{}, malformed(fmt.Sprintf("item %d: missing field 'work'", n))
	}
	rawDetails, ok := item["details"]
	if !ok {
		return domain.WorksPlanned{}, malformed(fmt.Sprintf("item %d: missing field 'details'", n))
	}
	work, ok := rawWork.(string)
	if !ok {
		return domain.WorksPlanned{}, malformed(fmt.Sprintf("item %d: field 'work' must be a string", n))
	}
	if err := e.Schemas.Validate(work, rawDetails); err != nil {
		var v *schemas.Violation
		switch {
		case errors.Is(err, schemas.ErrNoSchema):
			return domain.WorksPlanned{}, &ValidationError{
				Kind:    SchemaMismatch,
				Work:    work,
				Message: fmt.Sprintf("no schema for work type '%s'", work),
				Err:     err,
			}
		case errors.As(err, &v):
			return domain.WorksPlanned{}, &ValidationError{
				Kind:    SchemaMismatch,
				Work:    work,
				Message: fmt.Sprintf("validation failed for work '%s': %s", work, v.Message),
				Err:     err,
			}
		default:
			return domain.WorksPlanned{}, fmt.Errorf("validate work %s: %w", work, err)
		}
	}
	details, ok := rawDetails.(map[string]any)
	if !ok {
		return domain.WorksPlanned{}, malformed(fmt.Sprintf("item %d: field 'details' must be an object", n))
	}
	return domain.WorksPlanned{Work: work, Details: details}, nil
}

func workNames(works []domain.WorksPlanned) []string {
	out := make([]string, 0, len(works))
	for _, w := range works {
		out = append(out, w.Work)
	}
	return out
}

func (e Engine) GetFiche(ctx context.Context, id string) (domain.Fiche, error) {
	return e.getFiche(ctx, id)
}

func (e Engine) getFiche(ctx context.Context, id string) (domain.Fiche, error) {
	f, err := e.Repo.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return domain.Fiche{}, fmt.Errorf("fiche %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.Fiche{}, fmt.Errorf("get fiche %s: %w", id, err)
	}
	return f, nil
}

func (e Engine) ListFiches(ctx context.Context) ([]domain.Fiche, error) {
	return e.Repo.List(ctx)
}

func (e Engine) ListInProgress(ctx context.Context) ([]domain.Fiche, error) {
	return e.Repo.ListByStatus(ctx, domain.StatusInProgress)
}

func (e Engine) Cities(ctx context.Context) ([]string, error) {
	return e.Repo.Cities(ctx)
}

// FicheEvents returns the audit journal of a fiche. Deleted fiches keep theirs.
func (e Engine) FicheEvents(ctx context.Context, id string) ([]domain.Event, error) {
	return e.Repo.ListEvents(ctx, id)
}
