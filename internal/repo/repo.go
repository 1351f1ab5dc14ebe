package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"fichecontact/internal/domain"
)

// Repo stores fiches through database/sql (SQLite schema from package migrate).
type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

var ErrNotFound = errors.New("not found")

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const ficheColumns = `id,lastname,firstname,date_rdv,heure_rdv,telephone,email,address,code_postal,city,
COALESCE(type_logement,'') AS type_logement,COALESCE(statut_habitation,'') AS statut_habitation,
origin_contact,COALESCE(commentary,'') AS commentary,status`

func (r Repo) now() string {
	if r.Now != nil {
		return r.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func scanFiche(scan func(dest ...any) error) (domain.Fiche, error) {
	var f domain.Fiche
	var origin, status string
	err := scan(&f.ID, &f.Lastname, &f.Firstname, &f.AppointmentDate, &f.AppointmentTime, &f.Phone, &f.Email,
		&f.Address, &f.PostalCode, &f.City, &f.HousingType, &f.HousingStatus, &origin, &f.Commentary, &status)
	if err != nil {
		return f, err
	}
	if f.OriginContact, err = domain.ParseOriginContact(origin); err != nil {
		return f, fmt.Errorf("fiche %s: %w", f.ID, err)
	}
	if f.Status, err = domain.ParseStatus(status); err != nil {
		return f, fmt.Errorf("fiche %s: %w", f.ID, err)
	}
	f.WorksPlanned = []domain.WorksPlanned{}
	return f, nil
}

func (r Repo) Save(ctx context.Context, f domain.Fiche) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := r.now()
	if _, err := tx.ExecContext(ctx, `INSERT INTO fiches(id,lastname,firstname,date_rdv,heure_rdv,telephone,email,address,code_postal,city,type_logement,statut_habitation,origin_contact,commentary,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		f.ID, f.Lastname, f.Firstname, f.AppointmentDate, f.AppointmentTime, f.Phone, f.Email, f.Address, f.PostalCode, f.City,
		nullable(f.HousingType), nullable(f.HousingStatus), string(f.OriginContact), nullable(f.Commentary), string(f.Status), now, now); err != nil {
		return fmt.Errorf("insert fiche: %w", err)
	}
	if err := insertWorks(ctx, tx, f.ID, f.WorksPlanned); err != nil {
		return err
	}
	return tx.Commit()
}

func insertWorks(ctx context.Context, tx *sql.Tx, ficheID string, works []domain.WorksPlanned) error {
	for i, w := range works {
		details := w.Details
		if details == nil {
			details = map[string]any{}
		}
		payload, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("encode details of work %s: %w", w.Work, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO works_planned(fiche_id,position,work,details_json) VALUES (?,?,?,?)`,
			ficheID, i, w.Work, string(payload)); err != nil {
			return fmt.Errorf("insert work: %w", err)
		}
	}
	return nil
}

func (r Repo) GetByID(ctx context.Context, id string) (domain.Fiche, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+ficheColumns+` FROM fiches WHERE id=?`, id)
	f, err := scanFiche(row.Scan)
	if err == sql.ErrNoRows {
		return domain.Fiche{}, ErrNotFound
	}
	if err != nil {
		return domain.Fiche{}, err
	}
	works, err := loadWorks(ctx, r.DB, `WHERE w.fiche_id=?`, id)
	if err != nil {
		return domain.Fiche{}, err
	}
	if ws, ok := works[id]; ok {
		f.WorksPlanned = ws
	}
	return f, nil
}

// Update replaces every mutable column and the whole works list.
func (r Repo) Update(ctx context.Context, id string, f domain.Fiche) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `UPDATE fiches SET lastname=?, firstname=?, date_rdv=?, heure_rdv=?, telephone=?, email=?, address=?, code_postal=?, city=?,
type_logement=?, statut_habitation=?, origin_contact=?, commentary=?, status=?, updated_at=? WHERE id=?`,
		f.Lastname, f.Firstname, f.AppointmentDate, f.AppointmentTime, f.Phone, f.Email, f.Address, f.PostalCode, f.City,
		nullable(f.HousingType), nullable(f.HousingStatus), string(f.OriginContact), nullable(f.Commentary), string(f.Status), r.now(), id)
	if err != nil {
		return fmt.Errorf("update fiche: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM works_planned WHERE fiche_id=?`, id); err != nil {
		return fmt.Errorf("clear works: %w", err)
	}
	if err := insertWorks(ctx, tx, id, f.WorksPlanned); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) Delete(ctx context.Context, id string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM works_planned WHERE fiche_id=?`, id); err != nil {
		return fmt.Errorf("delete works: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM fiches WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func (r Repo) List(ctx context.Context) ([]domain.Fiche, error) {
	return r.listWhere(ctx, "", nil)
}

func (r Repo) ListByStatus(ctx context.Context, status domain.Status) ([]domain.Fiche, error) {
	return r.listWhere(ctx, "status=?", []any{string(status)})
}

func (r Repo) listWhere(ctx context.Context, clause string, args []any) ([]domain.Fiche, error) {
	where := ""
	if clause != "" {
		where = "WHERE " + clause
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+ficheColumns+` FROM fiches `+where+` ORDER BY created_at ASC, rowid ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Fiche{}
	for rows.Next() {
		f, err := scanFiche(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return res, nil
	}
	worksWhere := ""
	if clause != "" {
		worksWhere = "WHERE w.fiche_id IN (SELECT id FROM fiches WHERE " + clause + ")"
	}
	works, err := loadWorks(ctx, r.DB, worksWhere, args...)
	if err != nil {
		return nil, err
	}
	for i := range res {
		if ws, ok := works[res[i].ID]; ok {
			res[i].WorksPlanned = ws
		}
	}
	return res, nil
}

func loadWorks(ctx context.Context, q queryer, where string, args ...any) (map[string][]domain.WorksPlanned, error) {
	rows, err := q.QueryContext(ctx, `SELECT w.fiche_id, w.work, w.details_json FROM works_planned w `+where+` ORDER BY w.fiche_id, w.position`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string][]domain.WorksPlanned{}
	for rows.Next() {
		var ficheID, work, detailsJSON string
		if err := rows.Scan(&ficheID, &work, &detailsJSON); err != nil {
			return nil, err
		}
		details := map[string]any{}
		if strings.TrimSpace(detailsJSON) != "" {
			if err := json.Unmarshal([]byte(detailsJSON), &details); err != nil {
				return nil, fmt.Errorf("decode details of fiche %s: %w", ficheID, err)
			}
		}
		res[ficheID] = append(res[ficheID], domain.WorksPlanned{Work: work, Details: details})
	}
	return res, rows.Err()
}

// Cities returns the distinct non-empty cities, sorted.
func (r Repo) Cities(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT DISTINCT city FROM fiches WHERE city <> '' ORDER BY city`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []string{}
	for rows.Next() {
		var city string
		if err := rows.Scan(&city); err != nil {
			return nil, err
		}
		res = append(res, city)
	}
	return res, rows.Err()
}

func (r Repo) AppendEvent(ctx context.Context, evt domain.Event) error {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO events(ts,type,fiche_id,payload_json) VALUES (?,?,?,?)`,
		evt.TS, evt.Type, evt.FicheID, string(payload))
	return err
}

func (r Repo) ListEvents(ctx context.Context, ficheID string) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,fiche_id,payload_json FROM events WHERE fiche_id=? ORDER BY id ASC`, ficheID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Event{}
	for rows.Next() {
		var evt domain.Event
		var payload sql.NullString
		if err := rows.Scan(&evt.ID, &evt.TS, &evt.Type, &evt.FicheID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &evt.Payload); err != nil {
				return nil, fmt.Errorf("decode payload of event %d: %w", evt.ID, err)
			}
		}
		res = append(res, evt)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
