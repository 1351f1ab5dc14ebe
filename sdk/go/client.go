package fichesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal fiche HTTP API client.
type Client struct {
	BaseURL    string
	BasePath   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// WorksPlanned is one planned work of a fiche.
type WorksPlanned struct {
	Work    string         `json:"work"`
	Details map[string]any `json:"details"`
}

// Fiche represents the API fiche model.
type Fiche struct {
	ID               string         `json:"id,omitempty"`
	Lastname         string         `json:"lastname"`
	Firstname        string         `json:"firstname"`
	DateRdv          string         `json:"date_rdv"`
	HeureRdv         string         `json:"heure_rdv"`
	Telephone        string         `json:"telephone"`
	Email            string         `json:"email"`
	Address          string         `json:"address"`
	CodePostal       string         `json:"code_postal"`
	City             string         `json:"city"`
	TypeLogement     string         `json:"type_logement,omitempty"`
	StatutHabitation string         `json:"statut_habitation,omitempty"`
	OriginContact    string         `json:"origin_contact"`
	WorksPlanned     []WorksPlanned `json:"works_planned,omitempty"`
	Commentary       string         `json:"commentary,omitempty"`
	Status           string         `json:"status,omitempty"`
}

// FichePatch lists the fields to replace; nil fields are left untouched.
type FichePatch struct {
	Lastname         *string         `json:"lastname,omitempty"`
	Firstname        *string         `json:"firstname,omitempty"`
	DateRdv          *string         `json:"date_rdv,omitempty"`
	HeureRdv         *string         `json:"heure_rdv,omitempty"`
	Telephone        *string         `json:"telephone,omitempty"`
	Email            *string         `json:"email,omitempty"`
	Address          *string         `json:"address,omitempty"`
	CodePostal       *string         `json:"code_postal,omitempty"`
	City             *string         `json:"city,omitempty"`
	TypeLogement     *string         `json:"type_logement,omitempty"`
	StatutHabitation *string         `json:"statut_habitation,omitempty"`
	OriginContact    *string         `json:"origin_contact,omitempty"`
	WorksPlanned     *[]WorksPlanned `json:"works_planned,omitempty"`
	Commentary       *string         `json:"commentary,omitempty"`
}

// Event represents an audit journal entry.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	FicheID string         `json:"fiche_id"`
	Payload map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Code returns the error code of the response envelope, if any.
func (e *APIError) Code() string {
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(e.Body), &env); err != nil {
		return ""
	}
	return env.Error.Code
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// CreateFiche creates a fiche. ID and Status are assigned by the server.
func (c *Client) CreateFiche(ctx context.Context, f Fiche) (Fiche, error) {
	f.ID = ""
	f.Status = ""
	var resp Fiche
	err := c.do(ctx, http.MethodPost, "fiches", f, &resp)
	return resp, err
}

// GetFiche fetches a fiche by id.
func (c *Client) GetFiche(ctx context.Context, id string) (Fiche, error) {
	var resp Fiche
	err := c.do(ctx, http.MethodGet, "fiches/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListFiches returns every fiche.
func (c *Client) ListFiches(ctx context.Context) ([]Fiche, error) {
	var resp []Fiche
	err := c.do(ctx, http.MethodGet, "fiches", nil, &resp)
	return resp, err
}

// ListInProgress returns the fiches still in progress.
func (c *Client) ListInProgress(ctx context.Context) ([]Fiche, error) {
	var resp []Fiche
	err := c.do(ctx, http.MethodGet, "fiches/in-progress", nil, &resp)
	return resp, err
}

// Cities returns the distinct cities of all fiches.
func (c *Client) Cities(ctx context.Context) ([]string, error) {
	var resp []string
	err := c.do(ctx, http.MethodGet, "fiches/cities", nil, &resp)
	return resp, err
}

// UpdateFiche applies a partial update.
func (c *Client) UpdateFiche(ctx context.Context, id string, patch FichePatch) (Fiche, error) {
	var resp Fiche
	err := c.do(ctx, http.MethodPatch, "fiches/"+url.PathEscape(id), patch, &resp)
	return resp, err
}

// DeleteFiche deletes a fiche.
func (c *Client) DeleteFiche(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "fiches/"+url.PathEscape(id), nil, nil)
}

// ValidateFiche marks a fiche completed.
func (c *Client) ValidateFiche(ctx context.Context, id string) (Fiche, error) {
	var resp Fiche
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("fiches/%s/validate", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// CompleteFiche replaces the works of a fiche after schema validation.
// Items are sent as-is so the server reports missing keys per item.
func (c *Client) CompleteFiche(ctx context.Context, id string, works []map[string]any) (Fiche, error) {
	if works == nil {
		works = []map[string]any{}
	}
	body := map[string]any{"works_planned": works}
	var resp Fiche
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("fiches/%s/works", url.PathEscape(id)), body, &resp)
	return resp, err
}

// Events returns the audit journal of a fiche.
func (c *Client) Events(ctx context.Context, id string) ([]Event, error) {
	var resp []Event
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("fiches/%s/events", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Schemas returns every work schema keyed by work type.
func (c *Client) Schemas(ctx context.Context) (map[string]map[string]any, error) {
	var resp map[string]map[string]any
	err := c.do(ctx, http.MethodGet, "schemas", nil, &resp)
	return resp, err
}

// Schema returns the schema of one work type.
func (c *Client) Schema(ctx context.Context, work string) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodGet, "schemas/"+url.PathEscape(work), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	basePath := c.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(basePath, "/")
}
