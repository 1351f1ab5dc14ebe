package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"fichecontact/internal/db"
	"fichecontact/internal/domain"
	"fichecontact/internal/engine"
	"fichecontact/internal/migrate"
	"fichecontact/internal/repo"
	"fichecontact/internal/schemas"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, origins ...string) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store, err := schemas.Load(filepath.Join("..", "..", "config", "work_schemas.json"))
	if err != nil {
		t.Fatalf("load schemas: %v", err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := engine.New(repo.Repo{DB: conn}, store, log)
	handler, err := New(Config{Engine: e, Schemas: store, BasePath: "/v0", AllowedOrigins: origins, Log: log})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func validFiche() map[string]any {
	return map[string]any{
		"lastname":       "Doe",
		"firstname":      "John",
		"date_rdv":       "2024-05-01",
		"heure_rdv":      "10:00:00",
		"telephone":      "0612345678",
		"email":          "john@example.com",
		"address":        "1 rue de la Paix",
		"code_postal":    "75001",
		"city":           "Paris",
		"origin_contact": "AFFICHAGE",
	}
}

func createFiche(t *testing.T, srv *testServer, body map[string]any) FicheResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/fiches", body, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create fiche status %d: %s", res.StatusCode, string(data))
	}
	var created FicheResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal fiche: %v", err)
	}
	return created
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error
}

func TestCreateAndGetFiche(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	created := createFiche(t, srv, validFiche())
	if created.Status != string(domain.StatusInProgress) {
		t.Fatalf("expected In Progress, got %s", created.Status)
	}
	if created.OriginContact != string(domain.OriginAffichage) {
		t.Fatalf("expected label Affichage, got %s", created.OriginContact)
	}
	if created.WorksPlanned == nil || len(created.WorksPlanned) != 0 {
		t.Fatalf("expected empty works, got %#v", created.WorksPlanned)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/fiches/"+created.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, string(data))
	}
	var fetched FicheResponse
	_ = json.Unmarshal(data, &fetched)
	if fetched.ID != created.ID || fetched.Lastname != "Doe" || fetched.City != "Paris" {
		t.Fatalf("unexpected fiche: %+v", fetched)
	}
}

func TestCreateFicheRejectsBadInput(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	cases := []struct {
		name   string
		mutate func(b map[string]any)
	}{
		{"bad phone", func(b map[string]any) { b["telephone"] = "12345" }},
		{"bad postal code", func(b map[string]any) { b["code_postal"] = "7500" }},
		{"bad email", func(b map[string]any) { b["email"] = "not-an-email" }},
		{"missing lastname", func(b map[string]any) { delete(b, "lastname") }},
		{"unknown origin", func(b map[string]any) { b["origin_contact"] = "Bouche à oreille" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := validFiche()
			tc.mutate(body)
			res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/fiches", body, nil)
			if res.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d %s", res.StatusCode, string(data))
			}
			if e := decodeError(t, data); e.Code != "bad_request" {
				t.Fatalf("unexpected error code %q", e.Code)
			}
		})
	}
}

func TestGetMissingFicheIsNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/fiches/nope", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
	if e := decodeError(t, data); e.Code != "not_found" {
		t.Fatalf("unexpected error code %q", e.Code)
	}
}

func TestPatchFicheIsPartial(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	created := createFiche(t, srv, validFiche())

	res, data := doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v0/fiches/"+created.ID, map[string]any{
		"city":       "Lyon",
		"commentary": nil,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("patch status %d: %s", res.StatusCode, string(data))
	}
	var updated FicheResponse
	_ = json.Unmarshal(data, &updated)
	if updated.City != "Lyon" || updated.Lastname != "Doe" || updated.Telephone != "0612345678" {
		t.Fatalf("unexpected patch result: %+v", updated)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v0/fiches/missing", map[string]any{"city": "Lyon"}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
}

func TestCompleteFicheThroughWorks(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	created := createFiche(t, srv, validFiche())
	url := srv.URL + "/v0/fiches/" + created.ID + "/works"

	res, data := doJSON(t, srv.Client(), http.MethodPut, url, map[string]any{
		"works_planned": []any{map[string]any{"work": "inconnu", "details": map[string]any{}}},
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown work, got %d %s", res.StatusCode, string(data))
	}
	if e := decodeError(t, data); !strings.Contains(e.Message, "inconnu") || e.Details["work"] != "inconnu" {
		t.Fatalf("unexpected error: %+v", e)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPut, url, map[string]any{"works_planned": []any{}}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty list, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPut, url, map[string]any{
		"works_planned": []any{map[string]any{"work": "porte", "details": map[string]any{"hauteur": 200, "largeur": 80}}},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %s", res.StatusCode, string(data))
	}
	var done FicheResponse
	_ = json.Unmarshal(data, &done)
	if done.Status != string(domain.StatusCompleted) || len(done.WorksPlanned) != 1 || done.WorksPlanned[0].Work != "porte" {
		t.Fatalf("unexpected completed fiche: %+v", done)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/fiches/in-progress", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("in-progress status %d: %s", res.StatusCode, string(data))
	}
	var inProgress []FicheResponse
	_ = json.Unmarshal(data, &inProgress)
	if len(inProgress) != 0 {
		t.Fatalf("completed fiche still listed in progress: %+v", inProgress)
	}
}

func TestValidateAndDeleteFiche(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	created := createFiche(t, srv, validFiche())

	for i := 0; i < 2; i++ {
		res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/fiches/"+created.ID+"/validate", nil, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("validate #%d status %d: %s", i, res.StatusCode, string(data))
		}
	}
	res, data := doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/fiches/"+created.ID, nil, nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/fiches/"+created.ID, nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete expected 404, got %d", res.StatusCode)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/fiches/"+created.ID+"/events", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var evts []EventResponse
	_ = json.Unmarshal(data, &evts)
	if len(evts) != 4 || evts[0].Type != domain.EventFicheCreated || evts[3].Type != domain.EventFicheDeleted {
		t.Fatalf("unexpected events: %+v", evts)
	}
}

func TestSchemasAndCities(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	createFiche(t, srv, validFiche())
	other := validFiche()
	other["city"] = "Lyon"
	createFiche(t, srv, other)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/fiches/cities", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cities status %d: %s", res.StatusCode, string(data))
	}
	var cities []string
	_ = json.Unmarshal(data, &cities)
	if strings.Join(cities, ",") != "Lyon,Paris" {
		t.Fatalf("unexpected cities: %v", cities)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/schemas/porte", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("schema status %d: %s", res.StatusCode, string(data))
	}
	var porte map[string]any
	_ = json.Unmarshal(data, &porte)
	if porte["type"] != "object" {
		t.Fatalf("unexpected porte schema: %v", porte)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/schemas/inconnu", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown schema, got %d", res.StatusCode)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/schemas", nil, nil)
	var all map[string]any
	_ = json.Unmarshal(data, &all)
	if res.StatusCode != http.StatusOK || all["porte"] == nil || all["fenetre"] == nil {
		t.Fatalf("unexpected schema listing %d: %s", res.StatusCode, string(data))
	}
}

func TestOpenAPIAndDocs(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "/v0/fiches/{id}/works") {
		t.Fatalf("unexpected openapi %d", res.StatusCode)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/docs", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "/v0/openapi.json") {
		t.Fatalf("unexpected docs page %d", res.StatusCode)
	}
}

func TestCORSAllowedOrigin(t *testing.T) {
	srv, cleanup := newTestServer(t, "http://app.test")
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodOptions, srv.URL+"/v0/fiches", nil, map[string]string{
		"Origin":                        "http://app.test",
		"Access-Control-Request-Method": http.MethodPost,
	})
	if got := res.Header.Get("Access-Control-Allow-Origin"); got != "http://app.test" {
		t.Fatalf("expected allowed origin header, got %q", got)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, map[string]string{"Origin": "http://evil.test"})
	if got := res.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unexpected allow origin for foreign site: %q", got)
	}
}

func TestOversizedBodyRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	body := validFiche()
	body["commentary"] = strings.Repeat("x", maxBodyBytes+1)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/fiches", body, nil)
	if res.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d: %s", res.StatusCode, string(data))
	}
	if e := decodeError(t, data); e.Code != "payload_too_large" {
		t.Fatalf("unexpected error body: %+v", e)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/fiches", nil, nil)
	if res.StatusCode != http.StatusOK || strings.TrimSpace(string(data)) != "[]" {
		t.Fatalf("nothing should be stored, got %d %s", res.StatusCode, string(data))
	}
}

func TestOpenAPIDocumentsErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("unexpected openapi %d", res.StatusCode)
	}
	var doc struct {
		Paths map[string]map[string]struct {
			Responses map[string]struct {
				Content map[string]struct {
					Schema struct {
						Ref string `json:"$ref"`
					} `json:"schema"`
				} `json:"content"`
			} `json:"responses"`
		} `json:"paths"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("decode openapi: %v", err)
	}
	op, ok := doc.Paths["/v0/fiches/{id}"]["get"]
	if !ok {
		t.Fatalf("missing get-fiche operation")
	}
	if ref := op.Responses["default"].Content["application/json"].Schema.Ref; ref != "#/components/schemas/ApiError" {
		t.Fatalf("default response ref = %q", ref)
	}
}
