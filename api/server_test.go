package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"opclink/config"
	"opclink/opcda"
	"opclink/opcman"
	"opclink/opcworker"
)

// Scripted session stack backing the HTTP handlers. Every item reads
// back the same value, which is enough to exercise routing, auth, and
// response shapes without a live server.

type stubGroup struct {
	mu        sync.Mutex
	value     int32
	lastWrite opcda.Variant
}

func (g *stubGroup) AddItems(defs []opcda.ItemDef) ([]opcda.ItemResult, []error, error) {
	results := make([]opcda.ItemResult, len(defs))
	errs := make([]error, len(defs))
	for i := range defs {
		results[i] = opcda.ItemResult{ServerHandle: opcda.ItemHandle(i + 1)}
	}
	return results, errs, nil
}

func (g *stubGroup) Read(source opcda.DataSource, handles []opcda.ItemHandle) ([]opcda.ItemState, []error, error) {
	g.mu.Lock()
	value := g.value
	g.mu.Unlock()
	states := make([]opcda.ItemState, len(handles))
	errs := make([]error, len(handles))
	for i := range handles {
		states[i] = opcda.ItemState{
			Value:   opcda.Variant{Type: opcda.VTI4, Value: value},
			Quality: opcda.QualityGood,
		}
	}
	return states, errs, nil
}

func (g *stubGroup) Write(handles []opcda.ItemHandle, values []opcda.Variant) ([]error, error) {
	g.mu.Lock()
	if len(values) > 0 {
		g.lastWrite = values[0]
	}
	g.mu.Unlock()
	return make([]error, len(handles)), nil
}

func (g *stubGroup) lastWritten() opcda.Variant {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastWrite
}

type stubServer struct {
	group *stubGroup
	tags  []string
}

func (s *stubServer) AddGroup(name string, active bool, updateRate uint32) (opcda.Group, opcda.GroupHandle, uint32, error) {
	return s.group, 1, updateRate, nil
}

func (s *stubServer) RemoveGroup(handle opcda.GroupHandle, force bool) error { return nil }

func (s *stubServer) QueryOrganization() (opcda.Namespace, error) {
	return opcda.NamespaceFlat, nil
}

func (s *stubServer) BrowseItemIDs(scope opcda.BrowseScope, filter string) (opcda.ItemIterator, error) {
	return &stubIter{names: s.tags}, nil
}

func (s *stubServer) GetItemID(browseName string) (string, error) { return browseName, nil }

func (s *stubServer) ChangeBrowsePosition(direction opcda.BrowseDirection, target string) error {
	return nil
}

type stubIter struct {
	names []string
	pos   int
}

func (it *stubIter) Next() (string, error, bool) {
	if it.pos >= len(it.names) {
		return "", nil, false
	}
	name := it.names[it.pos]
	it.pos++
	return name, nil, true
}

type stubConnector struct {
	srv *stubServer
}

func (c *stubConnector) EnumerateServers(host string) ([]string, error) {
	return []string{"Stub.Server.1"}, nil
}

func (c *stubConnector) Connect(name string) (opcda.Server, error) {
	return c.srv, nil
}

func newTestServer(t *testing.T, users []config.WebUser) (*Server, *stubServer) {
	t.Helper()

	stub := &stubServer{
		group: &stubGroup{value: 7},
		tags:  []string{"Random.Int4", "Bucket Brigade.Int4"},
	}

	w, err := opcworker.Start(&stubConnector{srv: stub})
	if err != nil {
		t.Fatalf("worker start: %v", err)
	}
	t.Cleanup(w.Close)

	m := opcman.NewManager(w, time.Hour)
	m.AddServer(&config.ServerConfig{
		Name:    "Sim",
		ProgID:  "Stub.Server.1",
		Enabled: true,
		Tags: []config.TagConfig{
			{ItemID: "Random.Int4", Alias: "rand"},
			{ItemID: "Bucket Brigade.Int4", Writable: true},
		},
	})

	cfg := &config.WebConfig{Host: "127.0.0.1", Port: 0, Users: users}
	return NewServer(m, cfg), stub
}

func doRequest(t *testing.T, s *Server, method, path, body string, auth [2]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}

	req := httptest.NewRequest(method, path, reader)
	if auth[0] != "" {
		req.SetBasicAuth(auth[0], auth[1])
	}
	rec := httptest.NewRecorder()
	s.setupRouter().ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response: %v (body: %s)", err, rec.Body.String())
	}
}

func TestListServers(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := doRequest(t, s, "GET", "/api/servers", "", [2]string{})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var servers []ServerResponse
	decodeJSON(t, rec, &servers)
	if len(servers) != 1 {
		t.Fatalf("got %d servers, want 1", len(servers))
	}
	if servers[0].Name != "Sim" || servers[0].ProgID != "Stub.Server.1" {
		t.Errorf("unexpected server %+v", servers[0])
	}
	if servers[0].Status != "Disconnected" {
		t.Errorf("status = %q, want Disconnected before first poll", servers[0].Status)
	}
	if servers[0].TagCount != 2 {
		t.Errorf("tag_count = %d, want 2", servers[0].TagCount)
	}
}

func TestServerNotFound(t *testing.T) {
	s, _ := newTestServer(t, nil)

	for _, path := range []string{
		"/api/servers/Nope",
		"/api/servers/Nope/health",
		"/api/servers/Nope/tags",
	} {
		rec := doRequest(t, s, "GET", path, "", [2]string{})
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", path, rec.Code)
		}
	}
}

func TestServerHealth(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := doRequest(t, s, "GET", "/api/servers/Sim/health", "", [2]string{})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var health HealthResponse
	decodeJSON(t, rec, &health)
	if health.Server != "Sim" || health.Online {
		t.Errorf("unexpected health %+v", health)
	}
	if health.Timestamp == "" {
		t.Error("health timestamp missing")
	}
}

func TestSingleTagLiveRead(t *testing.T) {
	s, _ := newTestServer(t, nil)

	t.Run("by item ID", func(t *testing.T) {
		rec := doRequest(t, s, "GET", "/api/servers/Sim/tags/Random.Int4", "", [2]string{})
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200 (body: %s)", rec.Code, rec.Body.String())
		}

		var tag TagResponse
		decodeJSON(t, rec, &tag)
		if tag.Value != "7" {
			t.Errorf("value = %q, want 7", tag.Value)
		}
		if tag.Quality != "Good" {
			t.Errorf("quality = %q, want Good", tag.Quality)
		}
	})

	t.Run("by alias", func(t *testing.T) {
		rec := doRequest(t, s, "GET", "/api/servers/Sim/tags/rand", "", [2]string{})
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200 (body: %s)", rec.Code, rec.Body.String())
		}

		var tag TagResponse
		decodeJSON(t, rec, &tag)
		if tag.Value != "7" {
			t.Errorf("value = %q, want 7", tag.Value)
		}
	})
}

func TestBatchedRead(t *testing.T) {
	s, _ := newTestServer(t, nil)

	t.Run("mixed names", func(t *testing.T) {
		body := `{"tags":["rand","Bucket Brigade.Int4"]}`
		rec := doRequest(t, s, "POST", "/api/servers/Sim/read", body, [2]string{})
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200 (body: %s)", rec.Code, rec.Body.String())
		}

		var tags []TagResponse
		decodeJSON(t, rec, &tags)
		if len(tags) != 2 {
			t.Fatalf("got %d tags, want 2", len(tags))
		}
		if tags[0].Name != "rand" || tags[0].Value != "7" {
			t.Errorf("tags[0] = %+v", tags[0])
		}
		if tags[1].Name != "Bucket Brigade.Int4" || !tags[1].Writable {
			t.Errorf("tags[1] = %+v", tags[1])
		}
	})

	t.Run("empty list", func(t *testing.T) {
		rec := doRequest(t, s, "POST", "/api/servers/Sim/read", `{"tags":[]}`, [2]string{})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("invalid JSON", func(t *testing.T) {
		rec := doRequest(t, s, "POST", "/api/servers/Sim/read", `{`, [2]string{})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestWrite(t *testing.T) {
	s, stub := newTestServer(t, nil)

	t.Run("writable tag", func(t *testing.T) {
		body := `{"tag":"Bucket Brigade.Int4","value":42}`
		rec := doRequest(t, s, "POST", "/api/servers/Sim/write", body, [2]string{})
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200 (body: %s)", rec.Code, rec.Body.String())
		}

		var resp WriteResponse
		decodeJSON(t, rec, &resp)
		if !resp.Success {
			t.Fatalf("write failed: %s", resp.Error)
		}
		if got := stub.group.lastWritten(); got.Value == nil {
			t.Error("no value reached the group")
		}
	})

	t.Run("non-writable tag", func(t *testing.T) {
		body := `{"tag":"rand","value":1}`
		rec := doRequest(t, s, "POST", "/api/servers/Sim/write", body, [2]string{})
		if rec.Code != http.StatusForbidden {
			t.Fatalf("status = %d, want 403", rec.Code)
		}

		var resp WriteResponse
		decodeJSON(t, rec, &resp)
		if resp.Success || resp.Error != "tag is not writable" {
			t.Errorf("unexpected response %+v", resp)
		}
	})

	t.Run("server name mismatch", func(t *testing.T) {
		body := `{"server":"Other","tag":"Bucket Brigade.Int4","value":1}`
		rec := doRequest(t, s, "POST", "/api/servers/Sim/write", body, [2]string{})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("invalid JSON", func(t *testing.T) {
		rec := doRequest(t, s, "POST", "/api/servers/Sim/write", "{not json", [2]string{})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})
}

func TestBasicAuth(t *testing.T) {
	adminHash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	viewerHash, err := bcrypt.GenerateFromPassword([]byte("lookonly"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	users := []config.WebUser{
		{Username: "ops", PasswordHash: string(adminHash), Role: config.RoleAdmin},
		{Username: "guest", PasswordHash: string(viewerHash), Role: config.RoleViewer},
	}
	s, _ := newTestServer(t, users)

	t.Run("no credentials rejected", func(t *testing.T) {
		rec := doRequest(t, s, "GET", "/api/servers", "", [2]string{})
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
		if rec.Header().Get("WWW-Authenticate") == "" {
			t.Error("missing WWW-Authenticate header")
		}
	})

	t.Run("wrong password rejected", func(t *testing.T) {
		rec := doRequest(t, s, "GET", "/api/servers", "", [2]string{"ops", "wrong"})
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("viewer can read", func(t *testing.T) {
		rec := doRequest(t, s, "GET", "/api/servers", "", [2]string{"guest", "lookonly"})
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
	})

	t.Run("viewer cannot write", func(t *testing.T) {
		body := `{"tag":"Bucket Brigade.Int4","value":1}`
		rec := doRequest(t, s, "POST", "/api/servers/Sim/write", body, [2]string{"guest", "lookonly"})
		if rec.Code != http.StatusForbidden {
			t.Fatalf("status = %d, want 403", rec.Code)
		}
	})

	t.Run("admin can write", func(t *testing.T) {
		body := `{"tag":"Bucket Brigade.Int4","value":1}`
		rec := doRequest(t, s, "POST", "/api/servers/Sim/write", body, [2]string{"ops", "secret"})
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200 (body: %s)", rec.Code, rec.Body.String())
		}
	})

	t.Run("metrics unauthenticated", func(t *testing.T) {
		rec := doRequest(t, s, "GET", "/metrics", "", [2]string{})
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
	})
}

func TestBrowse(t *testing.T) {
	s, _ := newTestServer(t, nil)

	t.Run("status before start", func(t *testing.T) {
		rec := doRequest(t, s, "GET", "/api/servers/Sim/browse", "", [2]string{})
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
	})

	rec := doRequest(t, s, "POST", "/api/servers/Sim/browse", "", [2]string{})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("start status = %d, want 202", rec.Code)
	}

	deadline := time.Now().Add(5 * time.Second)
	var status BrowseStatus
	for {
		rec = doRequest(t, s, "GET", "/api/servers/Sim/browse", "", [2]string{})
		if rec.Code != http.StatusOK {
			t.Fatalf("status poll = %d, want 200", rec.Code)
		}
		decodeJSON(t, rec, &status)
		if status.Done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("browse did not finish in time")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if status.Error != "" {
		t.Fatalf("browse error: %s", status.Error)
	}
	if status.Count != 2 || len(status.Tags) != 2 {
		t.Fatalf("got %d tags (%v), want 2", status.Count, status.Tags)
	}
	if status.Tags[0] != "Random.Int4" {
		t.Errorf("first tag = %q", status.Tags[0])
	}

	t.Run("restart after completion", func(t *testing.T) {
		rec := doRequest(t, s, "POST", "/api/servers/Sim/browse", "", [2]string{})
		if rec.Code != http.StatusAccepted {
			t.Fatalf("restart status = %d, want 202", rec.Code)
		}
	})
}

func TestEnumerate(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := doRequest(t, s, "GET", "/api/enumerate", "", [2]string{})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp struct {
		Host    string   `json:"host"`
		Servers []string `json:"servers"`
	}
	decodeJSON(t, rec, &resp)
	if resp.Host != "localhost" {
		t.Errorf("host = %q, want localhost", resp.Host)
	}
	if len(resp.Servers) != 1 || resp.Servers[0] != "Stub.Server.1" {
		t.Errorf("servers = %v", resp.Servers)
	}
}

func TestCORSPreflight(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := doRequest(t, s, "OPTIONS", "/api/servers", "", [2]string{})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS origin header")
	}
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatal(err)
	}
	if !checkPassword(hash, "hunter2") {
		t.Error("hash does not verify")
	}
	if checkPassword(hash, "hunter3") {
		t.Error("wrong password verified")
	}
}
