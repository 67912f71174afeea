package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"warden/internal/authorization"
	"warden/internal/database"
	"warden/internal/domain"
	"warden/internal/exclusion"
	"warden/internal/lists"
	"warden/internal/storage"
)

type testServer struct {
	handler http.Handler
	coord   *exclusion.Coordinator
}

func setupServer(t *testing.T) testServer {
	t.Helper()
	return setupServerWithRedis(t, nil)
}

func setupServerWithRedis(t *testing.T, client *redis.Client) testServer {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_fk=1", t.Name())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if _, err := database.SetupDB(database.WithExistingDB(conn), database.WithMigrations(domain.ExclusionList{})); err != nil {
		t.Fatalf("SetupDB: %v", err)
	}
	t.Cleanup(func() { _ = database.CloseDB() })

	content := storage.NewMemory()
	status := exclusion.NewMemoryStatusStore()
	cache := exclusion.NewCache()
	coord := exclusion.NewCoordinator(cache, exclusion.NewBuilder(lists.NewSource(content, 0)), status,
		exclusion.WithLeadership(true), exclusion.WithPollInterval(time.Hour))

	handler, err := NewRouter(Deps{Lists: lists.NewService(content, status), Cache: cache, Coordinator: coord, Redis: client})
	if err != nil {
		t.Fatalf("NewRouter returned error: %v", err)
	}
	return testServer{handler: handler, coord: coord}
}

func (s testServer) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestExclusionListLifecycle(t *testing.T) {
	srv := setupServer(t)

	rec := srv.do(t, http.MethodPost, "/exclusionLists",
		`{"name":"partners","entityTypes":["Domain-Name"],"content":"partner.example\n"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}
	created := decode[domain.ExclusionList](t, rec)
	if !created.Enabled || created.ValuesCount != 1 {
		t.Fatalf("created = %+v", created)
	}

	if rec := srv.do(t, http.MethodPost, "/exclusionLists",
		`{"name":"partners","entityTypes":["Domain-Name"],"content":""}`); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate create status = %d, want 409", rec.Code)
	}

	if _, err := srv.coord.Sync(context.Background()); err != nil {
		t.Fatalf("Sync returned error: %v", err)
	}

	rec = srv.do(t, http.MethodPost, "/exclusionLists/check", `{"value":"PARTNER.example","types":["Domain-Name"]}`)
	check := decode[checkResponse](t, rec)
	if !check.Excluded || check.ListID != created.ID {
		t.Fatalf("check = %+v, want hit on %s", check, created.ID)
	}

	rec = srv.do(t, http.MethodPost, "/exclusionLists/"+created.ID+"/disable", "")
	if rec.Code != http.StatusOK || decode[domain.ExclusionList](t, rec).Enabled {
		t.Fatalf("disable status = %d, body %s", rec.Code, rec.Body.String())
	}
	if _, err := srv.coord.Sync(context.Background()); err != nil {
		t.Fatalf("Sync returned error: %v", err)
	}
	if check := decode[checkResponse](t, srv.do(t, http.MethodPost, "/exclusionLists/check", `{"value":"partner.example"}`)); check.Excluded {
		t.Fatal("disabled list still excludes")
	}

	rec = srv.do(t, http.MethodPatch, "/exclusionLists/"+created.ID, `{"content":"a.example\nb.example\n"}`)
	if rec.Code != http.StatusOK || decode[domain.ExclusionList](t, rec).ValuesCount != 2 {
		t.Fatalf("patch status = %d, body %s", rec.Code, rec.Body.String())
	}
	rec = srv.do(t, http.MethodGet, "/exclusionLists/"+created.ID+"/content", "")
	if rec.Body.String() != "a.example\nb.example\n" {
		t.Fatalf("content = %q", rec.Body.String())
	}

	if rec := srv.do(t, http.MethodDelete, "/exclusionLists/"+created.ID, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if rec := srv.do(t, http.MethodGet, "/exclusionLists/"+created.ID, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", rec.Code)
	}
}

func TestCreateRejectsInvalidList(t *testing.T) {
	srv := setupServer(t)

	for name, body := range map[string]string{
		"no types":     `{"name":"x","entityTypes":[],"content":""}`,
		"unknown type": `{"name":"x","entityTypes":["Mutex"],"content":""}`,
		"no name":      `{"name":" ","entityTypes":["Url"],"content":""}`,
		"not json":     `{"name":`,
	} {
		t.Run(name, func(t *testing.T) {
			if rec := srv.do(t, http.MethodPost, "/exclusionLists", body); rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (%s)", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestCheckValidation(t *testing.T) {
	srv := setupServer(t)

	if rec := srv.do(t, http.MethodPost, "/exclusionLists/check", `{"value":""}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty value status = %d, want 400", rec.Code)
	}
	if rec := srv.do(t, http.MethodPost, "/exclusionLists/check", `{"value":"x","types":["nope"]}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown type status = %d, want 400", rec.Code)
	}

	// cold cache fails open
	rec := srv.do(t, http.MethodPost, "/exclusionLists/check", `{"value":"10.0.0.1"}`)
	if rec.Code != http.StatusOK || decode[checkResponse](t, rec).Excluded {
		t.Fatalf("cold check = %d %s", rec.Code, rec.Body.String())
	}
}

func TestStatusAndHealth(t *testing.T) {
	srv := setupServer(t)

	rec := srv.do(t, http.MethodGet, "/exclusionLists/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	report := decode[map[string]any](t, rec)
	for _, key := range []string{"refreshVersion", "cacheVersion", "isCacheRebuildInProgress", "localVersion", "state", "leader"} {
		if _, ok := report[key]; !ok {
			t.Errorf("status response missing %q", key)
		}
	}

	if rec := srv.do(t, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
	if rec := srv.do(t, http.MethodGet, "/metrics", ""); rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	if rec := srv.do(t, http.MethodPost, "/exclusionLists/rebuild", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("rebuild status = %d", rec.Code)
	}
}

func TestMutatingRoutesRequireAdmin(t *testing.T) {
	srv := setupServer(t)
	authorization.SetSecret("route-secret")
	t.Cleanup(func() { authorization.SetSecret("") })

	body := `{"name":"x","entityTypes":["Url"],"content":""}`
	if rec := srv.do(t, http.MethodPost, "/exclusionLists", body); rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous create status = %d, want 401", rec.Code)
	}

	token, err := authorization.GenerateJWT("ops", authorization.RoleAdmin, time.Minute)
	if err != nil {
		t.Fatalf("GenerateJWT returned error: %v", err)
	}
	if rec := srv.do(t, http.MethodPost, "/exclusionLists", body, "Authorization", "Bearer "+token); rec.Code != http.StatusCreated {
		t.Fatalf("admin create status = %d, body %s", rec.Code, rec.Body.String())
	}

	// reads stay open
	if rec := srv.do(t, http.MethodGet, "/exclusionLists", ""); rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
}

func TestSettingsRoutes(t *testing.T) {
	srv := setupServer(t)

	if rec := srv.do(t, http.MethodGet, "/settings", ""); rec.Code != http.StatusOK {
		t.Fatalf("get settings status = %d", rec.Code)
	}
	rec := srv.do(t, http.MethodPut, "/settings", `{"exclusion_lists":{"max_list_bytes":-5}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid settings status = %d, want 400", rec.Code)
	}
}

func TestGraphQLRoute(t *testing.T) {
	srv := setupServer(t)

	rec := srv.do(t, http.MethodPost, "/graphql", `{"query":"{ exclusionListCacheStatus { leader state } }"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("graphql status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"leader": true`) {
		t.Fatalf("graphql body = %s", rec.Body.String())
	}
}

func TestCORSPreflight(t *testing.T) {
	srv := setupServer(t)

	rec := srv.do(t, http.MethodOptions, "/exclusionLists", "")
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("preflight = %d %v", rec.Code, rec.Header())
	}
}

func TestInstancesWithoutRedis(t *testing.T) {
	srv := setupServer(t)

	rec := srv.do(t, http.MethodGet, "/instances", "")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("instances = %d %s", rec.Code, rec.Body.String())
	}
}

func TestStatusReportsLeaseHolder(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	srv := setupServerWithRedis(t, client)

	report := decode[map[string]any](t, srv.do(t, http.MethodGet, "/exclusionLists/status", ""))
	if _, ok := report["leaseHolder"]; ok {
		t.Fatalf("leaseHolder = %v with no lease held", report["leaseHolder"])
	}

	mr.Set(exclusion.LeaderLockKey, "node-a")
	report = decode[map[string]any](t, srv.do(t, http.MethodGet, "/exclusionLists/status", ""))
	if report["leaseHolder"] != "node-a" {
		t.Fatalf("leaseHolder = %v, want node-a", report["leaseHolder"])
	}
	if _, ok := report["refreshVersion"]; !ok {
		t.Fatal("status response lost the shared status fields")
	}
}
