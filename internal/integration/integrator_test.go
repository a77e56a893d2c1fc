package integration

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"pathology-platform/pkg/config"
	"pathology-platform/pkg/log"
)

// fakeSystem 模拟一个院内系统：校验认证头并返回固定 JSON
func fakeSystem(t *testing.T, checkAuth func(r *http.Request) bool, routes map[string]interface{}) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !checkAuth(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		body, ok := routes[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func basicAuthOK(user, pass string) func(*http.Request) bool {
	want := "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
	return func(r *http.Request) bool { return r.Header.Get("Authorization") == want }
}

func newTestIntegrator(t *testing.T, cfg config.IntegrationConfig) *Integrator {
	t.Helper()
	logger, err := log.NewLogger(nil)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	i, err := New(context.Background(), cfg, nil, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return i
}

func TestIntegrator_ImportPatientData(t *testing.T) {
	his := fakeSystem(t, basicAuthOK("hisuser", "hispass"), map[string]interface{}{
		"/api/patients/P001": map[string]interface{}{"name": "test", "sex": "F"},
	})
	emr := fakeSystem(t, func(r *http.Request) bool {
		return r.Header.Get("Authorization") == "Bearer emrtoken"
	}, map[string]interface{}{
		"/api/emr/patients/P001/records": []map[string]interface{}{{"note": "visit"}},
	})
	lis := fakeSystem(t, basicAuthOK("lisuser", "lispass"), map[string]interface{}{
		"/api/lis/patients/P001/results": []map[string]interface{}{{"test": "CBC"}, {"test": "CMP"}},
	})
	pacs := fakeSystem(t, func(r *http.Request) bool {
		return r.Header.Get("X-API-Key") == "pacskey"
	}, map[string]interface{}{
		"/api/pacs/patients/P001/studies": []map[string]interface{}{{"study_id": "S001"}},
	})

	i := newTestIntegrator(t, config.IntegrationConfig{
		HIS:  config.SystemConfig{Endpoint: his.URL, Username: "hisuser", Password: "hispass"},
		EMR:  config.SystemConfig{Endpoint: emr.URL, Token: "emrtoken"},
		LIS:  config.SystemConfig{Endpoint: lis.URL, Username: "lisuser", Password: "lispass"},
		PACS: config.SystemConfig{Endpoint: pacs.URL, APIKey: "pacskey"},
	})

	data, err := i.ImportPatientData(context.Background(), "P001", ImportOptions{})
	if err != nil {
		t.Fatalf("ImportPatientData: %v", err)
	}
	if data.Demographics["name"] != "test" {
		t.Errorf("Demographics: got %v", data.Demographics)
	}
	if len(data.Records) != 1 || len(data.LabResults) != 2 || len(data.Studies) != 1 {
		t.Errorf("aggregation: records=%d labs=%d studies=%d",
			len(data.Records), len(data.LabResults), len(data.Studies))
	}
	if data.Errors != nil {
		t.Errorf("Errors should be nil, got %v", data.Errors)
	}
}

func TestIntegrator_ImportPatientData_PartialFailure(t *testing.T) {
	his := fakeSystem(t, basicAuthOK("u", "p"), map[string]interface{}{
		"/api/patients/P001": map[string]interface{}{"name": "test"},
	})
	// EMR 认证失败
	emr := fakeSystem(t, func(r *http.Request) bool { return false }, nil)

	i := newTestIntegrator(t, config.IntegrationConfig{
		HIS: config.SystemConfig{Endpoint: his.URL, Username: "u", Password: "p"},
		EMR: config.SystemConfig{Endpoint: emr.URL, Token: "bad"},
	})

	data, err := i.ImportPatientData(context.Background(), "P001", ImportOptions{})
	if err != nil {
		t.Fatalf("partial failure should not error: %v", err)
	}
	if data.Demographics["name"] != "test" {
		t.Errorf("Demographics: got %v", data.Demographics)
	}
	if _, ok := data.Errors["emr"]; !ok {
		t.Errorf("Errors should record emr failure, got %v", data.Errors)
	}
}

func TestIntegrator_ImportPatientData_AllFail(t *testing.T) {
	down := fakeSystem(t, func(r *http.Request) bool { return false }, nil)
	i := newTestIntegrator(t, config.IntegrationConfig{
		HIS: config.SystemConfig{Endpoint: down.URL, Username: "u", Password: "p"},
	})
	if _, err := i.ImportPatientData(context.Background(), "P001", ImportOptions{}); err == nil {
		t.Error("all systems failing should error")
	}
}

func TestIntegrator_ImportPatientData_QueryFilters(t *testing.T) {
	queries := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries[r.URL.Path] = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("[]"))
	}))
	t.Cleanup(srv.Close)

	i := newTestIntegrator(t, config.IntegrationConfig{
		EMR:  config.SystemConfig{Endpoint: srv.URL, Token: "t"},
		LIS:  config.SystemConfig{Endpoint: srv.URL, Username: "u", Password: "p"},
		PACS: config.SystemConfig{Endpoint: srv.URL, APIKey: "k"},
	})

	_, err := i.ImportPatientData(context.Background(), "P001", ImportOptions{
		StartDate: "2026-01-01",
		EndDate:   "2026-06-30",
		TestType:  "CBC",
		Modality:  "CT",
	})
	if err != nil {
		t.Fatalf("ImportPatientData: %v", err)
	}

	emrQuery := queries["/api/emr/patients/P001/records"]
	if !strings.Contains(emrQuery, "start_date=2026-01-01") || !strings.Contains(emrQuery, "end_date=2026-06-30") {
		t.Errorf("emr date range not forwarded: %q", emrQuery)
	}
	if got := queries["/api/lis/patients/P001/results"]; got != "test_type=CBC" {
		t.Errorf("lis test_type: got %q", got)
	}
	if got := queries["/api/pacs/patients/P001/studies"]; got != "modality=CT" {
		t.Errorf("pacs modality: got %q", got)
	}
}

func TestIntegrator_Ping(t *testing.T) {
	up := fakeSystem(t, func(r *http.Request) bool { return true }, nil)
	down := fakeSystem(t, func(r *http.Request) bool {
		return !strings.HasPrefix(r.URL.Path, "/health")
	}, nil)

	i := newTestIntegrator(t, config.IntegrationConfig{
		HIS: config.SystemConfig{Endpoint: up.URL, Username: "u", Password: "p"},
		EMR: config.SystemConfig{Endpoint: down.URL, Token: "t"},
	})

	status := i.Ping(context.Background())
	if status["his"] != "ok" {
		t.Errorf("his: got %q", status["his"])
	}
	if status["emr"] == "ok" || status["emr"] == "" {
		t.Errorf("emr should report failure, got %q", status["emr"])
	}
}

func TestNew_RequiresEndpoint(t *testing.T) {
	logger, _ := log.NewLogger(nil)
	if _, err := New(context.Background(), config.IntegrationConfig{}, nil, logger); err == nil {
		t.Error("empty config should error")
	}
}

func TestNew_MissingCredential(t *testing.T) {
	logger, _ := log.NewLogger(nil)
	_, err := New(context.Background(), config.IntegrationConfig{
		PACS: config.SystemConfig{Endpoint: "http://pacs.local"},
	}, nil, logger)
	if err == nil {
		t.Error("missing api key without secrets store should error")
	}
}
