package monitoring

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/23skdu/xinfer/internal/engine"
	"github.com/23skdu/xinfer/internal/logger"
	"github.com/23skdu/xinfer/internal/serve"
)

type fakeModels struct {
	models map[string][]engine.BindingInfo
}

func (f *fakeModels) Models() []string {
	var names []string
	for _, n := range []string{"bert", "resnet"} {
		if _, ok := f.models[n]; ok {
			names = append(names, n)
		}
	}
	return names
}

func (f *fakeModels) Bindings(model string) ([]engine.BindingInfo, error) {
	b, ok := f.models[model]
	if !ok {
		return nil, fmt.Errorf("%w: %q", serve.ErrModelNotFound, model)
	}
	return b, nil
}

func (f *fakeModels) Ready() bool { return len(f.models) > 0 }

func newTestServer(t *testing.T, models map[string][]engine.BindingInfo) *httptest.Server {
	t.Helper()
	srv := NewServer(&fakeModels{models: models}, "test", logger.Nop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func resnet() map[string][]engine.BindingInfo {
	return map[string][]engine.BindingInfo{
		"resnet": {
			{Name: "input_0", Role: engine.RoleInput, Shape: []int64{1, 3, 224, 224}, Bytes: 602112},
			{Name: "output_layer_name", Role: engine.RoleOutput, Shape: []int64{1, 1000}, Bytes: 4000},
		},
	}
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, nil)
	var body healthResponse
	if code := getJSON(t, ts.URL+"/healthz", &body); code != http.StatusOK || body.Status != "ok" {
		t.Errorf("healthz = %d %+v", code, body)
	}
}

func TestReadyz(t *testing.T) {
	var body healthResponse
	if code := getJSON(t, newTestServer(t, nil).URL+"/readyz", &body); code != http.StatusServiceUnavailable || body.Status != "loading" {
		t.Errorf("empty registry readyz = %d %+v", code, body)
	}
	if code := getJSON(t, newTestServer(t, resnet()).URL+"/readyz", &body); code != http.StatusOK || body.Status != "ready" {
		t.Errorf("loaded readyz = %d %+v", code, body)
	}
}

func TestListModels(t *testing.T) {
	ts := newTestServer(t, resnet())

	var models []struct {
		Name     string `json:"name"`
		Bindings []struct {
			Name  string  `json:"name"`
			Role  string  `json:"role"`
			Shape []int64 `json:"shape"`
			Bytes int     `json:"bytes"`
		} `json:"bindings"`
	}
	if code := getJSON(t, ts.URL+"/v1/models", &models); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(models) != 1 || models[0].Name != "resnet" || len(models[0].Bindings) != 2 {
		t.Fatalf("models = %+v", models)
	}
	in := models[0].Bindings[0]
	if in.Name != "input_0" || in.Role != "input" || in.Bytes != 602112 || len(in.Shape) != 4 {
		t.Errorf("input binding = %+v", in)
	}
	if models[0].Bindings[1].Role != "output" {
		t.Errorf("output role = %q", models[0].Bindings[1].Role)
	}
}

func TestGetModel(t *testing.T) {
	ts := newTestServer(t, resnet())
	var m modelResponse
	if code := getJSON(t, ts.URL+"/v1/models/resnet", &m); code != http.StatusOK || m.Name != "resnet" {
		t.Errorf("get resnet = %d %+v", code, m)
	}
	var e map[string]string
	if code := getJSON(t, ts.URL+"/v1/models/gpt", &e); code != http.StatusNotFound || e["error"] == "" {
		t.Errorf("get gpt = %d %v", code, e)
	}
}

func TestStatus(t *testing.T) {
	ts := newTestServer(t, resnet())
	var st StatusResponse
	if code := getJSON(t, ts.URL+"/status", &st); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if st.Version != "test" || st.Status != "ready" || len(st.Models) != 1 {
		t.Errorf("status = %+v", st)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	ct := resp.Header.Get("Content-Type")
	if !strings.Contains(ct, "text/plain") && !strings.Contains(ct, "text/openmetrics") {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, nil)
	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/v1/models", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	req.Header.Set("Access-Control-Request-Method", "GET")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q", got)
	}
}
