package transpile

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClientTranspile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/transpile" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req transpileRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.FromDialect != "databricks" || req.ToDialect != "e6" {
			t.Errorf("unexpected dialects: %+v", req)
		}
		json.NewEncoder(w).Encode(transpileResponse{Result: Result{
			ConvertedQuery:     "SELECT 1",
			SupportedFunctions: []string{"SUM"},
			Executable:         true,
		}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	res, err := c.Transpile(context.Background(), "SELECT 1", "databricks", "e6")
	if err != nil {
		t.Fatalf("transpile: %v", err)
	}
	if res.ConvertedQuery != "SELECT 1" || !res.Executable {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestClientTranspileError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(transpileResponse{Error: "unparseable near FROM"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	if _, err := c.Transpile(context.Background(), "SELECT FROM", "databricks", "e6"); err == nil {
		t.Fatal("expected an error for an unparseable query")
	}
}

func TestClientTranspileHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	if _, err := c.Transpile(context.Background(), "SELECT 1", "databricks", "e6"); err == nil {
		t.Fatal("expected an error for a 500 response")
	}
}
