package build

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientRoundTrip(t *testing.T) {
	var gotReq Request
	var gotID string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/builds", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		gotID = r.Header.Get("X-Request-ID")
		json.NewDecoder(r.Body).Decode(&gotReq)
		w.Write([]byte(`{"key":"abc","url":"/artifacts/abc.bin","file":"abc.bin"}`))
	})
	mux.HandleFunc("/api/builds/abc/status", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"queued","timeOut":90}`))
	})
	mux.HandleFunc("/artifacts/abc.bin", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("BIN"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.Client(), srv.URL)
	ctx := WithRequestID(context.Background(), "req-1")

	res, err := c.RequestBuild(ctx, NewRequest("rx_ep1", "3.0.0", true, nil))
	if err != nil {
		t.Fatalf("RequestBuild: %v", err)
	}
	if res.Key != "abc" || res.File != "abc.bin" {
		t.Errorf("unexpected response %+v", res)
	}
	if gotReq.Target != "rx_ep1" || gotReq.Options[0] != OptionCoreBuild {
		t.Errorf("unexpected request body %+v", gotReq)
	}
	if gotID != "req-1" {
		t.Errorf("expected X-Request-ID req-1, got %q", gotID)
	}

	st, err := c.Status(ctx, "abc")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Status != "queued" || st.TimeOut == nil || *st.TimeOut != 90 {
		t.Errorf("unexpected status %+v", st)
	}

	data, err := c.Download(ctx, res.URL)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if string(data) != "BIN" {
		t.Errorf("expected BIN, got %q", data)
	}
	if got := c.LogURL("abc"); got != srv.URL+"/api/builds/abc/log" {
		t.Errorf("unexpected log url %s", got)
	}
}

func TestClientResponseError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such target", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), srv.URL)
	_, err := c.Status(context.Background(), "missing")
	var re *ResponseError
	if !errors.As(err, &re) {
		t.Fatalf("expected ResponseError, got %v", err)
	}
	if re.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", re.Code)
	}
}

func TestClientDrivesRequestor(t *testing.T) {
	polls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/api/builds", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"key":"k1","url":"/a.bin"}`))
	})
	mux.HandleFunc("/api/builds/k1/status", func(w http.ResponseWriter, r *http.Request) {
		polls++
		if polls < 3 {
			w.Write([]byte(`{"status":"queued"}`))
			return
		}
		w.Write([]byte(`{"status":"success","configuration":{"layout":"x"}}`))
	})
	mux.HandleFunc("/a.bin", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte{0xE9})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	r := newTestRequestor(NewClient(srv.Client(), srv.URL))
	res, err := r.Run(context.Background(), NewRequest("rx_ep1", "3.0.0", false, nil), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != StateSuccess {
		t.Fatalf("expected success, got %s (%s)", res.State, res.Reason)
	}
	if len(res.Configuration) == 0 {
		t.Error("expected configuration payload")
	}
	if res.LogURL != srv.URL+"/api/builds/k1/log" {
		t.Errorf("unexpected log url %q", res.LogURL)
	}
}
