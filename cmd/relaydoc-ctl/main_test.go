package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func fakeService(t *testing.T) *httptest.Server {
	t.Helper()
	shuttingDown := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer ctl-token" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"code":"unauthorized","message":"missing or invalid bearer token"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/command":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			switch body["c"] {
			case "getForgottenList":
				_, _ = w.Write([]byte(`{"error":0,"keys":["doc-a"]}`))
			case "getForgotten":
				_, _ = w.Write([]byte(`{"key":"` + body["key"] + `","error":1}`))
			default:
				_, _ = w.Write([]byte(`{"key":"` + body["key"] + `","error":0}`))
			}
		case "/v1/admin/shutdown":
			if r.Method == http.MethodPost {
				var body struct {
					ShuttingDown bool `json:"shuttingDown"`
				}
				_ = json.NewDecoder(r.Body).Decode(&body)
				shuttingDown = body.ShuttingDown
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"shuttingDown": shuttingDown, "documents": []string{}})
		case "/v1/admin/backends":
			_, _ = w.Write([]byte(`{"tenant":"t1","backends":{"records":"memory://"},"convertQueueDepth":2}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func runCtl(t *testing.T, srv *httptest.Server, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{"--base-url", srv.URL, "--token", "ctl-token", "--interval", "1ms"}, args...)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	code := run(ctx, full, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestForgottenListPrintsKeys(t *testing.T) {
	srv := fakeService(t)
	code, out, errOut := runCtl(t, srv, "forgotten", "list")
	if code != 0 {
		t.Fatalf("expected success, got %d (%s)", code, errOut)
	}
	var got struct {
		Keys []string `json:"keys"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode output %q: %v", out, err)
	}
	if len(got.Keys) != 1 || got.Keys[0] != "doc-a" {
		t.Fatalf("unexpected keys %v", got.Keys)
	}
}

func TestForgottenGetReportsCommandError(t *testing.T) {
	srv := fakeService(t)
	code, _, errOut := runCtl(t, srv, "forgotten", "get", "doc-missing")
	if code != 1 {
		t.Fatalf("expected failure exit code, got %d", code)
	}
	if !strings.Contains(errOut, "getForgotten doc-missing failed with error 1") {
		t.Fatalf("expected command error on stderr, got %q", errOut)
	}
}

func TestShutdownStartAndBackends(t *testing.T) {
	srv := fakeService(t)
	code, out, errOut := runCtl(t, srv, "shutdown", "start")
	if code != 0 || !strings.Contains(out, `"shuttingDown": true`) {
		t.Fatalf("expected shutdown start, got %d out=%q err=%q", code, out, errOut)
	}
	code, out, errOut = runCtl(t, srv, "shutdown", "drain")
	if code != 0 || !strings.Contains(errOut, "shutdown drained") {
		t.Fatalf("expected drained shutdown, got %d out=%q err=%q", code, out, errOut)
	}
	code, out, _ = runCtl(t, srv, "backends")
	if code != 0 || !strings.Contains(out, `"convertQueueDepth": 2`) {
		t.Fatalf("expected backend status, got %d out=%q", code, out)
	}
}

func TestUsageErrors(t *testing.T) {
	srv := fakeService(t)
	if code, _, _ := runCtl(t, srv); code != 2 {
		t.Fatalf("expected usage exit for no command, got %d", code)
	}
	if code, _, errOut := runCtl(t, srv, "forgotten", "delete"); code != 2 || !strings.Contains(errOut, "needs a key") {
		t.Fatalf("expected usage exit for missing key, got %d (%s)", code, errOut)
	}
	if code, _, _ := runCtl(t, srv, "reboot"); code != 2 {
		t.Fatalf("expected usage exit for unknown command, got %d", code)
	}

	var stderr bytes.Buffer
	t.Setenv("RELAYDOC_TOKEN", "")
	if code := run(context.Background(), []string{"--base-url", srv.URL, "backends"}, &bytes.Buffer{}, &stderr); code != 2 {
		t.Fatalf("expected missing token to be rejected, got %d", code)
	}
}
