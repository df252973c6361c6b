package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/ehr/hcx/internal/config"
	"github.com/ehr/hcx/internal/platform/auth"
	"github.com/ehr/hcx/internal/platform/envelope"
	"github.com/ehr/hcx/internal/platform/protocol"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func writeKeyPair(t *testing.T, dir, code string) (certPath, keyPath string) {
	t.Helper()
	certPEM, keyPEM, err := envelope.GenerateKeyPair(code, 2048, time.Hour)
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	certPath = filepath.Join(dir, code+".pem")
	keyPath = filepath.Join(dir, code+".key")
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		t.Fatal(err)
	}
	return certPath, keyPath
}

func testConfig(t *testing.T, role string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	self, counterpart := "provider-1", "payer-1"
	if role == protocol.RolePayer {
		self, counterpart = counterpart, self
	}
	ownCert, ownKey := writeKeyPair(t, dir, self)
	otherCert, _ := writeKeyPair(t, dir, counterpart)

	return &config.Config{
		Port:               "0",
		Env:                "development",
		Role:               role,
		ParticipantCode:    self,
		CounterpartCode:    counterpart,
		CounterpartURL:     "http://127.0.0.1:1",
		CounterpartCert:    otherCert,
		PrivateKeyPath:     ownKey,
		PublicCertPath:     ownCert,
		AuthMode:           auth.ModeNone,
		OutboundTimeout:    time.Second,
		MatchWindow:        100 * time.Millisecond,
		ProcessingTimeout:  time.Second,
		ShutdownTimeout:    time.Second,
		OutboxPollInterval: 50 * time.Millisecond,
		OutboxMaxAttempts:  2,
		OutboxMaxBackoff:   time.Second,
		BodyLimit:          "1M",
		DBMaxConns:         10,
		DBMinConns:         2,
	}
}

func newTestServer(t *testing.T, role string) *httptest.Server {
	t.Helper()
	ctx := context.Background()
	a, err := newApp(ctx, testConfig(t, role), zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(a.Close)

	e, err := newServer(ctx, a)
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

// ---------------------------------------------------------------------------
// server wiring
// ---------------------------------------------------------------------------

func TestServer_Health(t *testing.T) {
	srv := newTestServer(t, protocol.RoleProvider)

	var body map[string]string
	if code := getJSON(t, srv.URL+"/health", &body); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if body["status"] != "ok" || body["role"] != "provider" || body["participant"] != "provider-1" {
		t.Errorf("unexpected health body: %v", body)
	}

	var db map[string]interface{}
	if code := getJSON(t, srv.URL+"/health/db", &db); code != http.StatusOK {
		t.Errorf("expected 200 from /health/db without a database, got %d", code)
	}
}

func TestServer_Metrics(t *testing.T) {
	srv := newTestServer(t, protocol.RoleProvider)

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "go_goroutines") {
		t.Error("expected Go runtime metrics in exposition")
	}
}

func TestServer_Workflows(t *testing.T) {
	srv := newTestServer(t, protocol.RolePayer)

	var body struct {
		Data []struct {
			Name      string `json:"name"`
			Responder bool   `json:"responder"`
		} `json:"data"`
	}
	if code := getJSON(t, srv.URL+"/api/v1/workflows", &body); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(body.Data) != len(protocol.Workflows()) {
		t.Fatalf("expected %d workflows, got %d", len(protocol.Workflows()), len(body.Data))
	}
	responders := map[string]bool{}
	for _, wf := range body.Data {
		responders[wf.Name] = wf.Responder
	}
	if !responders[protocol.WorkflowClaim] {
		t.Error("expected payer to answer claims")
	}
	if responders[protocol.WorkflowCommunication] {
		t.Error("expected payer not to answer communication requests")
	}
}

func TestServer_PlansOnlyOnPayer(t *testing.T) {
	payer := newTestServer(t, protocol.RolePayer)
	var plans map[string]interface{}
	if code := getJSON(t, payer.URL+"/api/v1/plans", &plans); code != http.StatusOK {
		t.Errorf("expected payer to serve plans, got %d", code)
	}

	provider := newTestServer(t, protocol.RoleProvider)
	if code := getJSON(t, provider.URL+"/api/v1/plans", nil); code != http.StatusNotFound {
		t.Errorf("expected 404 for plans on provider, got %d", code)
	}
}

func TestServer_Participants(t *testing.T) {
	srv := newTestServer(t, protocol.RoleProvider)

	var body []map[string]interface{}
	if code := getJSON(t, srv.URL+"/api/v1/participants", &body); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(body) != 1 || body[0]["code"] != "payer-1" || body[0]["role"] != "payer" {
		t.Errorf("expected the configured counterpart, got %v", body)
	}
}

func TestNewApp_MissingKey(t *testing.T) {
	cfg := testConfig(t, protocol.RoleProvider)
	cfg.PrivateKeyPath = filepath.Join(t.TempDir(), "missing.key")
	if _, err := newApp(context.Background(), cfg, zerolog.Nop()); err == nil {
		t.Fatal("expected error for a missing private key")
	}
}

func TestNewApp_WarnsOnNonPEMCertificate(t *testing.T) {
	cfg := testConfig(t, protocol.RoleProvider)
	cfg.PublicCertPath = filepath.Join(t.TempDir(), "own.pem")
	if err := os.WriteFile(cfg.PublicCertPath, []byte("not a certificate"), 0o644); err != nil {
		t.Fatal(err)
	}

	var logs bytes.Buffer
	a, err := newApp(context.Background(), cfg, zerolog.New(&logs))
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(a.Close)

	if !strings.Contains(logs.String(), "own certificate is missing or not PEM") {
		t.Errorf("expected certificate warning, got %s", logs.String())
	}
}

func TestBuildRegistry_UnknownCounterpart(t *testing.T) {
	cfg := testConfig(t, protocol.RoleProvider)
	cfg.CounterpartURL = ""
	if _, err := buildRegistry(cfg); err == nil {
		t.Fatal("expected error when the counterpart is not registered")
	}
}

// ---------------------------------------------------------------------------
// commands
// ---------------------------------------------------------------------------

func TestKeysGenerate(t *testing.T) {
	fs := afero.NewMemMapFs()
	cmd := keysCmd(fs)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"generate", "--code", "payer-9", "--out", "/keys", "--days", "2"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("generate: %v", err)
	}

	certPEM, err := afero.ReadFile(fs, "/keys/payer-9.pem")
	if err != nil {
		t.Fatalf("expected certificate: %v", err)
	}
	if !strings.Contains(string(certPEM), "BEGIN CERTIFICATE") {
		t.Error("expected PEM certificate")
	}
	info, err := fs.Stat("/keys/payer-9.key")
	if err != nil {
		t.Fatalf("expected private key: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected key mode 0600, got %o", info.Mode().Perm())
	}
	if !strings.Contains(out.String(), "/keys/payer-9.key") {
		t.Errorf("expected key path in output, got %q", out.String())
	}
}

func TestKeysGenerate_RequiresCode(t *testing.T) {
	cmd := keysCmd(afero.NewMemMapFs())
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"generate"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error without --code")
	}
}

func TestSend_UnknownWorkflow(t *testing.T) {
	cmd := sendCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"nope", "bundle.json"})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "unknown workflow") {
		t.Fatalf("expected unknown workflow error, got %v", err)
	}
}

func TestRootCmd_Commands(t *testing.T) {
	want := map[string]bool{"serve": false, "migrate": false, "keys": false, "send": false}
	for _, c := range rootCmd().Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("expected %s command", name)
		}
	}
}

// ---------------------------------------------------------------------------
// shutdown
// ---------------------------------------------------------------------------

type recordingShutdowner struct {
	name  string
	order *[]string
	err   error
}

func (r recordingShutdowner) Shutdown(context.Context) error {
	*r.order = append(*r.order, r.name)
	return r.err
}

func TestDrain_StopsWorkersLast(t *testing.T) {
	tests := []struct {
		name    string
		dispErr error
	}{
		{name: "clean"},
		{name: "continuations time out", dispErr: context.DeadlineExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var order []string
			server := recordingShutdowner{name: "server", order: &order, err: errors.New("listener closed")}
			dispatcher := recordingShutdowner{name: "dispatcher", order: &order, err: tt.dispErr}
			stop := func() { order = append(order, "workers") }

			err := drain(context.Background(), zerolog.Nop(), server, dispatcher, stop)
			if !errors.Is(err, tt.dispErr) {
				t.Errorf("expected %v, got %v", tt.dispErr, err)
			}
			if got := strings.Join(order, ","); got != "server,dispatcher,workers" {
				t.Errorf("shutdown order = %s", got)
			}
		})
	}
}
