package mikrotik_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/neomorfeo/ticketgate/internal/adapter/mikrotik"
	"github.com/neomorfeo/ticketgate/internal/domain"
)

func testRouter(t *testing.T, server *httptest.Server) domain.Router {
	t.Helper()
	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parsing server url: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("splitting host: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return domain.Router{
		ID: "rt-1", TenantID: "tn-1", Host: host, Port: port,
		Username: "api", Password: "secret", Active: true,
	}
}

func testSpec() domain.CredentialSpec {
	return domain.CredentialSpec{
		Username:  "ABC234",
		Password:  "9871",
		Profile:   "1hr",
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}
}

func TestTestConnectivity(t *testing.T) {
	var sawAuth bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/system/resource" {
			t.Errorf("path = %q, want /rest/system/resource", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		sawAuth = ok && user == "api" && pass == "secret"
		json.NewEncoder(w).Encode(map[string]string{"version": "7.14", "uptime": "1w2d"})
	}))
	defer server.Close()

	client := mikrotik.New(mikrotik.WithScheme("http"))
	if err := client.TestConnectivity(context.Background(), testRouter(t, server)); err != nil {
		t.Fatalf("TestConnectivity failed: %v", err)
	}
	if !sawAuth {
		t.Error("request should carry the router's basic auth credentials")
	}
}

func TestTestConnectivity_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	router := testRouter(t, server)
	server.Close() // nothing listening

	client := mikrotik.New(mikrotik.WithScheme("http"))
	if err := client.TestConnectivity(context.Background(), router); err == nil {
		t.Fatal("expected an error for an unreachable device")
	}
}

func TestCreateCredential(t *testing.T) {
	var gotBody map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/rest/ip/hotspot/user" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]string{".id": "*5", "name": gotBody["name"]})
	}))
	defer server.Close()

	client := mikrotik.New(mikrotik.WithScheme("http"))
	cred, err := client.CreateCredential(context.Background(), testRouter(t, server), testSpec())
	if err != nil {
		t.Fatalf("CreateCredential failed: %v", err)
	}

	if cred.Username != "ABC234" || cred.Password != "9871" {
		t.Errorf("credential = %q/%q, want ABC234/9871", cred.Username, cred.Password)
	}
	if cred.RouterID != "rt-1" {
		t.Errorf("RouterID = %q, want rt-1", cred.RouterID)
	}
	if gotBody["profile"] != "1hr" || gotBody["disabled"] != "no" {
		t.Errorf("body = %v, want profile 1hr and disabled no", gotBody)
	}
}

func TestCreateCredential_AlreadyExistsIsSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"detail": "failure: already have user with this name for this server",
			"error":  400,
		})
	}))
	defer server.Close()

	client := mikrotik.New(mikrotik.WithScheme("http"))
	cred, err := client.CreateCredential(context.Background(), testRouter(t, server), testSpec())
	if err != nil {
		t.Fatalf("re-creating the deterministic credential should succeed, got %v", err)
	}
	if cred.Username != "ABC234" {
		t.Errorf("Username = %q, want ABC234", cred.Username)
	}
}

func TestCreateCredential_DeviceError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{"detail": "input does not match any value of profile"})
	}))
	defer server.Close()

	client := mikrotik.New(mikrotik.WithScheme("http"))
	_, err := client.CreateCredential(context.Background(), testRouter(t, server), testSpec())
	if err == nil {
		t.Fatal("expected an error for an unknown profile")
	}
	if !strings.Contains(err.Error(), "profile") {
		t.Errorf("error should carry the device detail, got %v", err)
	}
}

// routerOSHandler simulates the subset of the REST API auto-connect touches.
type routerOSHandler struct {
	hostPresent       bool
	loginStatus       int
	loginDetail       string
	activeAfterLogin  bool
	patchedMAC        string
	loggedIn          bool
	loginRequestCount int
}

func (h *routerOSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/rest/ip/hotspot/user":
		json.NewEncoder(w).Encode([]map[string]string{{".id": "*7", "name": r.URL.Query().Get("name")}})

	case r.Method == http.MethodPatch && r.URL.Path == "/rest/ip/hotspot/user/*7":
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		h.patchedMAC = body["mac-address"]
		json.NewEncoder(w).Encode(map[string]string{".id": "*7"})

	case r.Method == http.MethodGet && r.URL.Path == "/rest/ip/hotspot/host":
		if h.hostPresent {
			json.NewEncoder(w).Encode([]map[string]string{
				{"address": "10.5.50.10", "mac-address": r.URL.Query().Get("mac-address")},
			})
		} else {
			json.NewEncoder(w).Encode([]any{})
		}

	case r.Method == http.MethodPost && r.URL.Path == "/rest/ip/hotspot/active/login":
		h.loginRequestCount++
		if h.loginStatus != 0 {
			w.WriteHeader(h.loginStatus)
			json.NewEncoder(w).Encode(map[string]any{"detail": h.loginDetail})
			return
		}
		h.loggedIn = true
		json.NewEncoder(w).Encode(map[string]string{})

	case r.Method == http.MethodGet && r.URL.Path == "/rest/ip/hotspot/active":
		if h.activeAfterLogin {
			json.NewEncoder(w).Encode([]map[string]string{{"user": r.URL.Query().Get("user")}})
		} else {
			json.NewEncoder(w).Encode([]any{})
		}

	default:
		http.NotFound(w, r)
	}
}

func TestBindAndAutoConnect_Success(t *testing.T) {
	handler := &routerOSHandler{hostPresent: true, activeAfterLogin: true}
	server := httptest.NewServer(handler)
	defer server.Close()

	client := mikrotik.New(mikrotik.WithScheme("http"))
	cred := domain.Credential{Username: "ABC234", Password: "9871", Profile: "1hr", RouterID: "rt-1"}

	res, err := client.BindAndAutoConnect(context.Background(), testRouter(t, server), "AA-BB-CC-DD-EE-FF", cred)
	if err != nil {
		t.Fatalf("BindAndAutoConnect failed: %v", err)
	}

	if !res.Bound {
		t.Error("credential should be bound to the MAC")
	}
	if !res.Connected {
		t.Error("session should be active")
	}
	if handler.patchedMAC != "aa:bb:cc:dd:ee:ff" {
		t.Errorf("patched MAC = %q, want normalized aa:bb:cc:dd:ee:ff", handler.patchedMAC)
	}
	if !handler.loggedIn {
		t.Error("active/login should have been called")
	}
}

func TestBindAndAutoConnect_HostAbsent(t *testing.T) {
	handler := &routerOSHandler{hostPresent: false}
	server := httptest.NewServer(handler)
	defer server.Close()

	client := mikrotik.New(mikrotik.WithScheme("http"))
	cred := domain.Credential{Username: "ABC234", Password: "9871"}

	res, err := client.BindAndAutoConnect(context.Background(), testRouter(t, server), "aa:bb:cc:dd:ee:ff", cred)
	if err != nil {
		t.Fatalf("an absent host is partial success, got error: %v", err)
	}

	if !res.Bound {
		t.Error("binding should still succeed")
	}
	if res.Connected {
		t.Error("no session can be active for an absent host")
	}
	if res.Message == "" {
		t.Error("result should explain why no session was opened")
	}
	if handler.loginRequestCount != 0 {
		t.Error("no login should be attempted without a host")
	}
}

func TestBindAndAutoConnect_AlreadyAuthorized(t *testing.T) {
	handler := &routerOSHandler{
		hostPresent:      true,
		loginStatus:      http.StatusBadRequest,
		loginDetail:      "failure: already authorized",
		activeAfterLogin: true,
	}
	server := httptest.NewServer(handler)
	defer server.Close()

	client := mikrotik.New(mikrotik.WithScheme("http"))
	cred := domain.Credential{Username: "ABC234", Password: "9871"}

	res, err := client.BindAndAutoConnect(context.Background(), testRouter(t, server), "aa:bb:cc:dd:ee:ff", cred)
	if err != nil {
		t.Fatalf("BindAndAutoConnect failed: %v", err)
	}
	if !res.Connected {
		t.Error("an already-authorized host counts as connected")
	}
}

func TestBindAndAutoConnect_LoginRejected(t *testing.T) {
	handler := &routerOSHandler{
		hostPresent: true,
		loginStatus: http.StatusBadRequest,
		loginDetail: "failure: invalid username or password",
	}
	server := httptest.NewServer(handler)
	defer server.Close()

	client := mikrotik.New(mikrotik.WithScheme("http"))
	cred := domain.Credential{Username: "ABC234", Password: "9871"}

	res, err := client.BindAndAutoConnect(context.Background(), testRouter(t, server), "aa:bb:cc:dd:ee:ff", cred)
	if err != nil {
		t.Fatalf("a rejected login is partial success, got error: %v", err)
	}
	if res.Connected {
		t.Error("rejected login cannot be connected")
	}
	if !strings.Contains(res.Message, "invalid username") {
		t.Errorf("message should carry the device detail, got %q", res.Message)
	}
}
