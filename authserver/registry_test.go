package authserver

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/toolbridge/mcp-auth/kv/memory"
)

func newTestRegistry(t *testing.T, mutate func(*Config)) *Registry {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	config := &Config{Issuer: "https://auth.example.com"}
	config.applyDefaults()
	if mutate != nil {
		mutate(config)
	}
	return NewRegistry(store, Namespaces{}, config, nil)
}

func TestRegisterAndGet(t *testing.T) {
	r := newTestRegistry(t, nil)
	ctx := context.Background()

	client, err := r.Register(ctx, &RegistrationRequest{
		RedirectURIs: []string{"https://app.example.com/callback"},
		ClientName:   "Test App",
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if !strings.HasPrefix(client.ClientID, ClientIDPrefix) {
		t.Errorf("client id %q missing prefix %q", client.ClientID, ClientIDPrefix)
	}
	if len(client.ClientID) != len(ClientIDPrefix)+clientIDRandomHexLen {
		t.Errorf("client id %q has wrong length", client.ClientID)
	}
	if client.Confidential() {
		t.Error("dynamically registered client must be public")
	}
	if client.Scope == "" {
		t.Error("default scope not applied")
	}

	got, err := r.Get(ctx, client.ClientID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ClientName != "Test App" {
		t.Errorf("got name %q, want %q", got.ClientName, "Test App")
	}
}

func TestRegisterValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		req     *RegistrationRequest
		wantErr string
	}{
		{
			name:    "no redirect URIs",
			req:     &RegistrationRequest{},
			wantErr: "redirect_uri is required",
		},
		{
			name: "relative redirect URI",
			req: &RegistrationRequest{
				RedirectURIs: []string{"/callback"},
			},
			wantErr: "Invalid redirect URI",
		},
		{
			name: "plain http rejected",
			req: &RegistrationRequest{
				RedirectURIs: []string{"http://app.example.com/callback"},
			},
			wantErr: "must use HTTPS",
		},
		{
			name: "loopback http allowed",
			req: &RegistrationRequest{
				RedirectURIs: []string{"http://localhost:8123/callback"},
			},
		},
		{
			name: "127.0.0.1 http allowed",
			req: &RegistrationRequest{
				RedirectURIs: []string{"http://127.0.0.1:8123/callback"},
			},
		},
		{
			name: "fragment rejected",
			req: &RegistrationRequest{
				RedirectURIs: []string{"https://app.example.com/callback#frag"},
			},
			wantErr: "fragment",
		},
		{
			name: "host not in allow-list",
			mutate: func(c *Config) {
				c.AllowedRedirectHosts = []string{"example.com"}
			},
			req: &RegistrationRequest{
				RedirectURIs: []string{"https://evil.test/callback"},
			},
			wantErr: "host not allowed",
		},
		{
			name: "subdomain of allowed host",
			mutate: func(c *Config) {
				c.AllowedRedirectHosts = []string{"example.com"}
			},
			req: &RegistrationRequest{
				RedirectURIs: []string{"https://app.example.com/callback"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry(t, tt.mutate)
			_, err := r.Register(context.Background(), tt.req)

			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Register failed: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			var perr *Error
			if !errors.As(err, &perr) {
				t.Fatalf("expected protocol error, got %T", err)
			}
			if perr.Code != ErrorCodeInvalidClientMetadata {
				t.Errorf("got code %q, want %q", perr.Code, ErrorCodeInvalidClientMetadata)
			}
			if !strings.Contains(perr.Description, tt.wantErr) {
				t.Errorf("description %q does not contain %q", perr.Description, tt.wantErr)
			}
		})
	}
}

func TestConcurrentRegistrationUniqueness(t *testing.T) {
	r := newTestRegistry(t, nil)
	ctx := context.Background()

	const n = 50
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client, err := r.Register(ctx, &RegistrationRequest{
				RedirectURIs: []string{"https://app.example.com/callback"},
			})
			if err != nil {
				t.Errorf("Register failed: %v", err)
				return
			}
			ids <- client.ClientID
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate client id: %s", id)
		}
		seen[id] = true
	}
	if len(seen) != n {
		t.Errorf("got %d unique ids, want %d", len(seen), n)
	}
}

func TestValidateRedirect(t *testing.T) {
	r := newTestRegistry(t, nil)
	ctx := context.Background()

	client, err := r.Register(ctx, &RegistrationRequest{
		RedirectURIs: []string{"https://app.example.com/callback"},
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	tests := []struct {
		name        string
		clientID    string
		redirectURI string
		wantValid   bool
		wantMessage string
	}{
		{
			name:        "valid pair",
			clientID:    client.ClientID,
			redirectURI: "https://app.example.com/callback",
			wantValid:   true,
		},
		{
			name:        "unknown client",
			clientID:    "mcp_client_0000000000000000",
			redirectURI: "https://app.example.com/callback",
			wantMessage: "Client not found",
		},
		{
			name:        "unregistered redirect",
			clientID:    client.ClientID,
			redirectURI: "https://app.example.com/other",
			wantMessage: "Invalid redirect URI for client",
		},
		{
			name:        "prefix is not a match",
			clientID:    client.ClientID,
			redirectURI: "https://app.example.com/callback/extra",
			wantMessage: "Invalid redirect URI for client",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := r.Validate(ctx, tt.clientID, tt.redirectURI)
			if err != nil {
				t.Fatalf("Validate failed: %v", err)
			}
			if v.Valid != tt.wantValid {
				t.Errorf("got valid=%v, want %v", v.Valid, tt.wantValid)
			}
			if tt.wantMessage != "" && v.ErrorMessage != tt.wantMessage {
				t.Errorf("got message %q, want %q", v.ErrorMessage, tt.wantMessage)
			}
		})
	}
}

func TestUpdateAndRevoke(t *testing.T) {
	r := newTestRegistry(t, nil)
	ctx := context.Background()

	client, err := r.Register(ctx, &RegistrationRequest{
		RedirectURIs: []string{"https://app.example.com/callback"},
		ClientName:   "Before",
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	newName := "After"
	ok, err := r.Update(ctx, client.ClientID, ClientUpdate{ClientName: &newName})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if !ok {
		t.Fatal("Update reported missing client")
	}

	got, err := r.Get(ctx, client.ClientID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ClientName != "After" {
		t.Errorf("got name %q, want %q", got.ClientName, "After")
	}

	// Updating redirect URIs goes through validation.
	bad := []string{"http://app.example.com/callback"}
	if _, err := r.Update(ctx, client.ClientID, ClientUpdate{RedirectURIs: &bad}); err == nil {
		t.Error("insecure redirect URI accepted on update")
	}

	ok, err = r.Revoke(ctx, client.ClientID)
	if err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if !ok {
		t.Fatal("Revoke reported missing client")
	}
	if _, err := r.Get(ctx, client.ClientID); !errors.Is(err, ErrClientNotFound) {
		t.Errorf("got %v after revoke, want ErrClientNotFound", err)
	}

	// Second revoke reports the client as gone.
	ok, err = r.Revoke(ctx, client.ClientID)
	if err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if ok {
		t.Error("second revoke reported success")
	}

	// Update on a missing client reports false, not an error.
	ok, err = r.Update(ctx, client.ClientID, ClientUpdate{ClientName: &newName})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if ok {
		t.Error("update of revoked client reported success")
	}
}

func TestStaticClientSecret(t *testing.T) {
	r := newTestRegistry(t, nil)
	ctx := context.Background()

	hash, err := HashClientSecret("s3cret")
	if err != nil {
		t.Fatalf("HashClientSecret failed: %v", err)
	}
	client, err := r.Provision(ctx, StaticClient{
		ClientID:     "backend-service",
		SecretHash:   hash,
		RedirectURIs: []string{"https://backend.example.com/callback"},
	})
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	if !client.Confidential() {
		t.Fatal("provisioned client with secret is not confidential")
	}

	if err := r.ValidateSecret(ctx, "backend-service", "s3cret"); err != nil {
		t.Errorf("correct secret rejected: %v", err)
	}
	if err := r.ValidateSecret(ctx, "backend-service", "wrong"); err == nil {
		t.Error("wrong secret accepted")
	}
	if err := r.ValidateSecret(ctx, "missing-client", "s3cret"); err == nil {
		t.Error("unknown client accepted")
	}
}

func TestStats(t *testing.T) {
	r := newTestRegistry(t, nil)
	ctx := context.Background()

	var last *Client
	for i := 0; i < 3; i++ {
		client, err := r.Register(ctx, &RegistrationRequest{
			RedirectURIs: []string{"https://app.example.com/callback"},
		})
		if err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		last = client
	}

	stats, err := r.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.TotalClients != 3 || stats.ActiveClients != 3 {
		t.Errorf("got %d/%d clients, want 3/3", stats.TotalClients, stats.ActiveClients)
	}

	// Revocation removes the record, so both counts drop together.
	if ok, err := r.Revoke(ctx, last.ClientID); err != nil || !ok {
		t.Fatalf("Revoke failed: %v %v", ok, err)
	}
	stats, err = r.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.TotalClients != 2 || stats.ActiveClients != 2 {
		t.Errorf("got %d/%d clients after revocation, want 2/2", stats.TotalClients, stats.ActiveClients)
	}
}
