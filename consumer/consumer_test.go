package consumer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/toolbridge/mcp-auth/kv/memory"
)

// fakeExchanger is a scriptable Exchanger test double.
type fakeExchanger struct {
	exchangeResult *ExchangeResult
	refreshResult  *ExchangeResult

	exchangeCalls []string // codes seen
	verifiers     []string
	refreshCalls  []string // refresh tokens seen
}

func (f *fakeExchanger) BuildAuthorizationURL(state string, scopes []string, codeChallenge string) string {
	return fmt.Sprintf("https://provider.example.com/authorize?state=%s&challenge=%s", state, codeChallenge)
}

func (f *fakeExchanger) ExchangeCodeForTokens(ctx context.Context, code, codeVerifier string) *ExchangeResult {
	f.exchangeCalls = append(f.exchangeCalls, code)
	f.verifiers = append(f.verifiers, codeVerifier)
	return f.exchangeResult
}

func (f *fakeExchanger) RefreshTokens(ctx context.Context, refreshToken string) *ExchangeResult {
	f.refreshCalls = append(f.refreshCalls, refreshToken)
	return f.refreshResult
}

func liveCredentials() *Credentials {
	return &Credentials{
		AccessToken:  "upstream-access",
		RefreshToken: "upstream-refresh",
		TokenType:    "Bearer",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
}

func newTestConsumer(t *testing.T, ex *fakeExchanger) *Consumer {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	creds := NewKVCredentialStore(store, "", 0)
	c, err := New(ex, creds, store, Config{
		ProviderID: "github",
		Scopes:     []string{"repo", "user"},
		UsePKCE:    true,
	}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

func TestStartAuthorizationFlow(t *testing.T) {
	ex := &fakeExchanger{}
	c := newTestConsumer(t, ex)

	flow, err := c.StartAuthorizationFlow(context.Background(), "user-1", nil)
	if err != nil {
		t.Fatalf("StartAuthorizationFlow failed: %v", err)
	}

	if len(flow.State) != 32 {
		t.Errorf("state has %d characters, want 32", len(flow.State))
	}
	if flow.AuthorizationURL == "" {
		t.Fatal("no authorization URL")
	}
	// PKCE challenge made it into the URL.
	if flow.AuthorizationURL == fmt.Sprintf("https://provider.example.com/authorize?state=%s&challenge=", flow.State) {
		t.Error("PKCE challenge missing from authorization URL")
	}
}

func TestStartFlowRequiresUser(t *testing.T) {
	c := newTestConsumer(t, &fakeExchanger{})
	if _, err := c.StartAuthorizationFlow(context.Background(), "", nil); err == nil {
		t.Fatal("flow started without a user")
	}
}

func TestCallbackSuccess(t *testing.T) {
	ex := &fakeExchanger{exchangeResult: &ExchangeResult{Success: true, Credentials: liveCredentials()}}
	c := newTestConsumer(t, ex)
	ctx := context.Background()

	flow, err := c.StartAuthorizationFlow(ctx, "user-1", nil)
	if err != nil {
		t.Fatalf("StartAuthorizationFlow failed: %v", err)
	}

	result, err := c.HandleAuthorizationCallback(ctx, "provider-code", flow.State)
	if err != nil {
		t.Fatalf("HandleAuthorizationCallback failed: %v", err)
	}
	if !result.Success {
		t.Fatalf("callback failed: %s", result.Error)
	}
	if result.UserID != "user-1" {
		t.Errorf("got user %q, want user-1", result.UserID)
	}

	// The verifier minted at flow start reached the exchanger.
	if len(ex.verifiers) != 1 || ex.verifiers[0] == "" {
		t.Error("PKCE verifier did not reach the exchanger")
	}

	creds, err := c.GetUserCredentials(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetUserCredentials failed: %v", err)
	}
	if creds == nil || creds.AccessToken != "upstream-access" {
		t.Errorf("credentials not stored: %+v", creds)
	}
}

func TestCallbackInvalidState(t *testing.T) {
	c := newTestConsumer(t, &fakeExchanger{})

	result, err := c.HandleAuthorizationCallback(context.Background(), "code", "never-issued-state")
	if err != nil {
		t.Fatalf("HandleAuthorizationCallback failed: %v", err)
	}
	if result.Success {
		t.Fatal("callback with unknown state succeeded")
	}
	if result.Error != "invalid or expired state" {
		t.Errorf("got error %q", result.Error)
	}
}

func TestStateIsOneTimeUse(t *testing.T) {
	ex := &fakeExchanger{exchangeResult: &ExchangeResult{Success: true, Credentials: liveCredentials()}}
	c := newTestConsumer(t, ex)
	ctx := context.Background()

	flow, err := c.StartAuthorizationFlow(ctx, "user-1", nil)
	if err != nil {
		t.Fatalf("StartAuthorizationFlow failed: %v", err)
	}

	if _, err := c.HandleAuthorizationCallback(ctx, "code", flow.State); err != nil {
		t.Fatalf("first callback failed: %v", err)
	}

	replay, err := c.HandleAuthorizationCallback(ctx, "code", flow.State)
	if err != nil {
		t.Fatalf("second callback failed: %v", err)
	}
	if replay.Success {
		t.Fatal("state accepted twice")
	}
	if replay.Error != "invalid or expired state" {
		t.Errorf("got error %q", replay.Error)
	}
}

func TestStateConsumedEvenWhenExchangeFails(t *testing.T) {
	ex := &fakeExchanger{exchangeResult: &ExchangeResult{Error: "provider rejected the code"}}
	c := newTestConsumer(t, ex)
	ctx := context.Background()

	flow, err := c.StartAuthorizationFlow(ctx, "user-1", nil)
	if err != nil {
		t.Fatalf("StartAuthorizationFlow failed: %v", err)
	}

	result, err := c.HandleAuthorizationCallback(ctx, "bad-code", flow.State)
	if err != nil {
		t.Fatalf("HandleAuthorizationCallback failed: %v", err)
	}
	if result.Success {
		t.Fatal("failed exchange reported success")
	}

	// The state is gone even though the exchange failed.
	replay, err := c.HandleAuthorizationCallback(ctx, "bad-code", flow.State)
	if err != nil {
		t.Fatalf("HandleAuthorizationCallback failed: %v", err)
	}
	if replay.Error != "invalid or expired state" {
		t.Errorf("state survived a failed exchange: %q", replay.Error)
	}
}

func TestGetValidAccessTokenLive(t *testing.T) {
	ex := &fakeExchanger{}
	c := newTestConsumer(t, ex)
	ctx := context.Background()

	if err := c.StoreUserCredentials(ctx, "user-1", liveCredentials()); err != nil {
		t.Fatalf("StoreUserCredentials failed: %v", err)
	}

	token, err := c.GetValidAccessToken(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetValidAccessToken failed: %v", err)
	}
	if token != "upstream-access" {
		t.Errorf("got token %q", token)
	}
	if len(ex.refreshCalls) != 0 {
		t.Error("live credential triggered a refresh")
	}
}

func TestGetValidAccessTokenRefreshes(t *testing.T) {
	fresh := liveCredentials()
	fresh.AccessToken = "refreshed-access"
	fresh.RefreshToken = "" // provider omits it on refresh
	ex := &fakeExchanger{refreshResult: &ExchangeResult{Success: true, Credentials: fresh}}
	c := newTestConsumer(t, ex)
	ctx := context.Background()

	expired := liveCredentials()
	expired.ExpiresAt = time.Now().Add(-time.Minute)
	if err := c.StoreUserCredentials(ctx, "user-1", expired); err != nil {
		t.Fatalf("StoreUserCredentials failed: %v", err)
	}

	token, err := c.GetValidAccessToken(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetValidAccessToken failed: %v", err)
	}
	if token != "refreshed-access" {
		t.Errorf("got token %q, want refreshed-access", token)
	}
	if len(ex.refreshCalls) != 1 || ex.refreshCalls[0] != "upstream-refresh" {
		t.Errorf("refresh calls: %v", ex.refreshCalls)
	}

	// The old refresh token was carried over since the provider
	// omitted a new one.
	stored, err := c.GetUserCredentials(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetUserCredentials failed: %v", err)
	}
	if stored.RefreshToken != "upstream-refresh" {
		t.Errorf("refresh token not preserved: %q", stored.RefreshToken)
	}
}

func TestGetValidAccessTokenRefreshFailureDeletes(t *testing.T) {
	ex := &fakeExchanger{refreshResult: &ExchangeResult{Error: "invalid_grant"}}
	c := newTestConsumer(t, ex)
	ctx := context.Background()

	expired := liveCredentials()
	expired.ExpiresAt = time.Now().Add(-time.Minute)
	if err := c.StoreUserCredentials(ctx, "user-1", expired); err != nil {
		t.Fatalf("StoreUserCredentials failed: %v", err)
	}

	token, err := c.GetValidAccessToken(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetValidAccessToken failed: %v", err)
	}
	if token != "" {
		t.Errorf("got token %q after failed refresh", token)
	}

	stored, err := c.GetUserCredentials(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetUserCredentials failed: %v", err)
	}
	if stored != nil {
		t.Error("dead credentials were not deleted")
	}
}

func TestGetValidAccessTokenNoRefreshToken(t *testing.T) {
	ex := &fakeExchanger{}
	c := newTestConsumer(t, ex)
	ctx := context.Background()

	expired := liveCredentials()
	expired.ExpiresAt = time.Now().Add(-time.Minute)
	expired.RefreshToken = ""
	if err := c.StoreUserCredentials(ctx, "user-1", expired); err != nil {
		t.Fatalf("StoreUserCredentials failed: %v", err)
	}

	token, err := c.GetValidAccessToken(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetValidAccessToken failed: %v", err)
	}
	if token != "" {
		t.Errorf("got token %q without a refresh token", token)
	}
	if len(ex.refreshCalls) != 0 {
		t.Error("refresh attempted without a refresh token")
	}
}

func TestGetValidAccessTokenNothingStored(t *testing.T) {
	c := newTestConsumer(t, &fakeExchanger{})

	token, err := c.GetValidAccessToken(context.Background(), "stranger")
	if err != nil {
		t.Fatalf("GetValidAccessToken failed: %v", err)
	}
	if token != "" {
		t.Errorf("got token %q for unknown user", token)
	}
}

func TestIsUserAuthenticated(t *testing.T) {
	c := newTestConsumer(t, &fakeExchanger{})
	ctx := context.Background()

	if c.IsUserAuthenticated(ctx, "user-1") {
		t.Error("unknown user reported as authenticated")
	}

	if err := c.StoreUserCredentials(ctx, "user-1", liveCredentials()); err != nil {
		t.Fatal(err)
	}
	if !c.IsUserAuthenticated(ctx, "user-1") {
		t.Error("user with live credentials reported as unauthenticated")
	}
}

func TestClearUserCredentials(t *testing.T) {
	fresh := liveCredentials()
	fresh.AccessToken = "refreshed-access"
	ex := &fakeExchanger{refreshResult: &ExchangeResult{Success: true, Credentials: fresh}}
	c := newTestConsumer(t, ex)
	ctx := context.Background()

	if err := c.StoreUserCredentials(ctx, "user-1", liveCredentials()); err != nil {
		t.Fatal(err)
	}
	if err := c.ClearUserCredentials(ctx, "user-1"); err != nil {
		t.Fatalf("ClearUserCredentials failed: %v", err)
	}

	// The record survives with its refresh token, forcing the next
	// read through a refresh.
	stored, err := c.GetUserCredentials(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if stored == nil || stored.RefreshToken != "upstream-refresh" {
		t.Fatalf("refresh token lost on clear: %+v", stored)
	}

	token, err := c.GetValidAccessToken(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetValidAccessToken failed: %v", err)
	}
	if token != "refreshed-access" {
		t.Errorf("got token %q after clear, want refreshed-access", token)
	}
	if len(ex.refreshCalls) != 1 {
		t.Errorf("expected one refresh after clear, got %d", len(ex.refreshCalls))
	}

	// Clearing an unknown user is a no-op.
	if err := c.ClearUserCredentials(ctx, "stranger"); err != nil {
		t.Errorf("ClearUserCredentials for unknown user failed: %v", err)
	}
}

func TestRevokeAndListUsers(t *testing.T) {
	c := newTestConsumer(t, &fakeExchanger{})
	ctx := context.Background()

	for _, user := range []string{"alice", "bob"} {
		if err := c.StoreUserCredentials(ctx, user, liveCredentials()); err != nil {
			t.Fatal(err)
		}
	}

	users, err := c.GetAuthenticatedUsers(ctx)
	if err != nil {
		t.Fatalf("GetAuthenticatedUsers failed: %v", err)
	}
	if len(users) != 2 {
		t.Errorf("got %d users, want 2: %v", len(users), users)
	}

	if err := c.RevokeUserCredentials(ctx, "alice"); err != nil {
		t.Fatalf("RevokeUserCredentials failed: %v", err)
	}
	users, err = c.GetAuthenticatedUsers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 1 || users[0] != "bob" {
		t.Errorf("got users %v, want [bob]", users)
	}

	if c.IsUserAuthenticated(ctx, "alice") {
		t.Error("revoked user still authenticated")
	}
}

func TestHasUserCredentials(t *testing.T) {
	c := newTestConsumer(t, &fakeExchanger{})
	ctx := context.Background()

	has, err := c.HasUserCredentials(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if has {
		t.Error("unknown user has credentials")
	}

	expired := liveCredentials()
	expired.ExpiresAt = time.Now().Add(-time.Hour)
	if err := c.StoreUserCredentials(ctx, "user-1", expired); err != nil {
		t.Fatal(err)
	}

	// Expired records still count as present: the distinction drives
	// auth-required versus reauth-required.
	has, err = c.HasUserCredentials(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Error("expired record not reported as present")
	}
}
