package auth

import (
	"testing"
	"time"
)

func newTestStore() *Store {
	now := time.Unix(1_700_000_000, 0)
	return New(900*time.Second, func() time.Time { return now })
}

func TestCreateAccountRejectsDuplicateEmail(t *testing.T) {
	store := newTestStore()
	if _, err := store.CreateAccount("Pilot@Example.com", "hunter2"); err != nil {
		t.Fatalf("first signup: %v", err)
	}
	if _, err := store.CreateAccount("pilot@example.com", "other"); err != ErrEmailAlreadyExists {
		t.Fatalf("expected email_already_exists, got %v", err)
	}
}

func TestCreateAccountHashesPasswordWithUniqueSalts(t *testing.T) {
	store := newTestStore()
	a, _ := store.CreateAccount("a@example.com", "same-password")
	b, _ := store.CreateAccount("b@example.com", "same-password")
	if a.SaltHexHash == b.SaltHexHash {
		t.Fatalf("expected distinct salts for identical passwords")
	}
	if !VerifyPassword(a, "same-password") {
		t.Fatalf("expected password to verify")
	}
	if VerifyPassword(a, "wrong-password") {
		t.Fatalf("expected wrong password to fail verification")
	}
}

func TestCreateAPIKeyRequiresExistingAccount(t *testing.T) {
	store := newTestStore()
	if _, _, _, err := store.CreateAPIKey("acct-missing", ""); err != ErrAccountNotFound {
		t.Fatalf("expected account_not_found, got %v", err)
	}
}

func TestCreateSessionRoundTrip(t *testing.T) {
	store := newTestStore()
	account, _ := store.CreateAccount("pilot@example.com", "hunter2")
	raw, _, _, err := store.CreateAPIKey(account.ID, "laptop")
	if err != nil {
		t.Fatalf("create key: %v", err)
	}

	session, err := store.CreateSession(raw, RoleAgent, "agent-1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if len(session.CmdSecret) != 32 {
		t.Fatalf("expected 256-bit cmd secret, got %d bytes", len(session.CmdSecret))
	}

	fetched, err := store.GetSession(session.Token)
	if err != nil || fetched.JTI != session.JTI {
		t.Fatalf("expected to fetch the same session, err=%v", err)
	}
}

func TestCreateSessionRejectsInvalidKey(t *testing.T) {
	store := newTestStore()
	if _, err := store.CreateSession("not-a-real-key", RoleSpectator, ""); err != ErrInvalidAPIKey {
		t.Fatalf("expected invalid_api_key, got %v", err)
	}
}

func TestCreateSessionRequiresAgentIDForAgentRole(t *testing.T) {
	store := newTestStore()
	account, _ := store.CreateAccount("pilot@example.com", "hunter2")
	raw, _, _, _ := store.CreateAPIKey(account.ID, "")
	if _, err := store.CreateSession(raw, RoleAgent, ""); err != ErrAgentIDRequired {
		t.Fatalf("expected agent_id_required, got %v", err)
	}
}

func TestCreateSessionForbidsAgentIDForSpectatorRole(t *testing.T) {
	store := newTestStore()
	account, _ := store.CreateAccount("pilot@example.com", "hunter2")
	raw, _, _, _ := store.CreateAPIKey(account.ID, "")
	if _, err := store.CreateSession(raw, RoleSpectator, "agent-1"); err != ErrInvalidScope {
		t.Fatalf("expected invalid_scope, got %v", err)
	}
}

func TestValidateSessionChecksRoleAndAgentBinding(t *testing.T) {
	store := newTestStore()
	account, _ := store.CreateAccount("pilot@example.com", "hunter2")
	raw, _, _, _ := store.CreateAPIKey(account.ID, "")
	session, _ := store.CreateSession(raw, RoleAgent, "agent-1")

	if _, err := store.ValidateSession(session.Token, RoleSpectator, ""); err != ErrInvalidScope {
		t.Fatalf("expected invalid_scope, got %v", err)
	}
	if _, err := store.ValidateSession(session.Token, RoleAgent, "agent-2"); err != ErrAgentMismatch {
		t.Fatalf("expected agent_mismatch, got %v", err)
	}
	if _, err := store.ValidateSession(session.Token, RoleAgent, "agent-1"); err != nil {
		t.Fatalf("expected valid session, got %v", err)
	}
}

func TestExpiredSessionIsPurgedOnLookup(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	store := New(1*time.Second, func() time.Time { return clock })
	account, _ := store.CreateAccount("pilot@example.com", "hunter2")
	raw, _, _, _ := store.CreateAPIKey(account.ID, "")
	session, _ := store.CreateSession(raw, RoleSpectator, "")

	clock = clock.Add(2 * time.Second)
	if _, err := store.GetSession(session.Token); err != ErrInvalidSession {
		t.Fatalf("expected invalid_session after expiry, got %v", err)
	}
}

func TestAgentLockIsExclusive(t *testing.T) {
	store := newTestStore()
	if !store.AcquireAgentLock("agent-1", "cmd-a") {
		t.Fatalf("expected first acquire to succeed")
	}
	if store.AcquireAgentLock("agent-1", "cmd-b") {
		t.Fatalf("expected second acquire by a different command to fail")
	}
	store.ReleaseAgentLock("agent-1", "cmd-a")
	if !store.AcquireAgentLock("agent-1", "cmd-b") {
		t.Fatalf("expected acquire to succeed after release")
	}
}

func TestDevSessionsBypassAPIKeyExchange(t *testing.T) {
	store := newTestStore()
	spectator, err := store.CreateDevSpectatorSession()
	if err != nil || spectator.Role != RoleSpectator {
		t.Fatalf("expected dev spectator session, err=%v", err)
	}
	owner, err := store.CreateDevOwnerSession("agent-1")
	if err != nil || owner.Role != RoleOwnerSpectator || owner.AgentID != "agent-1" {
		t.Fatalf("expected dev owner session bound to agent-1, err=%v", err)
	}
}
