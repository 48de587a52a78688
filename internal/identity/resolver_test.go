package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/switchboard/internal/models"
)

type countingProvider struct {
	*StaticProvider
	calls int
	err   error
}

func (p *countingProvider) ValidateWorkspaceAccess(ctx context.Context, userID, workspaceID string) (bool, error) {
	p.calls++
	if p.err != nil {
		return false, p.err
	}
	return p.StaticProvider.ValidateWorkspaceAccess(ctx, userID, workspaceID)
}

var secret = []byte("0123456789abcdef0123456789abcdef")

func TestEstablish_MemberGetsContext(t *testing.T) {
	p := NewStaticProvider()
	p.Add("ws-1", "alice", models.PermAdmin)
	r := NewResolver(p, secret, time.Minute, zerolog.Nop())

	wc, err := r.Establish(context.Background(), "alice", "ws-1")
	if err != nil {
		t.Fatalf("Establish: %v", err)
	}
	if wc.WorkspaceID != "ws-1" || wc.UserID != "alice" {
		t.Fatalf("context = %+v", wc)
	}
	if !wc.Can(models.PermSend) || !wc.Can(models.PermAdmin) {
		t.Fatalf("permissions = %v", wc.Permissions.List())
	}
	if err := r.Verify(wc); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestEstablish_NonMemberDenied(t *testing.T) {
	p := NewStaticProvider()
	p.Add("ws-1", "alice")
	r := NewResolver(p, secret, time.Minute, zerolog.Nop())

	if _, err := r.Establish(context.Background(), "alice", "ws-2"); !errors.Is(err, models.ErrAccessDenied) {
		t.Fatalf("err = %v, want ErrAccessDenied", err)
	}
}

func TestEstablish_RejectsBadInput(t *testing.T) {
	r := NewResolver(OpenProvider(), secret, time.Minute, zerolog.Nop())
	for _, tc := range []struct{ user, ws string }{
		{"", "ws-1"},
		{"alice", ""},
		{"alice", "ws:1"},
	} {
		if _, err := r.Establish(context.Background(), tc.user, tc.ws); !errors.Is(err, models.ErrInvalidContext) {
			t.Errorf("Establish(%q, %q) err = %v, want ErrInvalidContext", tc.user, tc.ws, err)
		}
	}
}

func TestEstablish_CachesProviderAnswers(t *testing.T) {
	p := &countingProvider{StaticProvider: NewStaticProvider()}
	p.Add("ws-1", "alice")
	r := NewResolver(p, secret, time.Minute, zerolog.Nop())

	for i := 0; i < 3; i++ {
		if _, err := r.Establish(context.Background(), "alice", "ws-1"); err != nil {
			t.Fatalf("Establish: %v", err)
		}
	}
	if p.calls != 1 {
		t.Fatalf("provider calls = %d, want 1", p.calls)
	}

	p.Remove("ws-1", "alice")
	if n := r.Invalidate("ws-1", "alice"); n != 1 {
		t.Fatalf("Invalidate removed %d, want 1", n)
	}
	if _, err := r.Establish(context.Background(), "alice", "ws-1"); !errors.Is(err, models.ErrAccessDenied) {
		t.Fatalf("err after revoke = %v, want ErrAccessDenied", err)
	}
}

func TestEstablish_ProviderError(t *testing.T) {
	p := &countingProvider{StaticProvider: NewStaticProvider(), err: errors.New("redis down")}
	r := NewResolver(p, secret, time.Minute, zerolog.Nop())
	_, err := r.Establish(context.Background(), "alice", "ws-1")
	if err == nil || errors.Is(err, models.ErrAccessDenied) {
		t.Fatalf("err = %v, want provider failure", err)
	}
}

func TestVerify_RejectsTamperedContext(t *testing.T) {
	r := NewResolver(OpenProvider(), secret, time.Minute, zerolog.Nop())
	wc, err := r.Establish(context.Background(), "alice", "ws-1")
	if err != nil {
		t.Fatalf("Establish: %v", err)
	}

	moved := wc
	moved.WorkspaceID = "ws-2"
	if err := r.Verify(moved); !errors.Is(err, models.ErrInvalidContext) {
		t.Fatalf("Verify(moved workspace) = %v, want ErrInvalidContext", err)
	}

	impersonated := wc
	impersonated.UserID = "mallory"
	if err := r.Verify(impersonated); !errors.Is(err, models.ErrInvalidContext) {
		t.Fatalf("Verify(other user) = %v, want ErrInvalidContext", err)
	}

	if err := r.Verify(models.WorkspaceContext{WorkspaceID: "ws-1", UserID: "alice"}); !errors.Is(err, models.ErrInvalidContext) {
		t.Fatalf("Verify(unsigned) = %v, want ErrInvalidContext", err)
	}

	other := NewResolver(OpenProvider(), []byte("another-secret-another-secret-00"), time.Minute, zerolog.Nop())
	if err := other.Verify(wc); !errors.Is(err, models.ErrInvalidContext) {
		t.Fatalf("Verify with foreign secret = %v, want ErrInvalidContext", err)
	}
}

func TestIsMember_SharesCacheWithEstablish(t *testing.T) {
	p := &countingProvider{StaticProvider: NewStaticProvider()}
	p.Add("ws-1", "bob")
	r := NewResolver(p, secret, time.Minute, zerolog.Nop())
	ctx := context.Background()

	ok, err := r.IsMember(ctx, "ws-1", "bob")
	if err != nil || !ok {
		t.Fatalf("IsMember(bob) = %v, %v", ok, err)
	}
	if _, err := r.Establish(ctx, "bob", "ws-1"); err != nil {
		t.Fatalf("Establish: %v", err)
	}
	if ok, _ := r.IsMember(ctx, "ws-1", "mallory"); ok {
		t.Fatal("non-member reported as member")
	}
	if p.calls != 2 {
		t.Fatalf("provider calls = %d, want 2", p.calls)
	}

	p.err = errors.New("redis down")
	if _, err := r.IsMember(ctx, "ws-1", "carol"); err == nil {
		t.Fatal("expected provider error")
	}
}
