// ABOUTME: Tests for session context propagation
// ABOUTME: Verifies WithSession and FromContext round trip

package auth

import (
	"context"
	"testing"
)

func TestSessionContext(t *testing.T) {
	if FromContext(context.Background()) != nil {
		t.Fatal("expected nil session on empty context")
	}

	s := &Session{OwnerID: "user-1", Tier: "guest", Method: MethodJWT}
	ctx := WithSession(context.Background(), s)
	if got := FromContext(ctx); got != s {
		t.Errorf("FromContext() = %+v, want %+v", got, s)
	}
}
