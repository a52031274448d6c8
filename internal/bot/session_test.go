package bot

import (
	"testing"
	"time"
)

func TestSessionExpiryAbandonsFlowKeepsAuth(t *testing.T) {
	now := time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)
	sessions := NewSessions(time.Hour, func() time.Time { return now })

	sess := sessions.Get(1)
	sess.Authenticated = true
	sess.Stage = StageFeedback
	sess.Feedback = "черновик"

	// Within the TTL the flow is still alive.
	now = now.Add(30 * time.Minute)
	sess = sessions.Get(1)
	if sess.Stage != StageFeedback || sess.Feedback != "черновик" {
		t.Fatalf("flow must survive within TTL: %+v", sess)
	}

	// Past the TTL the dialog is abandoned but the login stays.
	now = now.Add(2 * time.Hour)
	sess = sessions.Get(1)
	if sess.Stage != StageIdle || sess.Feedback != "" {
		t.Fatalf("flow must be reset after TTL: %+v", sess)
	}
	if !sess.Authenticated {
		t.Fatal("authentication must survive expiry")
	}
}

func TestSessionsClear(t *testing.T) {
	sessions := NewSessions(time.Hour, nil)
	sessions.Get(1).Authenticated = true
	sessions.Clear(1)
	if sessions.Authenticated(1) {
		t.Fatal("cleared session must not stay authenticated")
	}
	if sessions.Get(1).Authenticated {
		t.Fatal("recreated session must start unauthenticated")
	}
}
