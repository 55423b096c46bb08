package auth

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestStartVerificationDeliversProfile(t *testing.T) {
	ch := StartVerification(OfflineVerifier{}, zap.NewNop(), 1, "Notch", "hash", time.Second)

	select {
	case res := <-ch:
		if res.Err != nil {
			t.Fatalf("verification error: %v", res.Err)
		}
		if res.Profile != OfflineProfile("Notch") {
			t.Errorf("profile = %+v, want offline Notch", res.Profile)
		}
	case <-time.After(time.Second):
		t.Fatal("no verification result delivered")
	}
}

func TestStartVerificationDeliversUnreachable(t *testing.T) {
	ch := StartVerification(UnreachableVerifier{}, zap.NewNop(), 2, "Notch", "hash", time.Second)

	select {
	case res := <-ch:
		if !errors.Is(res.Err, ErrUnreachable) {
			t.Errorf("error = %v, want ErrUnreachable", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("no verification result delivered")
	}
}
