package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Verification errors. Unreachable is deliberately distinct from Unverified
// so operators can tell a service outage from a spoofed login.
var (
	ErrUnreachable = errors.New("authentication service unreachable")
	ErrUnverified  = errors.New("username could not be verified")
)

// SessionVerifier checks a joining player against the session service.
// The server hash is the login encryption digest the client committed to.
type SessionVerifier interface {
	Verify(ctx context.Context, username, serverHash string) (GameProfile, error)
}

// VerifyResult is delivered back to the login tick thread.
type VerifyResult struct {
	Profile GameProfile
	Err     error
}

// StartVerification runs the verifier on a dedicated one-shot goroutine and
// delivers the outcome on the returned channel. The login listener polls the
// channel from its tick; the goroutine never touches listener state.
func StartVerification(v SessionVerifier, log *zap.Logger, seq int64, username, serverHash string, timeout time.Duration) <-chan VerifyResult {
	out := make(chan VerifyResult, 1)
	name := fmt.Sprintf("User Authenticator #%d", seq)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		profile, err := v.Verify(ctx, username, serverHash)
		if err != nil {
			log.Warn("session verification failed",
				zap.String("worker", name),
				zap.String("username", username),
				zap.Error(err))
		}
		out <- VerifyResult{Profile: profile, Err: err}
	}()
	return out
}

// OfflineVerifier accepts every username with its offline-derived profile.
// Used when the server does not require authentication.
type OfflineVerifier struct{}

func (OfflineVerifier) Verify(_ context.Context, username, _ string) (GameProfile, error) {
	return OfflineProfile(username), nil
}

// UnreachableVerifier always reports the session service as down. Useful in
// tests and as the fail-stop default before a real client is wired in.
type UnreachableVerifier struct{}

func (UnreachableVerifier) Verify(context.Context, string, string) (GameProfile, error) {
	return GameProfile{}, ErrUnreachable
}
