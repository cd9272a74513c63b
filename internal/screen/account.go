package screen

import (
	"context"
	"errors"
	"fmt"

	"github.com/terrascout/fieldmap/internal/remote"
	"github.com/terrascout/fieldmap/internal/syncer"
)

// Sync flushes pending edits and runs one sync pass.
func (c *Controller) Sync(ctx context.Context) (syncer.Result, error) {
	if c.engine == nil {
		c.setStatus("Sync is not configured")
		return syncer.Result{}, ErrSyncNotConfigured
	}
	c.Flush()
	c.setStatus("Syncing...")

	res, err := c.engine.Sync(ctx)
	switch {
	case err == nil:
		c.setStatus(fmt.Sprintf("Synced: %d uploaded, %d downloaded", res.Uploaded, res.Downloaded))
	case errors.Is(err, syncer.ErrInProgress):
		c.setStatus("Sync already running")
	case errors.Is(err, remote.ErrAuthExpired):
		c.setStatus("Sign-in expired, please sign in again")
	default:
		c.setStatus(fmt.Sprintf("Sync failed: %v", err))
	}
	return res, err
}

// SignIn runs the configured sign-in flow and hands the session to sync.
func (c *Controller) SignIn(ctx context.Context) error {
	if c.engine == nil || c.signIn == nil {
		c.setStatus("Sync is not configured")
		return ErrSyncNotConfigured
	}
	session, err := c.signIn(ctx)
	if err != nil {
		c.setStatus(fmt.Sprintf("Sign-in failed: %v", err))
		return err
	}
	c.engine.SetSession(session)
	if email := session.Email(); email != "" {
		c.setStatus("Signed in as " + email)
	} else {
		c.setStatus("Signed in")
	}
	return nil
}

func (c *Controller) SignOut() {
	if c.engine == nil {
		return
	}
	c.engine.SetSession(nil)
	if c.onSignOut != nil {
		c.onSignOut()
	}
	c.setStatus("Signed out")
}

// SignedIn reports whether sync has a usable session.
func (c *Controller) SignedIn() bool {
	return c.engine != nil && c.engine.Session().Valid()
}
