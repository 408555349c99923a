package cache

import (
	"context"
	"testing"
)

func TestKeySchema(t *testing.T) {
	if got := ManifestKey("cooking-agent", "1.0.0"); got != "manifest:cooking-agent:1.0.0" {
		t.Errorf("ManifestKey = %s", got)
	}
	if got := InstallationsKey("u1"); got != "installations:u1" {
		t.Errorf("InstallationsKey = %s", got)
	}
	if got := SharedContextKey("u1"); got != "shared_context:u1" {
		t.Errorf("SharedContextKey = %s", got)
	}
}

func TestNilCacheIsSafe(t *testing.T) {
	ctx := context.Background()
	var c *Cache

	if _, ok := c.GetManifest(ctx, "a", "1.0.0"); ok {
		t.Error("nil cache reported a hit")
	}
	if _, ok := c.GetInstallations(ctx, "u1"); ok {
		t.Error("nil cache reported a hit")
	}
	if _, ok := c.GetSharedContext(ctx, "u1"); ok {
		t.Error("nil cache reported a hit")
	}

	// Writes and invalidations are no-ops, not panics.
	c.SetSharedContext(ctx, "u1", map[string]any{"k": "v"})
	c.InvalidateInstallations(ctx, "u1")
	c.InvalidateSharedContext(ctx, "u1")
	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestDisabledCacheIsSafe(t *testing.T) {
	ctx := context.Background()
	c := New(nil)

	if _, ok := c.GetManifest(ctx, "a", "1.0.0"); ok {
		t.Error("disabled cache reported a hit")
	}
	c.SetInstallations(ctx, "u1", nil)
	c.InvalidateManifest(ctx, "a", "1.0.0")
}
