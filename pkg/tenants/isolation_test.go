package tenants

import (
	"testing"
	"time"
)

func TestCheckOwnResources(t *testing.T) {
	c := NewChecker()
	c.Register("alpha", ResourceID("run", 1))
	c.Register("alpha", ResourceID("document", 7))

	receipt := c.Check("alpha", []string{"run:1", "document:7"})
	if !receipt.Isolated {
		t.Fatalf("expected isolated, got violations: %v", receipt.Violations)
	}
	if receipt.ChecksPassed != 2 {
		t.Fatalf("expected 2 passed, got %d", receipt.ChecksPassed)
	}
	if receipt.ChecksFailed != 0 {
		t.Fatalf("expected 0 failed, got %d", receipt.ChecksFailed)
	}
}

func TestCheckCrossTenantRead(t *testing.T) {
	c := NewChecker()
	c.Register("alpha", "run:1")
	c.Register("beta", "run:2")

	receipt := c.Check("alpha", []string{"run:1", "run:2"})
	if receipt.Isolated {
		t.Fatal("expected a cross-tenant violation")
	}
	if receipt.ChecksFailed != 1 {
		t.Fatalf("expected 1 failure, got %d", receipt.ChecksFailed)
	}
	if len(receipt.Violations) != 1 {
		t.Fatalf("expected 1 violation, got %d", len(receipt.Violations))
	}
}

func TestCheckUnclaimedResourcePasses(t *testing.T) {
	c := NewChecker()
	c.Register("alpha", "run:1")

	receipt := c.Check("alpha", []string{"run:1", "chunk:9"})
	if !receipt.Isolated {
		t.Fatalf("unclaimed resource must not violate: %v", receipt.Violations)
	}
}

func TestVerifyCleanBoundary(t *testing.T) {
	c := NewChecker()
	c.Register("alpha", "run:1")
	c.Register("beta", "run:2")

	ok, violations := c.Verify()
	if !ok {
		t.Fatalf("expected clean boundary, got %v", violations)
	}
}

func TestVerifyDoubleClaim(t *testing.T) {
	c := NewChecker()
	c.Register("alpha", "document:3")
	c.Register("beta", "document:3")

	ok, violations := c.Verify()
	if ok {
		t.Fatal("expected a double-claim violation")
	}
	if len(violations) != 1 {
		t.Fatalf("expected 1 violation, got %d", len(violations))
	}
}

func TestReceiptHashIsDeterministic(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return fixed }

	a := NewChecker().WithClock(clock)
	a.Register("alpha", "run:1")
	b := NewChecker().WithClock(clock)
	b.Register("alpha", "run:1")

	ra := a.Check("alpha", []string{"run:1"})
	rb := b.Check("alpha", []string{"run:1"})
	if ra.ContentHash == "" {
		t.Fatal("expected a content hash")
	}
	if ra.ContentHash != rb.ContentHash {
		t.Fatalf("hash not deterministic: %s vs %s", ra.ContentHash, rb.ContentHash)
	}
}

func TestCheckSortsResources(t *testing.T) {
	c := NewChecker()
	c.Register("alpha", "run:1")
	c.Register("alpha", "run:2")

	r1 := c.Check("alpha", []string{"run:2", "run:1"})
	r2 := c.Check("alpha", []string{"run:1", "run:2"})
	if r1.ContentHash != r2.ContentHash {
		t.Fatal("resource order must not change the receipt hash")
	}
	if r1.Resources[0] != "run:1" {
		t.Fatalf("expected sorted resources, got %v", r1.Resources)
	}
}
