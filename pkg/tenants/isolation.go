package tenants

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tracefirst/attest/pkg/canonicalize"
)

// Receipt is the recorded outcome of one isolation check: which resources
// a tenant touched, whether any belonged to someone else, and a content
// hash so the receipt itself is tamper-evident.
type Receipt struct {
	TenantID     string    `json:"tenant_id"`
	Resources    []string  `json:"resources"`
	ChecksPassed int       `json:"checks_passed"`
	ChecksFailed int       `json:"checks_failed"`
	Violations   []string  `json:"violations,omitempty"`
	Isolated     bool      `json:"isolated"`
	ContentHash  string    `json:"content_hash"`
	CheckedAt    time.Time `json:"checked_at"`
}

// Checker records which tenant owns each resource and verifies that reads
// stayed inside the tenant boundary. The doctor command feeds it every row
// visible under each tenant scope; a row visible under two scopes is a
// store bug, not an operator error.
type Checker struct {
	mu    sync.RWMutex
	owned map[string]map[string]bool
	clock func() time.Time
}

// NewChecker builds an empty isolation checker.
func NewChecker() *Checker {
	return &Checker{
		owned: make(map[string]map[string]bool),
		clock: time.Now,
	}
}

// WithClock overrides the receipt clock. For tests.
func (c *Checker) WithClock(clock func() time.Time) *Checker {
	c.clock = clock
	return c
}

// ResourceID qualifies a row id with its table kind so ids from different
// tables never collide ("run:42" vs "document:42").
func ResourceID(kind string, id int64) string {
	return fmt.Sprintf("%s:%d", kind, id)
}

// Register claims a resource for a tenant.
func (c *Checker) Register(tenantID, resourceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.owned[tenantID] == nil {
		c.owned[tenantID] = make(map[string]bool)
	}
	c.owned[tenantID][resourceID] = true
}

// Check verifies that every resource a tenant read is either its own or
// unclaimed. Reading another tenant's resource is a violation and marks
// the receipt not isolated.
func (c *Checker) Check(tenantID string, resourceIDs []string) *Receipt {
	c.mu.RLock()
	defer c.mu.RUnlock()

	resources := append([]string(nil), resourceIDs...)
	sort.Strings(resources)

	receipt := &Receipt{
		TenantID:  tenantID,
		Resources: resources,
		Isolated:  true,
		CheckedAt: c.clock(),
	}

	own := c.owned[tenantID]
	for _, id := range resources {
		if own != nil && own[id] {
			receipt.ChecksPassed++
			continue
		}
		owner := c.ownerOf(id, tenantID)
		if owner != "" {
			receipt.ChecksFailed++
			receipt.Isolated = false
			receipt.Violations = append(receipt.Violations,
				fmt.Sprintf("tenant %s read resource %s owned by %s", tenantID, id, owner))
			continue
		}
		// Unclaimed resources pass: nothing to leak from.
		receipt.ChecksPassed++
	}

	content := strings.Join([]string{
		receipt.TenantID,
		strings.Join(receipt.Resources, ","),
		fmt.Sprintf("%d/%d", receipt.ChecksPassed, receipt.ChecksFailed),
		strings.Join(receipt.Violations, ","),
	}, "|")
	receipt.ContentHash = canonicalize.HashBytes([]byte(content))
	return receipt
}

// ownerOf returns the tenant owning id, skipping the asking tenant.
// Callers hold at least a read lock.
func (c *Checker) ownerOf(id, askingTenant string) string {
	for tenantID, resources := range c.owned {
		if tenantID == askingTenant {
			continue
		}
		if resources[id] {
			return tenantID
		}
	}
	return ""
}

// Verify proves no resource is claimed by more than one tenant. Returns
// the sorted violation descriptions when the boundary does not hold.
func (c *Checker) Verify() (bool, []string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	owners := make(map[string]string)
	var violations []string
	tenantIDs := make([]string, 0, len(c.owned))
	for tenantID := range c.owned {
		tenantIDs = append(tenantIDs, tenantID)
	}
	sort.Strings(tenantIDs)

	for _, tenantID := range tenantIDs {
		resources := make([]string, 0, len(c.owned[tenantID]))
		for id := range c.owned[tenantID] {
			resources = append(resources, id)
		}
		sort.Strings(resources)
		for _, id := range resources {
			if prev, claimed := owners[id]; claimed {
				violations = append(violations,
					fmt.Sprintf("resource %s claimed by both %s and %s", id, prev, tenantID))
				continue
			}
			owners[id] = tenantID
		}
	}
	return len(violations) == 0, violations
}
