// Package memory contains an in-process provisioner for development and
// tests. Identities are synthesized, never real network resources.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/inkdex/fleet-orchestrator/internal/fleet"
)

// Provisioner hands out fake refs and identities and remembers what it
// created so tests can assert on provisioning traffic.
type Provisioner struct {
	mu        sync.Mutex
	seq       int
	live      map[string]string // ref -> identity
	destroyed []string

	// FailCreate and FailReplace make the next matching call return an error.
	FailCreate  error
	FailReplace error
}

// New returns an empty memory Provisioner.
func New() *Provisioner {
	return &Provisioner{live: make(map[string]string)}
}

// CreateWorker synthesizes a new ref and identity.
func (p *Provisioner) CreateWorker(_ context.Context, name string) (fleet.ProvisionResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailCreate != nil {
		err := p.FailCreate
		p.FailCreate = nil
		return fleet.ProvisionResult{}, err
	}
	p.seq++
	res := fleet.ProvisionResult{
		Ref:             fmt.Sprintf("mem-%s-%d", name, p.seq),
		NetworkIdentity: fmt.Sprintf("10.0.0.%d", p.seq),
	}
	p.live[res.Ref] = res.NetworkIdentity
	return res, nil
}

// ReplaceIdentity retires the old ref and issues a new one.
func (p *Provisioner) ReplaceIdentity(_ context.Context, ref string) (fleet.ProvisionResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailReplace != nil {
		err := p.FailReplace
		p.FailReplace = nil
		return fleet.ProvisionResult{}, err
	}
	if _, ok := p.live[ref]; !ok {
		return fleet.ProvisionResult{}, fmt.Errorf("unknown ref %q", ref)
	}
	delete(p.live, ref)
	p.destroyed = append(p.destroyed, ref)
	p.seq++
	res := fleet.ProvisionResult{
		Ref:             fmt.Sprintf("mem-replace-%d", p.seq),
		NetworkIdentity: fmt.Sprintf("10.0.0.%d", p.seq),
	}
	p.live[res.Ref] = res.NetworkIdentity
	return res, nil
}

// Destroy removes a ref. Unknown refs are not an error, matching the real
// provider's delete semantics.
func (p *Provisioner) Destroy(_ context.Context, ref string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.live, ref)
	p.destroyed = append(p.destroyed, ref)
	return nil
}

// Destroyed returns the refs destroyed so far, in order.
func (p *Provisioner) Destroyed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.destroyed))
	copy(out, p.destroyed)
	return out
}

// Live returns the number of refs currently provisioned.
func (p *Provisioner) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}
