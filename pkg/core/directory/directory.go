// Package directory maps stable participant names to the live ids the server
// assigns for the current session.
package directory

import (
	"sync"

	"github.com/vango-go/vai-converse/pkg/core/protocol"
)

// Directory is the live-session directory. It is written only by the
// transport receive path and read by the outgoing queue and the engines.
type Directory struct {
	mu      sync.RWMutex
	byBrain map[string]protocol.AgentInfo
	byGiven map[string]string
}

// New returns an empty directory.
func New() *Directory {
	return &Directory{
		byBrain: make(map[string]protocol.AgentInfo),
		byGiven: make(map[string]string),
	}
}

// Resolve returns the live id for brainName, or "" when it is not (yet)
// known. Given names are accepted as aliases.
func (d *Directory) Resolve(brainName string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if a, ok := d.byBrain[brainName]; ok {
		return a.AgentID
	}
	if brain, ok := d.byGiven[brainName]; ok {
		return d.byBrain[brain].AgentID
	}
	return ""
}

// NameOf returns the brain name registered for a live id.
func (d *Directory) NameOf(agentID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for brain, a := range d.byBrain {
		if a.AgentID == agentID {
			return brain, true
		}
	}
	return "", false
}

// Update replaces the directory contents with agents.
func (d *Directory) Update(agents []protocol.AgentInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byBrain = make(map[string]protocol.AgentInfo, len(agents))
	d.byGiven = make(map[string]string, len(agents))
	for _, a := range agents {
		if a.BrainName == "" || a.AgentID == "" {
			continue
		}
		d.byBrain[a.BrainName] = a
		if a.GivenName != "" {
			d.byGiven[a.GivenName] = a.BrainName
		}
	}
}

// Clear forgets every live id. Called when the session closes.
func (d *Directory) Clear() {
	d.Update(nil)
}

// Len returns the number of registered participants.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byBrain)
}

// Agents returns a snapshot of the registered participants.
func (d *Directory) Agents() []protocol.AgentInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]protocol.AgentInfo, 0, len(d.byBrain))
	for _, a := range d.byBrain {
		out = append(out, a)
	}
	return out
}
