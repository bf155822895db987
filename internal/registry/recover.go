package registry

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/termgate/termgate/internal/engine"
)

// Recover re-registers session containers left behind by a previous
// run. Running containers are adopted as-is; stopped ones are restarted
// first (they survive host reboots). Containers that cannot be
// identified or revived are removed, and ownership records with nothing
// left to own are pruned.
func (r *Registry) Recover(ctx context.Context) {
	managed, err := r.driver.ListManaged(ctx)
	if err != nil {
		log.Printf("ERROR: list containers for recovery: %v", err)
		return
	}

	recovered := 0
	for _, m := range managed {
		if r.recoverOne(ctx, m) {
			recovered++
		}
	}
	if recovered > 0 {
		log.Printf("Recovered %d session(s) from previous run", recovered)
	}

	// Everything adoptable is registered now, so any leftover ownership
	// record points at nothing.
	for _, sid := range r.owners.All() {
		if _, ok := r.Get(sid); ok {
			continue
		}
		if err := r.owners.Remove(sid); err != nil {
			log.Printf("ERROR: prune ownership record for %s: %v", shortID(sid), err)
			continue
		}
		log.Printf("Pruned orphaned ownership record for %s", shortID(sid))
	}
}

func (r *Registry) recoverOne(ctx context.Context, m engine.Managed) bool {
	if m.SessionID == "" {
		log.Printf("WARNING: removing unidentifiable container %s", m.Name)
		r.discardContainer(ctx, m.ID)
		return false
	}

	if _, exists := r.Get(m.SessionID); exists {
		log.Printf("WARNING: removing duplicate container %s for session %s", m.Name, shortID(m.SessionID))
		r.discardContainer(ctx, m.ID)
		return false
	}

	owner, ok := r.owners.Get(m.SessionID)
	if !ok {
		log.Printf("WARNING: removing container %s with no ownership record", m.Name)
		r.discardContainer(ctx, m.ID)
		return false
	}

	if m.HostPort == 0 {
		log.Printf("WARNING: removing container %s with no published port", m.Name)
		r.discardSession(ctx, m)
		return false
	}

	if !m.Running() {
		log.Printf("Restarting stopped container %s (status %s)", m.Name, m.Status)
		if err := r.driver.Start(ctx, m.ID); err != nil {
			log.Printf("WARNING: restart of %s failed: %v, removing", m.Name, err)
			r.discardSession(ctx, m)
			return false
		}
		again, err := r.driver.Inspect(ctx, m.ID)
		if err != nil || !again.Running() {
			log.Printf("WARNING: container %s did not stay up, removing", m.Name)
			r.discardSession(ctx, m)
			return false
		}
	}

	if err := r.ports.MarkAllocated(m.HostPort); err != nil {
		log.Printf("WARNING: cannot adopt port %d for %s: %v, removing", m.HostPort, m.Name, err)
		r.discardSession(ctx, m)
		return false
	}

	now := time.Now()
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	s := &session{
		id:           m.SessionID,
		username:     owner,
		port:         m.HostPort,
		containerID:  m.ID,
		workspace:    m.Workspace,
		state:        StateRunning,
		createdAt:    createdAt,
		lastAccessed: now,
	}

	r.mu.Lock()
	r.sessions[s.id] = s
	r.userCount[s.username]++
	r.mu.Unlock()

	log.Printf("Recovered session %s (container %s, port %d) for %s",
		shortID(s.id), m.Name, s.port, s.username)
	return true
}

// discardContainer removes a container we will not adopt.
func (r *Registry) discardContainer(ctx context.Context, ref string) {
	if err := r.driver.Remove(ctx, ref); err != nil {
		log.Printf("ERROR: remove container %s: %v", ref, err)
	}
}

// discardSession removes an unrevivable container together with its
// ownership record.
func (r *Registry) discardSession(ctx context.Context, m engine.Managed) {
	r.discardContainer(ctx, m.ID)
	if err := r.owners.Remove(m.SessionID); err != nil {
		log.Printf("ERROR: remove ownership record for %s: %v", shortID(m.SessionID), err)
	}
}

// Reap is the periodic health pass: it revives or cleans up sessions
// whose container died underneath them and prunes ownership records
// whose container is truly gone. Engine trouble skips the cycle rather
// than tearing anything down on bad information.
func (r *Registry) Reap(ctx context.Context) {
	for _, info := range r.List() {
		r.reapSession(ctx, info)
	}

	for _, sid := range r.owners.All() {
		if _, ok := r.Get(sid); ok {
			continue
		}
		// A record without a session could still have a container that
		// a restart will recover. Only a confirmed absence is pruned.
		_, err := r.driver.Inspect(ctx, engine.ContainerName(sid))
		if !errors.Is(err, engine.ErrNotFound) {
			continue
		}
		if err := r.owners.Remove(sid); err != nil {
			log.Printf("ERROR: prune ownership record for %s: %v", shortID(sid), err)
			continue
		}
		log.Printf("Pruned orphaned ownership record for %s", shortID(sid))
	}
}

// PruneUser runs the health pass for one user's sessions only. The create
// path calls it so containers that died since the last reap cycle do not
// count against the quota.
func (r *Registry) PruneUser(ctx context.Context, username string) {
	for _, info := range r.SessionsFor(username) {
		r.reapSession(ctx, info)
	}
}

func (r *Registry) reapSession(ctx context.Context, info Info) {
	if info.PendingDelete {
		return
	}
	ref := info.ContainerID
	if ref == "" {
		ref = engine.ContainerName(info.ID)
	}
	m, err := r.driver.Inspect(ctx, ref)
	if errors.Is(err, engine.ErrNotFound) {
		log.Printf("Container for session %s is gone, cleaning up", shortID(info.ID))
		r.forceDelete(info.ID)
		return
	}
	if err != nil {
		log.Printf("WARNING: inspect container for session %s: %v", shortID(info.ID), err)
		return
	}
	if m.Status == "exited" || m.Status == "dead" {
		if err := r.driver.Start(ctx, m.ID); err != nil {
			log.Printf("WARNING: restart dead container for session %s failed: %v, cleaning up",
				shortID(info.ID), err)
			r.forceDelete(info.ID)
			return
		}
		log.Printf("Restarted dead container for session %s", shortID(info.ID))
	}
}
