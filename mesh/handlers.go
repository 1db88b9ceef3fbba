package mesh

import (
	"bytes"
	"time"

	"nearlink/lifecycle"
	"nearlink/transport"
)

// All handlers in this file execute on the coordinator run loop.

func (c *Coordinator) handleDiscovery(ev discoveryEvent) {
	switch ev.kind {
	case discoveryFound:
		c.handlePeerFound(ev.peer, ev.displayName)
	case discoveryLost:
		c.handlePeerLost(ev.peer)
	case discoveryFailed:
		c.browsing = false
		c.logf("Browsing failed: %v", ev.err)
	}
}

func (c *Coordinator) handlePeerFound(peer transport.PeerID, displayName string) {
	c.reg.noteSighting(peer, time.Now())
	c.reg.setVisible(peer, displayName)

	if p := c.reg.member(peer); p != nil {
		// Re-announcement of an existing member; nothing to initiate.
		if p.Connected {
			c.logf("Rediscovered connected peer %s", displayName)
		}
		return
	}

	if !localInitiates(c.opts.Identity.ID, peer) {
		c.logf("Found peer %s, waiting for its invitation", displayName)
		return
	}

	c.logf("Found peer %s, inviting", displayName)
	if err := c.tr.Invite(peer, nil, c.opts.InviteTimeout); err != nil {
		c.logf("Invite to %s failed: %v", displayName, err)
	}
}

func (c *Coordinator) handlePeerLost(peer transport.PeerID) {
	c.reg.dropVisible(peer)

	if p := c.reg.member(peer); p != nil && p.Connected {
		c.logf("Peer %s left discovery but session remains up", p.DisplayName)
		return
	}
	c.logf("Lost peer %s", peer)
}

func (c *Coordinator) handleAdvertising(ev advertisingEvent) {
	if ev.err != nil {
		c.advertising = false
		c.logf("Advertising failed: %v", ev.err)
		return
	}

	c.reg.noteSighting(ev.peer, time.Now())

	// The inviter took the initiative; a pending backup invitation from
	// this side would only race it.
	c.cancelBackupTimer(ev.peer)

	c.logf("Accepting invitation from %s", ev.displayName)
	if ev.accept != nil {
		ev.accept(true)
	}
}

func (c *Coordinator) handleSession(ev sessionEvent) {
	switch ev.state {
	case transport.SessionConnecting:
		c.reg.noteSighting(ev.peer, time.Now())
		p := c.reg.ensureMember(ev.peer, ev.displayName, c.opts.autoSelect())
		c.logf("Connecting to %s", p.DisplayName)

	case transport.SessionConnected:
		p := c.reg.ensureMember(ev.peer, ev.displayName, c.opts.autoSelect())
		p.Connected = true
		p.DiscoveredAt = nil
		if ts, ok := c.reg.firstSeenAt(ev.peer); ok {
			c.logf("Connected to %s after %s", p.DisplayName, time.Since(ts).Round(time.Millisecond))
		} else {
			c.logf("Connected to %s", p.DisplayName)
		}
		c.reg.clearFirstSeen(ev.peer)
		c.reg.clearRetry(ev.peer)
		c.cancelBackupTimer(ev.peer)
		if c.opts.Archive != nil {
			if err := c.opts.Archive.RecordPeerConnected(ev.peer, p.DisplayName, time.Now()); err != nil {
				log.Warnf("peer archive connect record failed: %v", err)
			}
		}

	case transport.SessionNotConnected:
		p := c.reg.member(ev.peer)
		if p == nil {
			// Stale report for a peer that was never, or is no longer, a
			// member. Benign.
			log.Debugf("ignoring not-connected report for non-member %s", ev.peer)
			return
		}
		name := p.DisplayName
		c.reg.removeMember(ev.peer)
		c.reg.clearFirstSeen(ev.peer)
		if c.opts.Archive != nil {
			if err := c.opts.Archive.RecordPeerDisconnected(ev.peer, time.Now()); err != nil {
				log.Warnf("peer archive disconnect record failed: %v", err)
			}
		}
		if c.expectedDrops[ev.peer] {
			delete(c.expectedDrops, ev.peer)
			c.logf("Disconnected from %s", name)
			return
		}
		c.logf("Lost session with %s", name)
		c.reconnect(ev.peer, name)

	default:
		c.logf("Unknown session state %d for %s", ev.state, ev.peer)
	}
}

// reconnect applies the reconnection policy after an unexpected loss of
// a member. Only attempted while the peer is still discovery-visible.
func (c *Coordinator) reconnect(peer transport.PeerID, displayName string) {
	if !c.reg.isVisible(peer) {
		c.logf("Not reconnecting to %s: no longer visible", displayName)
		return
	}
	attempt := c.reg.bumpRetry(peer)
	if localInitiates(c.opts.Identity.ID, peer) {
		c.logf("Reconnecting to %s (attempt %d)", displayName, attempt)
		if err := c.tr.Invite(peer, nil, c.opts.RetryInviteTimeout); err != nil {
			c.logf("Reconnect invite to %s failed: %v", displayName, err)
		}
		return
	}
	c.logf("Waiting for %s to reconnect (attempt %d), backup invite armed", displayName, attempt)
	c.armBackupTimer(peer, displayName)
}

// armBackupTimer schedules a backup invitation for peer, superseding any
// previous one. The firing re-enters through the command funnel and is
// validated against the generation recorded here.
func (c *Coordinator) armBackupTimer(peer transport.PeerID, displayName string) {
	c.cancelBackupTimer(peer)
	c.timerGen++
	gen := c.timerGen
	at := &armedTimer{gen: gen}
	at.timer = time.AfterFunc(c.opts.BackupInviteDelay, func() {
		c.enqueueCommand(func() {
			c.onBackupTimerFired(peer, displayName, gen)
		})
	})
	c.backupTimers[peer] = at
}

func (c *Coordinator) cancelBackupTimer(peer transport.PeerID) {
	if at, ok := c.backupTimers[peer]; ok {
		at.timer.Stop()
		delete(c.backupTimers, peer)
	}
}

func (c *Coordinator) cancelAllBackupTimers() {
	for peer, at := range c.backupTimers {
		at.timer.Stop()
		delete(c.backupTimers, peer)
	}
}

func (c *Coordinator) onBackupTimerFired(peer transport.PeerID, displayName string, gen uint64) {
	at, ok := c.backupTimers[peer]
	if !ok || at.gen != gen {
		// Superseded or cancelled after the firing was already in flight.
		return
	}
	delete(c.backupTimers, peer)

	if c.reg.member(peer) != nil {
		// A session attempt is already underway or established.
		return
	}
	if !c.reg.isVisible(peer) {
		c.logf("Backup invite for %s skipped: no longer visible", displayName)
		return
	}
	c.logf("Sending backup invite to %s", displayName)
	if err := c.tr.Invite(peer, nil, c.opts.RetryInviteTimeout); err != nil {
		c.logf("Backup invite to %s failed: %v", displayName, err)
	}
}

func (c *Coordinator) handleData(ev dataEvent) {
	if bytes.Equal(ev.payload, AckPayload) {
		c.logf("Delivery confirmed by %s", c.peerName(ev.from))
		return
	}
	c.logf("Received %d bytes from %s", len(ev.payload), c.peerName(ev.from))
	if err := c.tr.Send(AckPayload, []transport.PeerID{ev.from}); err != nil {
		c.logf("Ack to %s failed: %v", ev.from, err)
	}
}

func (c *Coordinator) peerName(id transport.PeerID) string {
	if p := c.reg.member(id); p != nil && p.DisplayName != "" {
		return p.DisplayName
	}
	return string(id)
}

func (c *Coordinator) handlePhase(phase lifecycle.Phase) {
	switch phase {
	case lifecycle.Background:
		c.cancelRestartTimer()
		c.cancelAllBackupTimers()
		if c.browsing {
			c.tr.StopBrowsing()
			c.browsing = false
		}
		if c.advertising {
			c.tr.StopAdvertising()
			c.advertising = false
		}
		c.logf("Entered background, services paused")

	case lifecycle.Foreground:
		c.logf("Entered foreground, restart in %s", c.opts.RestartDebounce)
		c.armRestartTimer()
	}
}

// armRestartTimer debounces foreground restarts; arming supersedes a
// pending one.
func (c *Coordinator) armRestartTimer() {
	c.cancelRestartTimer()
	c.timerGen++
	gen := c.timerGen
	at := &armedTimer{gen: gen}
	at.timer = time.AfterFunc(c.opts.RestartDebounce, func() {
		c.enqueueCommand(func() {
			c.onRestartTimerFired(gen)
		})
	})
	c.restartTimer = at
}

func (c *Coordinator) cancelRestartTimer() {
	if c.restartTimer != nil {
		c.restartTimer.timer.Stop()
		c.restartTimer = nil
	}
}

func (c *Coordinator) onRestartTimerFired(gen uint64) {
	if c.restartTimer == nil || c.restartTimer.gen != gen {
		return
	}
	c.restartTimer = nil

	if err := c.tr.Recreate(); err != nil {
		c.logf("Transport recreate failed: %v", err)
		return
	}
	if c.wantBrowsing && !c.browsing {
		if err := c.tr.StartBrowsing(); err != nil {
			c.logf("Restart browsing failed: %v", err)
		} else {
			c.browsing = true
		}
	}
	if c.wantAdvertising && !c.advertising {
		if err := c.tr.StartAdvertising(); err != nil {
			c.logf("Restart advertising failed: %v", err)
		} else {
			c.advertising = true
		}
	}
	c.logf("Services restarted after foreground return")
}
