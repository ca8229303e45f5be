package session

// scheduleCleanup arms the two-phase reset after a terminal transition.
// A pending cleanup is cancelled first, so only one ever runs.
func (m *Machine) scheduleCleanup() {
	m.cancelCleanup()
	gen := m.cleanupGen
	m.cleanup = m.clock.AfterFunc(m.cfg.ClearDelay, func() {
		m.post(func() { m.clearPhase(gen) })
	})
}

func (m *Machine) cancelCleanup() {
	if m.cleanup != nil {
		m.cleanup.Stop()
		m.cleanup = nil
	}
	m.cleanupGen++
}

// clearPhase clears the number and error text and refreshes history.
func (m *Machine) clearPhase(gen uint64) {
	if gen != m.cleanupGen {
		return
	}
	m.log.Debug("cleanup: clearing input")
	m.s.number = ""
	m.s.errText = ""
	m.refreshHistory()
	m.cleanup = m.clock.AfterFunc(m.cfg.IdleDelay, func() {
		m.post(func() { m.idlePhase(gen) })
	})
	m.publish()
}

// idlePhase releases the connection and returns the session to idle.
// Digits typed since the clear phase are kept.
func (m *Machine) idlePhase(gen uint64) {
	if gen != m.cleanupGen {
		return
	}
	m.cleanup = nil
	conn := m.s.conn
	m.s = session{
		number:  m.s.number,
		state:   m.s.state,
		status:  m.s.status,
		errText: m.deviceErr,
	}
	m.rec = nil
	if conn != nil {
		m.deps.Device.Release(conn)
	}
	m.setState(StateIdle, m.idleStatus())
}

func (m *Machine) idleStatus() string {
	switch {
	case m.loading:
		return MsgSettingUp
	case m.deviceStatus != "":
		return m.deviceStatus
	case m.ready:
		return MsgReady
	}
	return MsgSettingUp
}
