package signal

func (ctl *SignalWSController) handlePing(c *wsSignalConn) {
	ctl.sendEvent(c, "pong", struct{}{})
}
