package rackfwupdate

// BootModeGuard holds a mailbox device in boot mode. Release runs the exit
// sequence and must be called on every path once EnterBootMode succeeded.
type BootModeGuard struct {
	updater  *MailboxUpdater
	released bool
}

// Release takes the device out of boot mode. bodyErr is the result of the
// work done in boot mode: when it is non-nil an exit failure is only logged
// and bodyErr is returned, otherwise the exit error is returned. Later calls
// return bodyErr unchanged.
func (g *BootModeGuard) Release(bodyErr error) error {
	if g == nil || g.released {
		return bodyErr
	}
	g.released = true

	err := g.updater.exitBootMode()
	if bodyErr != nil {
		if err != nil {
			pkgLog.Errorf("failed to exit boot mode after error: %v", err)
		}
		return bodyErr
	}
	return err
}
