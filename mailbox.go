package rackfwupdate

import (
	"fmt"
	"time"
)

// MailboxStatus is the value of the mailbox status register.
type MailboxStatus uint16

// Mailbox status codes.
const (
	NormalOperation        MailboxStatus = 0x0000
	EnteredBootMode        MailboxStatus = 0x0001
	FirmwarePacketCorrect  MailboxStatus = 0x0002
	FirmwarePacketError    MailboxStatus = 0x0003
	FirmwareUpgradeSuccess MailboxStatus = 0x0004
	FirmwareUpgradeFailed  MailboxStatus = 0x0005
)

var mailboxStatusNames = map[MailboxStatus]string{
	NormalOperation:        "NormalOperation",
	EnteredBootMode:        "EnteredBootMode",
	FirmwarePacketCorrect:  "FirmwarePacketCorrect",
	FirmwarePacketError:    "FirmwarePacketError",
	FirmwareUpgradeSuccess: "FirmwareUpgradeSuccess",
	FirmwareUpgradeFailed:  "FirmwareUpgradeFailed",
}

func (s MailboxStatus) String() string {
	if name, ok := mailboxStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(0x%04X)", uint16(s))
}

// outOfBootMode reports whether the device runs its application again. A
// device may keep reporting the latched upgrade result after leaving boot
// mode.
func (s MailboxStatus) outOfBootMode() bool {
	return s == NormalOperation || s == FirmwareUpgradeSuccess
}

// Mailbox register map.
const (
	mailboxUnlockRegister     = 0x0300
	mailboxEnterBootRegister  = 0x0301
	mailboxStatusRegister     = 0x0302
	mailboxVerifyRegister     = 0x0303
	mailboxExitBootRegister   = 0x0304
	mailboxWriteBlockRegister = 0x0310
)

const (
	mailboxUnlockMagic = 0xA5A5
	mailboxVerifyMagic = 0x0001
	mailboxExitMagic   = 0x0001
	mailboxClearVerify = 0x0000
)

const (
	mailboxRetryAttempts     = 5
	mailboxRetryDelay        = time.Second
	mailboxBootModeSettle    = 15 * time.Second
	mailboxBlockWaitAttempts = 500
	mailboxBlockWaitDelay    = 10 * time.Millisecond
	mailboxBlockDelay        = 100 * time.Millisecond
	mailboxVerifySettle      = 10 * time.Second
	mailboxExitSettle        = 10 * time.Second
	mailboxExitCheckDelay    = 16 * time.Second
	mailboxResultTimeout     = 60 * time.Second
	mailboxResultPoll        = time.Second
)

// MailboxUpdater updates devices using the register based mailbox protocol.
type MailboxUpdater struct {
	transport  Transport
	deviceAddr uint8
	vendor     VendorParams
	options    Options
}

// NewMailboxUpdater creates an updater for the device at deviceAddr using the
// given vendor parameters.
func NewMailboxUpdater(t Transport, deviceAddr uint8, vendor VendorParams, options Options) (*MailboxUpdater, error) {
	if err := vendor.Validate(); err != nil {
		return nil, err
	}
	return &MailboxUpdater{
		transport:  t,
		deviceAddr: deviceAddr,
		vendor:     vendor,
		options:    options.withDefaults(),
	}, nil
}

// Vendor returns the vendor parameters in use.
func (u *MailboxUpdater) Vendor() VendorParams {
	return u.vendor
}

// ReadStatus reads the mailbox status register.
func (u *MailboxUpdater) ReadStatus() (MailboxStatus, error) {
	regs, err := u.transport.ReadHoldingRegisters(u.deviceAddr, mailboxStatusRegister, 1, u.options.Timeouts.Read)
	if err != nil {
		return 0, err
	}
	if len(regs) != 1 {
		return 0, newError(KindProtocol, "read status", "expected 1 register, got %d", len(regs))
	}
	return MailboxStatus(regs[0]), nil
}

func (u *MailboxUpdater) writeRegister(reg, value uint16) error {
	return u.transport.WriteSingleRegister(u.deviceAddr, reg, value, u.options.Timeouts.Write)
}

func (u *MailboxUpdater) retryPolicy(name string) RetryPolicy {
	return RetryPolicy{
		Attempts:  mailboxRetryAttempts,
		Delay:     mailboxRetryDelay,
		Verbosity: Normal,
		Clock:     u.options.Clock,
		Name:      name,
	}
}

// retryOrMismatch also retries a device that is not yet in the wanted state.
func retryOrMismatch(err error) bool {
	return IsRetryable(err) || IsKind(err, KindStatusMismatch)
}

// Unlock writes the unlock magic. Some devices drop the first write after
// power up, so it is retried.
func (u *MailboxUpdater) Unlock() error {
	pkgLog.Infof("unlocking device %02X", u.deviceAddr)
	return u.retryPolicy("unlock").Do(func() error {
		return u.writeRegister(mailboxUnlockRegister, mailboxUnlockMagic)
	})
}

func (u *MailboxUpdater) enterBootMode() error {
	pkgLog.Infof("entering boot mode")
	p := u.retryPolicy("enter boot mode")
	p.Retryable = retryOrMismatch
	return p.Do(func() error {
		if err := u.writeRegister(mailboxEnterBootRegister, u.vendor.BootModeMagic); err != nil {
			return err
		}
		// The device erases its flash before reporting boot mode.
		u.options.Clock.Sleep(mailboxBootModeSettle)
		status, err := u.ReadStatus()
		if err != nil {
			return err
		}
		if status != EnteredBootMode {
			return statusMismatch("enter boot mode", status, EnteredBootMode)
		}
		return nil
	})
}

// EnterBootMode puts the device in boot mode. The returned guard takes it
// out again and must be released on every path.
func (u *MailboxUpdater) EnterBootMode() (*BootModeGuard, error) {
	if err := u.enterBootMode(); err != nil {
		return nil, err
	}
	return &BootModeGuard{updater: u}, nil
}

// exitBootMode leaves boot mode and checks that the device runs its
// application again.
func (u *MailboxUpdater) exitBootMode() error {
	clock := u.options.Clock
	clock.Sleep(mailboxExitSettle)

	pkgLog.Infof("exiting boot mode")
	if err := u.writeRegister(mailboxExitBootRegister, mailboxExitMagic); err != nil {
		if !IsKind(err, KindTimeout) {
			return err
		}
		// The device may reset before it answers.
		status, serr := u.ReadStatus()
		if serr != nil || !status.outOfBootMode() {
			return err
		}
		pkgLog.Infof("exit boot mode timed out but device reports %v", status)
	}

	clock.Sleep(mailboxExitCheckDelay)
	status, err := u.ReadStatus()
	if err != nil {
		return err
	}
	if !status.outOfBootMode() {
		return statusMismatch("exit boot mode", status, NormalOperation)
	}
	return nil
}

// remediate walks a device left in boot mode by an interrupted update back to
// normal operation.
func (u *MailboxUpdater) remediate(status MailboxStatus) {
	pkgLog.Warnf("device %02X is in state %v, recovering from an interrupted update", u.deviceAddr, status)

	ok := true
	if err := u.requestVerify(); err != nil {
		pkgLog.Errorf("recovery: verify request failed: %v", err)
		ok = false
	}
	if u.vendor.Has(ForceClearVerifyRegister) {
		if err := u.writeRegister(mailboxVerifyRegister, mailboxClearVerify); err != nil {
			pkgLog.Errorf("recovery: clearing verify register failed: %v", err)
			ok = false
		}
	}
	if err := u.exitBootMode(); err != nil {
		pkgLog.Errorf("recovery: exit boot mode failed: %v", err)
		ok = false
	}
	if err := u.Unlock(); err != nil {
		pkgLog.Errorf("recovery: unlock failed: %v", err)
		ok = false
	}
	if !ok {
		pkgLog.Warnf("recovery of device %02X incomplete, continuing update and hoping for the best", u.deviceAddr)
		return
	}
	pkgLog.Infof("recovery of device %02X complete", u.deviceAddr)
}

// waitPacketCorrect polls until the device acknowledges the last block.
func (u *MailboxUpdater) waitPacketCorrect() error {
	p := RetryPolicy{
		Attempts:  mailboxBlockWaitAttempts,
		Delay:     mailboxBlockWaitDelay,
		Verbosity: Quiet,
		Retryable: retryOrMismatch,
		Clock:     u.options.Clock,
		Name:      "block acknowledge",
	}
	return p.Do(func() error {
		status, err := u.ReadStatus()
		if err != nil {
			return err
		}
		if status != FirmwarePacketCorrect {
			return statusMismatch("write block", status, FirmwarePacketCorrect)
		}
		return nil
	})
}

// writeBlock writes one block of words. Blocks shorter than the vendor
// block size are skipped; some shipped images carry trailing bytes.
// crcLogged is set once a spurious block CRC error was reported.
func (u *MailboxUpdater) writeBlock(words []uint16, crcLogged *bool) error {
	if len(words) < u.vendor.WordsPerBlock() {
		pkgLog.Debugf("skipping short block of %d words", len(words))
		return nil
	}

	err := u.retryPolicy("write block").Do(func() error {
		err := u.transport.WriteMultipleRegisters(u.deviceAddr, mailboxWriteBlockRegister, words, u.options.Timeouts.Write)
		if err != nil && u.vendor.Has(ExpectWriteBlockCrcError) && IsKind(err, KindChecksum) {
			if !*crcLogged {
				pkgLog.Infof("ignoring expected CRC error on block write: %v", err)
				*crcLogged = true
			}
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}

	if u.vendor.BlockWait {
		return u.waitPacketCorrect()
	}
	u.options.Clock.Sleep(mailboxBlockDelay)
	return nil
}

func (u *MailboxUpdater) transfer(words []uint16) error {
	wpb := u.vendor.WordsPerBlock()
	total := (len(words) + wpb - 1) / wpb
	pkgLog.Infof("sending %d words in %d blocks of %d bytes", len(words), total, u.vendor.BlockSize)

	crcLogged := false
	for i := 0; i < total; i++ {
		start := i * wpb
		end := start + wpb
		if end > len(words) {
			end = len(words)
		}
		if err := u.writeBlock(words[start:end], &crcLogged); err != nil {
			return &progError{Address: uint32(start * 2), Err: err}
		}
		u.options.report("transferring", i+1, total)
	}
	return nil
}

// requestVerify asks the device to check the image. The result is read
// later; the device needs time before it answers.
func (u *MailboxUpdater) requestVerify() error {
	u.options.Clock.Sleep(mailboxVerifySettle)
	pkgLog.Infof("requesting verify")
	return u.writeRegister(mailboxVerifyRegister, mailboxVerifyMagic)
}

// waitForUpgradeResult polls for the final upgrade status.
func (u *MailboxUpdater) waitForUpgradeResult() error {
	clock := u.options.Clock
	start := clock.Now()

	var (
		last    MailboxStatus
		lastErr error
	)
	for {
		status, err := u.ReadStatus()
		switch {
		case err == nil:
			switch status {
			case FirmwareUpgradeSuccess:
				pkgLog.Infof("upgrade successful")
				return nil
			case FirmwareUpgradeFailed, FirmwarePacketError:
				return statusMismatch("upgrade result", status, FirmwareUpgradeSuccess)
			}
			last, lastErr = status, nil
		case IsRetryable(err):
			lastErr = err
		default:
			return err
		}

		if clock.Now().Sub(start) >= mailboxResultTimeout {
			if lastErr != nil {
				return lastErr
			}
			return statusMismatch("upgrade result", last, FirmwareUpgradeSuccess)
		}
		clock.Sleep(mailboxResultPoll)
	}
}

// UpdateFirmware loads a binary firmware file and writes it to the device.
func (u *MailboxUpdater) UpdateFirmware(path string) error {
	img, err := LoadBinaryFile(path)
	if err != nil {
		return err
	}
	return u.UpdateImage(img)
}

// UpdateImage runs the full mailbox update of a binary image.
func (u *MailboxUpdater) UpdateImage(img *FirmwareImage) error {
	if img.Format() != FormatBinary || len(img.Words) == 0 {
		return newError(KindFileFormat, "mailbox", "mailbox update needs a non-empty binary image")
	}

	status, err := u.ReadStatus()
	if err != nil {
		return err
	}
	pkgLog.Infof("device %02X status %v", u.deviceAddr, status)
	if status != NormalOperation && u.vendor.Has(ForceExitBootModeOnStart) {
		u.remediate(status)
	}

	if err := u.Unlock(); err != nil {
		return err
	}
	guard, err := u.EnterBootMode()
	if err != nil {
		return err
	}

	if err := u.flash(guard, img.Words); err != nil {
		return err
	}
	return u.waitForUpgradeResult()
}

// flash transfers words and requests verification while the device is in
// boot mode. The guard is released on every exit, including a panic.
func (u *MailboxUpdater) flash(guard *BootModeGuard, words []uint16) (err error) {
	defer func() {
		if r := recover(); r != nil {
			guard.Release(fmt.Errorf("panic: %v", r))
			panic(r)
		}
		err = guard.Release(err)
	}()

	if err = u.transfer(words); err != nil {
		return err
	}
	return u.requestVerify()
}

// ReadVersion reads the vendor version registers as ASCII, dropping NUL
// bytes.
func (u *MailboxUpdater) ReadVersion() (string, error) {
	regs, err := u.transport.ReadHoldingRegisters(u.deviceAddr, u.vendor.VersionRegister, u.vendor.VersionRegisterLen, u.options.Timeouts.Read)
	if err != nil {
		return "", err
	}
	var b []byte
	for _, c := range wordsToBytes(regs) {
		if c != 0 {
			b = append(b, c)
		}
	}
	return string(b), nil
}
