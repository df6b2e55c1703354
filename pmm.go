package rackfwupdate

// PMM monitor control. Writing a device address to the register makes the
// PMM skip that device while polling; writing zero resumes normal polling.
const (
	pmmMonitorPauseRegister = 0x0090
	pmmMonitorResume        = 0x0000
)

type pmmRange struct {
	first, last uint8
	pmm         uint8
}

// Power shelves are supervised by the PMM of their shelf.
var pmmRanges = []pmmRange{
	{first: 0xB0, last: 0xB5, pmm: 0x10}, // shelf 0 PSUs
	{first: 0xB6, last: 0xBB, pmm: 0x11}, // shelf 1 PSUs
	{first: 0xC0, last: 0xC5, pmm: 0x10}, // shelf 0 BBUs
	{first: 0xC6, last: 0xCB, pmm: 0x11}, // shelf 1 BBUs
}

// PMMAddress returns the address of the power module manager supervising the
// device at deviceAddr, if there is one.
func PMMAddress(deviceAddr uint8) (uint8, bool) {
	for _, r := range pmmRanges {
		if deviceAddr >= r.first && deviceAddr <= r.last {
			return r.pmm, true
		}
	}
	return 0, false
}
