package vmm

// MProtect is the caller-facing permission bitset accepted by Map and
// Protect.
type MProtect uint8

const (
	// ProtRead allows the mapping to be read. Its absence makes the page
	// inaccessible regardless of any other bit.
	ProtRead MProtect = 1 << iota

	// ProtWrite allows the mapping to be written.
	ProtWrite

	// ProtExec allows instruction fetches from the mapping.
	ProtExec

	// ProtNone revokes access to the mapping.
	ProtNone MProtect = 0
)

// Attributes translates the permission bitset into page table entry flags.
// The translation is pure and total: every READ/WRITE/EXEC combination maps
// to a defined attribute set, and the absence of READ yields a non-present
// entry no matter what else is requested.
func (p MProtect) Attributes() PageTableEntryFlag {
	if p&ProtRead == 0 {
		return 0
	}

	flags := FlagPresent | FlagUserAccessible
	if p&ProtWrite != 0 {
		flags |= FlagRW
	}
	if p&ProtExec == 0 {
		flags |= FlagNoExecute
	}

	return flags
}
