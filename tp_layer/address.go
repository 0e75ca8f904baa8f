package tp_layer

import "fmt"

// AddressingMode selects how ISO-TP addresses map onto CAN ids and payload.
type AddressingMode int

const (
	Normal11Bit      AddressingMode = iota // 11 bit ids, no address byte
	Normal29Bit                            // 29 bit ids, no address byte
	NormalFixed29Bit                       // 29 bit ids carrying TA and SA
	Extended11Bit                          // 11 bit ids, TA in the first data byte
	Extended29Bit                          // 29 bit ids, TA in the first data byte
	Mixed11Bit                             // 11 bit ids, AE in the first data byte
	Mixed29Bit                             // 29 bit ids carrying TA and SA, AE in the first data byte
)

func (m AddressingMode) String() string {
	switch m {
	case Normal11Bit:
		return "Normal_11bits"
	case Normal29Bit:
		return "Normal_29bits"
	case NormalFixed29Bit:
		return "NormalFixed_29bits"
	case Extended11Bit:
		return "Extended_11bits"
	case Extended29Bit:
		return "Extended_29bits"
	case Mixed11Bit:
		return "Mixed_11bits"
	case Mixed29Bit:
		return "Mixed_29bits"
	}
	return fmt.Sprintf("AddressingMode(%d)", int(m))
}

// AddressType is physical (one ECU) or functional (broadcast).
type AddressType int

const (
	Physical AddressType = iota
	Functional
)

// Address holds everything needed to build and recognise frames.
type Address struct {
	AddressingMode AddressingMode

	// Normal, Extended and Mixed 11 bit modes
	TxID uint32
	RxID uint32
	// FunctionalTxID is used for functional requests in the id based modes.
	FunctionalTxID uint32

	// NormalFixed and Mixed 29 bit modes
	TargetAddress byte
	SourceAddress byte

	// Extended and Mixed modes
	AddressExtension byte

	TxPayloadPrefix []byte
	RxPrefixSize    int
	is29Bit         bool
}

// NewAddress builds an address. Options set ids and address bytes.
func NewAddress(mode AddressingMode, opts ...func(*Address)) (*Address, error) {
	addr := &Address{AddressingMode: mode}
	for _, opt := range opts {
		opt(addr)
	}

	switch mode {
	case Normal11Bit:
	case Normal29Bit, NormalFixed29Bit:
		addr.is29Bit = true
	case Extended11Bit:
		addr.TxPayloadPrefix = []byte{addr.TargetAddress}
		addr.RxPrefixSize = 1
	case Extended29Bit:
		addr.is29Bit = true
		addr.TxPayloadPrefix = []byte{addr.TargetAddress}
		addr.RxPrefixSize = 1
	case Mixed11Bit:
		addr.TxPayloadPrefix = []byte{addr.AddressExtension}
		addr.RxPrefixSize = 1
	case Mixed29Bit:
		addr.is29Bit = true
		addr.TxPayloadPrefix = []byte{addr.AddressExtension}
		addr.RxPrefixSize = 1
	default:
		return nil, fmt.Errorf("unsupported addressing mode: %d", mode)
	}
	if !addr.is29Bit && (addr.TxID > 0x7FF || addr.RxID > 0x7FF) {
		return nil, fmt.Errorf("%s needs 11 bit ids, got tx 0x%X rx 0x%X", mode, addr.TxID, addr.RxID)
	}
	return addr, nil
}

func WithTxID(id uint32) func(*Address)        { return func(a *Address) { a.TxID = id } }
func WithRxID(id uint32) func(*Address)        { return func(a *Address) { a.RxID = id } }
func WithTargetAddress(ta byte) func(*Address) { return func(a *Address) { a.TargetAddress = ta } }
func WithSourceAddress(sa byte) func(*Address) { return func(a *Address) { a.SourceAddress = sa } }
func WithAddressExtension(ae byte) func(*Address) {
	return func(a *Address) { a.AddressExtension = ae }
}
func WithFunctionalTxID(id uint32) func(*Address) {
	return func(a *Address) { a.FunctionalTxID = id }
}

// GetTxArbitrationID returns the CAN id used to transmit.
func (a *Address) GetTxArbitrationID(addrType AddressType) uint32 {
	switch a.AddressingMode {
	case NormalFixed29Bit:
		prefix := uint32(0x18DA0000)
		if addrType == Functional {
			prefix = 0x18DB0000
		}
		return prefix | (uint32(a.TargetAddress) << 8) | uint32(a.SourceAddress)
	case Mixed29Bit:
		prefix := uint32(0x18CE0000)
		if addrType == Functional {
			prefix = 0x18CD0000
		}
		return prefix | (uint32(a.TargetAddress) << 8) | uint32(a.SourceAddress)
	}
	if addrType == Functional && a.FunctionalTxID != 0 {
		return a.FunctionalTxID
	}
	return a.TxID
}

// fixedRxMatch checks a 29 bit id of the form <prefix><TA=our SA><SA=their TA>.
func (a *Address) fixedRxMatch(id uint32, physical, functional uint32) bool {
	base := id & 0xFFFF0000
	if base != physical && base != functional {
		return false
	}
	return byte(id>>8) == a.SourceAddress && byte(id) == a.TargetAddress
}

// IsForMe reports whether msg is addressed to this node.
func (a *Address) IsForMe(msg *CanMessage) bool {
	if msg.IsExtendedID != a.is29Bit {
		return false
	}
	switch a.AddressingMode {
	case Normal11Bit, Normal29Bit:
		return msg.ArbitrationID == a.RxID
	case NormalFixed29Bit:
		return a.fixedRxMatch(msg.ArbitrationID, 0x18DA0000, 0x18DB0000)
	case Extended11Bit, Extended29Bit:
		// Their TA is our SA.
		return msg.ArbitrationID == a.RxID && len(msg.Data) > 0 && msg.Data[0] == a.SourceAddress
	case Mixed11Bit:
		return msg.ArbitrationID == a.RxID && len(msg.Data) > 0 && msg.Data[0] == a.AddressExtension
	case Mixed29Bit:
		return a.fixedRxMatch(msg.ArbitrationID, 0x18CE0000, 0x18CD0000) &&
			len(msg.Data) > 0 && msg.Data[0] == a.AddressExtension
	}
	return false
}

// Is29Bit reports whether the mode uses extended ids.
func (a *Address) Is29Bit() bool {
	return a.is29Bit
}

func (a *Address) String() string {
	return fmt.Sprintf("%s tx=0x%X rx=0x%X", a.AddressingMode, a.TxID, a.RxID)
}
