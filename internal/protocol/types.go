package protocol

type PDUType uint8

const (
	// PDU Types
	SerialNotify  PDUType = 0
	SerialQuery   PDUType = 1
	ResetQuery    PDUType = 2
	CacheResponse PDUType = 3
	Ipv4Prefix    PDUType = 4
	Ipv6Prefix    PDUType = 6
	EndOfData     PDUType = 7
	CacheReset    PDUType = 8
	ErrorReport   PDUType = 10

	// Wire version. This daemon speaks version 0 only.
	Version uint8 = 0

	// lengths
	headPDULength    = 2
	serialPDULength  = 8
	emptyPDULength   = 4
	ipv4PrefixLength = 16
	ipv6PrefixLength = 28
	errorHeadLength  = 8

	// flags
	Withdraw uint8 = 0
	Announce uint8 = 1

	// source 0 means derived from RPKI, the only value on the wire.
	sourceRPKI uint8 = 0
)

// Error Report codes.
const (
	CodeInternalError   uint16 = 1
	CodeNoDataAvailable uint16 = 2
)

// maxErrPDULength caps how many offending bytes an Error Report carries back.
const maxErrPDULength = 512

func (t PDUType) String() string {
	switch t {
	case SerialNotify:
		return "Serial Notify"
	case SerialQuery:
		return "Serial Query"
	case ResetQuery:
		return "Reset Query"
	case CacheResponse:
		return "Cache Response"
	case Ipv4Prefix:
		return "IPv4 Prefix"
	case Ipv6Prefix:
		return "IPv6 Prefix"
	case EndOfData:
		return "End of Data"
	case CacheReset:
		return "Cache Reset"
	case ErrorReport:
		return "Error Report"
	}
	return "Unknown"
}
