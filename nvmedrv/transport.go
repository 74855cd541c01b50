package nvmedrv

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// TransportType defines the NVMe transport in use. Values match the native
// driver's enumeration so they can cross the engine boundary unchanged.
type TransportType int

const (
	TransportRDMA     TransportType = 1
	TransportFC       TransportType = 2
	TransportTCP      TransportType = 3
	TransportPCIe     TransportType = 256
	TransportVFIOUser TransportType = 1024
	TransportCustom   TransportType = 4096
)

func (t TransportType) String() string {
	switch t {
	case TransportRDMA:
		return "RDMA"
	case TransportFC:
		return "FC"
	case TransportTCP:
		return "TCP"
	case TransportPCIe:
		return "PCIe"
	case TransportVFIOUser:
		return "VFIOUSER"
	case TransportCustom:
		return "CUSTOM"
	default:
		return fmt.Sprintf("TransportType(%d)", int(t))
	}
}

// IsFabrics reports whether the transport carries commands over a network.
func (t TransportType) IsFabrics() bool {
	return t == TransportRDMA || t == TransportFC || t == TransportTCP
}

// ParseTransportType parses a transport name, case-insensitively.
func ParseTransportType(s string) (TransportType, bool) {
	switch strings.ToLower(s) {
	case "pcie":
		return TransportPCIe, true
	case "rdma":
		return TransportRDMA, true
	case "fc":
		return TransportFC, true
	case "tcp":
		return TransportTCP, true
	case "vfiouser":
		return TransportVFIOUser, true
	case "custom":
		return TransportCustom, true
	}
	return 0, false
}

// AddressFamily is the fabrics address family of a transport identifier.
type AddressFamily int

const (
	AddressFamilyNone AddressFamily = 0
	AddressFamilyIPv4 AddressFamily = 1
	AddressFamilyIPv6 AddressFamily = 2
	AddressFamilyIB   AddressFamily = 3
	AddressFamilyFC   AddressFamily = 4
)

func (a AddressFamily) String() string {
	switch a {
	case AddressFamilyIPv4:
		return "IPv4"
	case AddressFamilyIPv6:
		return "IPv6"
	case AddressFamilyIB:
		return "IB"
	case AddressFamilyFC:
		return "FC"
	default:
		return ""
	}
}

func parseAddressFamily(s string) (AddressFamily, bool) {
	switch strings.ToLower(s) {
	case "ipv4":
		return AddressFamilyIPv4, true
	case "ipv6":
		return AddressFamilyIPv6, true
	case "ib":
		return AddressFamilyIB, true
	case "fc":
		return AddressFamilyFC, true
	}
	return AddressFamilyNone, false
}

const (
	maxTransportAddrLen = 256
	maxServiceIDLen     = 32
	maxNQNLen           = 223
)

// TransportID identifies a controller reachable through a transport. It is an
// immutable value: the copies handed to probe and attach handlers stay valid
// after the handler returns.
type TransportID struct {
	kind     TransportType
	addr     string
	adrfam   AddressFamily
	svcID    string
	subNQN   string
	hostNQN  string
	priority int
}

// NewTransportID builds an identifier from parts a native engine has already
// validated.
func NewTransportID(kind TransportType, addr string) TransportID {
	return TransportID{kind: kind, addr: addr}
}

// ParseTransportID parses whitespace separated key:value pairs, for example
// "trtype:PCIe traddr:0000:01:00.0" or
// "trtype:TCP adrfam:IPv4 traddr:10.0.0.5 trsvcid:4420 subnqn:nqn.2016-06.io.spdk:cnode1".
// The transport kind and the address syntax for that kind are fully
// validated; on failure no identifier is returned.
func ParseTransportID(s string) (*TransportID, error) {
	fail := func(format string, args ...any) (*TransportID, error) {
		return nil, &ParseError{Input: s, Reason: fmt.Sprintf(format, args...)}
	}

	fields := strings.Fields(s)
	if len(fields) == 0 {
		return fail("empty transport id")
	}

	var (
		trid     TransportID
		seen     = make(map[string]bool, len(fields))
		haveType bool
		haveAddr bool
	)
	for _, field := range fields {
		sep := strings.IndexAny(field, ":=")
		if sep <= 0 {
			return fail("malformed field %q", field)
		}
		key, val := strings.ToLower(field[:sep]), field[sep+1:]
		if val == "" {
			return fail("empty value for %s", key)
		}
		if seen[key] {
			return fail("duplicate key %s", key)
		}
		seen[key] = true

		switch key {
		case "trtype":
			kind, ok := ParseTransportType(val)
			if !ok {
				return fail("unknown transport type %q", val)
			}
			trid.kind = kind
			haveType = true
		case "traddr":
			if len(val) > maxTransportAddrLen {
				return fail("traddr longer than %d bytes", maxTransportAddrLen)
			}
			trid.addr = val
			haveAddr = true
		case "adrfam":
			fam, ok := parseAddressFamily(val)
			if !ok {
				return fail("unknown address family %q", val)
			}
			trid.adrfam = fam
		case "trsvcid":
			if len(val) > maxServiceIDLen {
				return fail("trsvcid longer than %d bytes", maxServiceIDLen)
			}
			trid.svcID = val
		case "subnqn":
			if err := validateNQN(val); err != "" {
				return fail("subnqn: %s", err)
			}
			trid.subNQN = val
		case "hostnqn":
			if err := validateNQN(val); err != "" {
				return fail("hostnqn: %s", err)
			}
			trid.hostNQN = val
		case "priority":
			prio, err := strconv.Atoi(val)
			if err != nil || prio < 0 {
				return fail("priority must be a non-negative integer")
			}
			trid.priority = prio
		default:
			return fail("unknown key %q", key)
		}
	}

	if !haveType {
		return fail("missing trtype")
	}
	if !haveAddr {
		return fail("missing traddr")
	}

	switch trid.kind {
	case TransportPCIe:
		if _, ok := NormalizePCIAddress(trid.addr); !ok {
			return fail("invalid PCI address %q", trid.addr)
		}
		if trid.svcID != "" || trid.adrfam != AddressFamilyNone {
			return fail("adrfam and trsvcid are not valid for PCIe")
		}
	case TransportTCP, TransportRDMA:
		ip := net.ParseIP(strings.Trim(trid.addr, "[]"))
		if ip == nil {
			return fail("traddr %q is not an IP address", trid.addr)
		}
		fam := AddressFamilyIPv6
		if ip.To4() != nil {
			fam = AddressFamilyIPv4
		}
		switch trid.adrfam {
		case AddressFamilyNone:
			trid.adrfam = fam
		case fam:
		default:
			return fail("traddr %q does not match adrfam %s", trid.addr, trid.adrfam)
		}
		if trid.svcID != "" {
			port, err := strconv.ParseUint(trid.svcID, 10, 16)
			if err != nil || port == 0 {
				return fail("trsvcid %q is not a port number", trid.svcID)
			}
		}
	case TransportFC:
		if !validFCAddress(trid.addr) {
			return fail("invalid FC address %q", trid.addr)
		}
		if trid.adrfam == AddressFamilyNone {
			trid.adrfam = AddressFamilyFC
		} else if trid.adrfam != AddressFamilyFC {
			return fail("adrfam must be FC for FC transport")
		}
	case TransportVFIOUser:
		// traddr is the directory holding the vfio-user socket.
		if !strings.HasPrefix(trid.addr, "/") {
			return fail("traddr %q is not an absolute path", trid.addr)
		}
		if trid.svcID != "" || trid.adrfam != AddressFamilyNone {
			return fail("adrfam and trsvcid are not valid for VFIOUSER")
		}
	case TransportCustom:
		for _, r := range trid.addr {
			if r < 0x21 || r > 0x7e {
				return fail("traddr %q has non-printable characters", trid.addr)
			}
		}
	}

	return &trid, nil
}

// NormalizePCIAddress validates a PCI BDF in either DDDD:BB:DD.F or BB:DD.F
// form and returns it in the long lower-case form.
func NormalizePCIAddress(s string) (string, bool) {
	parts := strings.Split(s, ":")
	var domainStr, busStr, devfn string
	switch len(parts) {
	case 3:
		domainStr, busStr, devfn = parts[0], parts[1], parts[2]
	case 2:
		domainStr, busStr, devfn = "0", parts[0], parts[1]
	default:
		return "", false
	}
	devStr, fnStr, ok := strings.Cut(devfn, ".")
	if !ok {
		return "", false
	}

	domain, ok := parseHexField(domainStr, 4, 0xffff)
	if !ok {
		return "", false
	}
	bus, ok := parseHexField(busStr, 2, 0xff)
	if !ok {
		return "", false
	}
	dev, ok := parseHexField(devStr, 2, 0x1f)
	if !ok {
		return "", false
	}
	fn, ok := parseHexField(fnStr, 1, 0x7)
	if !ok {
		return "", false
	}
	return fmt.Sprintf("%04x:%02x:%02x.%x", domain, bus, dev, fn), true
}

func parseHexField(s string, maxDigits int, maxVal uint64) (uint64, bool) {
	if s == "" || len(s) > maxDigits {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil || v > maxVal {
		return 0, false
	}
	return v, true
}

// validFCAddress accepts nn-0x<16 hex>:pn-0x<16 hex>.
func validFCAddress(s string) bool {
	nn, pn, ok := strings.Cut(strings.ToLower(s), ":")
	if !ok {
		return false
	}
	return validWWN(nn, "nn-0x") && validWWN(pn, "pn-0x")
}

func validWWN(s, prefix string) bool {
	hex, ok := strings.CutPrefix(s, prefix)
	if !ok || len(hex) != 16 {
		return false
	}
	_, err := strconv.ParseUint(hex, 16, 64)
	return err == nil
}

func validateNQN(s string) string {
	if !strings.HasPrefix(s, "nqn.") {
		return "must start with \"nqn.\""
	}
	if len(s) > maxNQNLen {
		return fmt.Sprintf("longer than %d bytes", maxNQNLen)
	}
	return ""
}

// Type returns the transport kind.
func (t TransportID) Type() TransportType { return t.kind }

// Address returns the transport address exactly as given.
func (t TransportID) Address() string { return t.addr }

// AddressFamily returns the fabrics address family, inferred from the address
// for TCP and RDMA when not given.
func (t TransportID) AddressFamily() AddressFamily { return t.adrfam }

// ServiceID returns the fabrics service id (port), if any.
func (t TransportID) ServiceID() string { return t.svcID }

// SubNQN returns the subsystem NQN, if any.
func (t TransportID) SubNQN() string { return t.subNQN }

// HostNQN returns the host NQN, if any.
func (t TransportID) HostNQN() string { return t.hostNQN }

// Priority returns the transport priority (socket priority for TCP).
func (t TransportID) Priority() int { return t.priority }

// IsZero reports whether t is the zero identifier.
func (t TransportID) IsZero() bool { return t == TransportID{} }

// Equal compares two identifiers. PCI addresses compare in normalized form.
func (t TransportID) Equal(o TransportID) bool {
	if t.kind == TransportPCIe && o.kind == TransportPCIe {
		a, okA := NormalizePCIAddress(t.addr)
		b, okB := NormalizePCIAddress(o.addr)
		if okA && okB {
			return a == b
		}
	}
	return t == o
}

// Matches reports whether a probe aimed at target reaches the controller at
// t: same transport and address, with the service id and subsystem NQN
// compared only when target sets them. Host NQN and priority are connection
// parameters and never take part.
func (t TransportID) Matches(target TransportID) bool {
	if t.kind != target.kind {
		return false
	}
	if t.kind == TransportPCIe {
		a, okA := NormalizePCIAddress(t.addr)
		b, okB := NormalizePCIAddress(target.addr)
		return okA && okB && a == b
	}
	if t.addr != target.addr {
		return false
	}
	if target.svcID != "" && t.svcID != target.svcID {
		return false
	}
	return target.subNQN == "" || t.subNQN == target.subNQN
}

// String renders the identifier in the format accepted by ParseTransportID.
func (t TransportID) String() string {
	var b strings.Builder
	b.WriteString("trtype:")
	b.WriteString(t.kind.String())
	if t.adrfam != AddressFamilyNone && t.kind != TransportPCIe {
		b.WriteString(" adrfam:")
		b.WriteString(t.adrfam.String())
	}
	b.WriteString(" traddr:")
	b.WriteString(t.addr)
	if t.svcID != "" {
		b.WriteString(" trsvcid:")
		b.WriteString(t.svcID)
	}
	if t.subNQN != "" {
		b.WriteString(" subnqn:")
		b.WriteString(t.subNQN)
	}
	if t.hostNQN != "" {
		b.WriteString(" hostnqn:")
		b.WriteString(t.hostNQN)
	}
	if t.priority != 0 {
		b.WriteString(" priority:")
		b.WriteString(strconv.Itoa(t.priority))
	}
	return b.String()
}
