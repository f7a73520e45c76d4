// Package protocol parses Wayland protocol XML descriptions into an
// immutable in-memory catalogue: protocols, interfaces, requests, events,
// and enums. It knows nothing about sockets or wire encoding; it is the
// static model that wlclient.Proxy indexes into at runtime.
package protocol

import (
	"encoding/xml"
	"fmt"
	"io"
)

// ArgKind is one of the seven Wayland wire argument kinds.
type ArgKind int

const (
	ArgInt ArgKind = iota
	ArgUint
	ArgFixed
	ArgString
	ArgObject
	ArgNewID
	ArgFD
	ArgArray
)

func argKindFromString(s string) (ArgKind, error) {
	switch s {
	case "int":
		return ArgInt, nil
	case "uint":
		return ArgUint, nil
	case "fixed":
		return ArgFixed, nil
	case "string":
		return ArgString, nil
	case "object":
		return ArgObject, nil
	case "new_id":
		return ArgNewID, nil
	case "fd":
		return ArgFD, nil
	case "array":
		return ArgArray, nil
	default:
		return 0, fmt.Errorf("protocol: unknown argument type %q", s)
	}
}

// Arg describes one argument of a request or event.
type Arg struct {
	Name      string
	Kind      ArgKind
	Interface string // non-empty for ArgObject/ArgNewID when the interface is fixed at compile time
	Nullable  bool
	Summary   string
}

// Message describes one request or event: its name, wire opcode (assigned
// by declaration order within the interface), and argument list. Since
// defaults to 1 when the XML omits the attribute. IsDestructor is set
// from a type="destructor" attribute on either kind of message; only on
// requests does it have an effect: invoking one marks the issuing proxy
// destroyed.
type Message struct {
	Name        string
	Opcode      Opcode
	Args        []Arg
	Since       uint32
	IsDestructor bool
	Summary     string
}

// Opcode mirrors wire.Opcode without importing it, keeping protocol free
// of a wire dependency.
type Opcode = uint16

// Entry is one named value of an Enum.
type Entry struct {
	Name    string
	Value   uint32
	Summary string
}

// Enum is a named set of integer constants scoped to an interface.
// Lookup is bidirectional: ValueOf resolves a name to its integer value,
// NameOf resolves a value back to its symbolic name.
type Enum struct {
	Name     string
	Bitfield bool
	Entries  []Entry

	byName  map[string]uint32
	byValue map[uint32]string
}

// ValueOf returns the integer value of the entry named name.
func (e *Enum) ValueOf(name string) (uint32, bool) {
	v, ok := e.byName[name]
	return v, ok
}

// NameOf returns the symbolic name of the entry whose value is v.
func (e *Enum) NameOf(v uint32) (string, bool) {
	n, ok := e.byValue[v]
	return n, ok
}

// Interface is one Wayland interface: its requests (client-to-server),
// events (server-to-client), and enums. Requests and events are each
// indexed two ways: by declaration-order opcode (for decoding wire
// messages) and by name (for building requests and registering handlers).
type Interface struct {
	Name    string
	Version uint32

	Requests       []*Message
	RequestsByName map[string]*Message

	Events         []*Message
	EventsByName   map[string]*Message

	Enums       []*Enum
	EnumsByName map[string]*Enum
}

// RequestByOpcode returns the request with the given opcode, or nil.
func (i *Interface) RequestByOpcode(op Opcode) *Message {
	if int(op) < 0 || int(op) >= len(i.Requests) {
		return nil
	}
	return i.Requests[op]
}

// EventByOpcode returns the event with the given opcode, or nil.
func (i *Interface) EventByOpcode(op Opcode) *Message {
	if int(op) < 0 || int(op) >= len(i.Events) {
		return nil
	}
	return i.Events[op]
}

// Protocol is a parsed protocol XML document: a named collection of
// interfaces. A Protocol built with a parent (e.g. xdg-shell layered on
// wayland) sees the union of both interface maps.
type Protocol struct {
	Name       string
	Interfaces map[string]*Interface
}

// Interface looks up an interface by name, including ones inherited from
// a parent protocol this was layered on.
func (p *Protocol) Interface(name string) (*Interface, bool) {
	iface, ok := p.Interfaces[name]
	return iface, ok
}

// xmlProtocol and friends mirror the Wayland protocol XML grammar
// (protocol > interface > {request,event,enum}) for unmarshaling via
// encoding/xml; the exported model above is built from these afterward
// so callers never see the XML tag shapes.
type xmlProtocol struct {
	XMLName    xml.Name       `xml:"protocol"`
	Name       string         `xml:"name,attr"`
	Interfaces []xmlInterface `xml:"interface"`
}

type xmlInterface struct {
	Name     string      `xml:"name,attr"`
	Version  uint32      `xml:"version,attr"`
	Requests []xmlMethod `xml:"request"`
	Events   []xmlMethod `xml:"event"`
	Enums    []xmlEnum   `xml:"enum"`
}

type xmlMethod struct {
	Name    string         `xml:"name,attr"`
	Type    string         `xml:"type,attr"` // "destructor" on a request marks it as one
	Since   uint32         `xml:"since,attr"`
	Desc    xmlDescription `xml:"description"`
	Args    []xmlArg       `xml:"arg"`
}

type xmlDescription struct {
	Summary string `xml:"summary,attr"`
}

type xmlArg struct {
	Name      string `xml:"name,attr"`
	Type      string `xml:"type,attr"`
	Interface string `xml:"interface,attr"`
	Nullable  bool   `xml:"allow-null,attr"`
	Summary   string `xml:"summary,attr"`
}

type xmlEnum struct {
	Name    string     `xml:"name,attr"`
	Bitfield bool      `xml:"bitfield,attr"`
	Entries []xmlEntry `xml:"entry"`
}

type xmlEntry struct {
	Name    string `xml:"name,attr"`
	Value   string `xml:"value,attr"`
	Summary string `xml:"summary,attr"`
}

// Load parses a Wayland protocol XML document from r. If parent is
// non-nil, the resulting Protocol layers on top of it: every interface
// parent defines is visible in the result, and any
// interface name collision between parent and the new document is a
// hard error — the whole load is rejected atomically, leaving parent's
// interface map untouched.
func Load(r io.Reader, parent *Protocol) (*Protocol, error) {
	var doc xmlProtocol
	dec := xml.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("protocol: parse %s: %w", doc.Name, err)
	}

	staging := make(map[string]*Interface)
	if parent != nil {
		for name, iface := range parent.Interfaces {
			staging[name] = iface
		}
	}

	for _, xi := range doc.Interfaces {
		if _, exists := staging[xi.Name]; exists {
			return nil, fmt.Errorf("protocol: duplicate interface %q in %s", xi.Name, doc.Name)
		}
		iface, err := buildInterface(xi)
		if err != nil {
			return nil, fmt.Errorf("protocol: %s: %w", doc.Name, err)
		}
		staging[xi.Name] = iface
	}

	return &Protocol{Name: doc.Name, Interfaces: staging}, nil
}

func buildInterface(xi xmlInterface) (*Interface, error) {
	iface := &Interface{
		Name:           xi.Name,
		Version:        xi.Version,
		RequestsByName: make(map[string]*Message, len(xi.Requests)),
		EventsByName:   make(map[string]*Message, len(xi.Events)),
		EnumsByName:    make(map[string]*Enum, len(xi.Enums)),
	}

	for opcode, xm := range xi.Requests {
		msg, err := buildMessage(xm, Opcode(opcode))
		if err != nil {
			return nil, fmt.Errorf("interface %s request %s: %w", xi.Name, xm.Name, err)
		}
		iface.Requests = append(iface.Requests, msg)
		iface.RequestsByName[msg.Name] = msg
	}

	for opcode, xm := range xi.Events {
		msg, err := buildMessage(xm, Opcode(opcode))
		if err != nil {
			return nil, fmt.Errorf("interface %s event %s: %w", xi.Name, xm.Name, err)
		}
		iface.Events = append(iface.Events, msg)
		iface.EventsByName[msg.Name] = msg
	}

	for _, xe := range xi.Enums {
		enum := &Enum{
			Name:     xe.Name,
			Bitfield: xe.Bitfield,
			byName:   make(map[string]uint32, len(xe.Entries)),
			byValue:  make(map[uint32]string, len(xe.Entries)),
		}
		for _, xv := range xe.Entries {
			var value uint32
			if _, err := fmt.Sscanf(xv.Value, "0x%x", &value); err != nil {
				if _, err := fmt.Sscanf(xv.Value, "%d", &value); err != nil {
					return nil, fmt.Errorf("interface %s enum %s entry %s: bad value %q", xi.Name, xe.Name, xv.Name, xv.Value)
				}
			}
			enum.Entries = append(enum.Entries, Entry{Name: xv.Name, Value: value, Summary: xv.Summary})
			enum.byName[xv.Name] = value
			// First entry wins a value collision (e.g. a bitfield's "none"
			// alias), matching declaration order.
			if _, seen := enum.byValue[value]; !seen {
				enum.byValue[value] = xv.Name
			}
		}
		iface.Enums = append(iface.Enums, enum)
		iface.EnumsByName[enum.Name] = enum
	}

	return iface, nil
}

func buildMessage(xm xmlMethod, opcode Opcode) (*Message, error) {
	since := xm.Since
	if since == 0 {
		since = 1
	}
	msg := &Message{
		Name:         xm.Name,
		Opcode:       opcode,
		Since:        since,
		IsDestructor: xm.Type == "destructor",
		Summary:      xm.Desc.Summary,
	}
	for _, xa := range xm.Args {
		kind, err := argKindFromString(xa.Type)
		if err != nil {
			return nil, fmt.Errorf("arg %s: %w", xa.Name, err)
		}
		msg.Args = append(msg.Args, Arg{
			Name:      xa.Name,
			Kind:      kind,
			Interface: xa.Interface,
			Nullable:  xa.Nullable,
			Summary:   xa.Summary,
		})
	}
	return msg, nil
}

// NewIDInterface returns the fixed interface name of a new_id argument at
// position argIndex in msg, or "" if the interface is chosen dynamically
// by the caller (e.g. wl_registry.bind).
func (m *Message) NewIDInterface(argIndex int) string {
	if argIndex < 0 || argIndex >= len(m.Args) {
		return ""
	}
	return m.Args[argIndex].Interface
}
