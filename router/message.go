// Package router turns controller stanzas into engine commands and engine
// measurement batches into controller telemetry.
//
// Controllers send two kinds of stanza: a long status request
//
//	<gantry msg="get_long_status"><synchronous>true</synchronous></gantry>
//
// and a command batch
//
//	<root><gantry id="R01-R-MX20017"><device id="3"><subdevice id="0">
//	  <command validity="60"><symbol>1</symbol></command>
//	</subdevice></device></gantry></root>
//
// Everything else is reported as Unsupported. A command batch is validated as
// a whole before any command is returned, so a malformed batch is dropped
// without forwarding a prefix of it.
package router

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/c360/gantrybridge/errors"
	"github.com/c360/gantrybridge/gantry"
	"github.com/c360/gantrybridge/packet"
)

// Kind classifies a decoded controller stanza.
type Kind int

const (
	// Unsupported is any stanza the bridge does not handle.
	Unsupported Kind = iota
	// LongStatus is a get_long_status request.
	LongStatus
	// CommandBatch is a <root> element carrying device commands.
	CommandBatch
)

func (k Kind) String() string {
	switch k {
	case LongStatus:
		return "get_long_status"
	case CommandBatch:
		return "command_batch"
	default:
		return "unsupported"
	}
}

// Message is a decoded controller stanza.
type Message struct {
	Kind Kind
	// Root is the name of the top-level element.
	Root string

	// Synchronous is set when a long status request carries <synchronous>.
	// Any text other than "true" selects asynchronous mode.
	Synchronous *bool
	// Replication is the replication requested with <replication>, 0 when absent.
	Replication int

	Commands []packet.Command
}

// node is a generic element tree; only child elements count as children.
type node struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Nodes   []node     `xml:",any"`
	Text    string     `xml:",chardata"`
}

func (n node) attr(name string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

func (n node) intAttr(name string) (int, error) {
	v, ok := n.attr(name)
	if !ok {
		return 0, framingError("<%s> has no %s attribute", n.XMLName.Local, name)
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, framingError("<%s> attribute %s=%q is not an integer", n.XMLName.Local, name, v)
	}
	return i, nil
}

func (n node) child(name string) (node, bool) {
	for _, c := range n.Nodes {
		if c.XMLName.Local == name {
			return c, true
		}
	}
	return node{}, false
}

func framingError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errors.ErrFraming, fmt.Sprintf(format, args...))
}

// Decode parses one stanza. Parse errors and malformed command batches return
// an ErrFraming error; unknown elements decode to an Unsupported message.
func Decode(stanza []byte) (Message, error) {
	var root node
	if err := xml.Unmarshal(stanza, &root); err != nil {
		return Message{}, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrFraming, err), "router", "Decode", "stanza parse")
	}

	msg := Message{Root: root.XMLName.Local}
	switch {
	case root.XMLName.Local == "root":
		cmds, err := decodeCommands(root)
		if err != nil {
			return Message{}, errors.WrapInvalid(err, "router", "Decode", "command batch validation")
		}
		msg.Kind = CommandBatch
		msg.Commands = cmds

	case root.XMLName.Local == "gantry" && isLongStatus(root):
		msg.Kind = LongStatus
		if n, ok := root.child("synchronous"); ok {
			sync := strings.TrimSpace(n.Text) == "true"
			msg.Synchronous = &sync
		}
		if n, ok := root.child("replication"); ok {
			id, err := strconv.Atoi(strings.TrimSpace(n.Text))
			if err != nil || id <= 0 {
				return Message{}, errors.WrapInvalid(framingError("invalid replication %q", n.Text),
					"router", "Decode", "long status request")
			}
			msg.Replication = id
		}

	default:
		msg.Kind = Unsupported
	}
	return msg, nil
}

func isLongStatus(n node) bool {
	v, _ := n.attr("msg")
	return v == "get_long_status"
}

func decodeCommands(root node) ([]packet.Command, error) {
	var cmds []packet.Command
	for _, gn := range root.Nodes {
		if gn.XMLName.Local != "gantry" {
			return nil, framingError("expected <gantry> tag, got <%s>", gn.XMLName.Local)
		}
		server, ok := gn.attr("id")
		if !ok || server == "" {
			return nil, framingError("<gantry> has no id attribute")
		}
		for _, dn := range gn.Nodes {
			if dn.XMLName.Local != "device" {
				return nil, framingError("expected <device> tag, got <%s>", dn.XMLName.Local)
			}
			device, err := dn.intAttr("id")
			if err != nil {
				return nil, err
			}
			for _, sn := range dn.Nodes {
				cmd, err := decodeSubDevice(sn)
				if err != nil {
					return nil, err
				}
				cmd.Device = device
				cmds = append(cmds, packet.Command{GantryServer: server, Command: cmd})
			}
		}
	}
	return cmds, nil
}

func decodeSubDevice(sn node) (gantry.Command, error) {
	if sn.XMLName.Local != "subdevice" {
		return gantry.Command{}, framingError("expected <subdevice> tag, got <%s>", sn.XMLName.Local)
	}
	subDevice, err := sn.intAttr("id")
	if err != nil {
		return gantry.Command{}, err
	}
	if len(sn.Nodes) != 1 {
		return gantry.Command{}, framingError("<subdevice> must have exactly one child, has %d", len(sn.Nodes))
	}
	cn := sn.Nodes[0]
	if cn.XMLName.Local != "command" {
		return gantry.Command{}, framingError("expected <command> tag, got <%s>", cn.XMLName.Local)
	}
	validity, err := cn.intAttr("validity")
	if err != nil {
		return gantry.Command{}, err
	}
	if len(cn.Nodes) != 1 {
		return gantry.Command{}, framingError("<command> must have exactly one child, has %d", len(cn.Nodes))
	}
	symbol := strings.TrimSpace(cn.Nodes[0].Text)
	messageID, err := strconv.Atoi(symbol)
	if err != nil {
		return gantry.Command{}, framingError("symbol %q is not an integer", symbol)
	}
	return gantry.Command{SubDevice: subDevice, MessageID: messageID, Validity: validity}, nil
}
