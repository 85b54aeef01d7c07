package router

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/c360/gantrybridge/errors"
	"github.com/c360/gantrybridge/gantry"
	"github.com/c360/gantrybridge/packet"
)

// Validate checks a command against the catalog without changing any state:
// the gantry server and the sub-device must exist and accept the message id.
func Validate(cat *gantry.Catalog, cmd packet.Command) error {
	srv, err := cat.Server(cmd.GantryServer)
	if err != nil {
		return err
	}
	sd, err := srv.Locate(cmd.Command.Device, cmd.Command.SubDevice)
	if err != nil {
		return err
	}
	return sd.CheckMessageID(cmd.Command.MessageID)
}

// Apply applies, in order, the commands addressed to s. Commands for other
// gantry servers are skipped. Every failing command is dropped and reported;
// it does not stop the commands after it.
func Apply(s *gantry.Server, cmds []packet.Command) (applied []*gantry.SubDevice, err error) {
	var failed *multierror.Error
	for _, cmd := range cmds {
		if cmd.GantryServer != s.ID {
			continue
		}
		sd, perr := s.ProcessCommand(cmd.Command)
		if perr != nil {
			failed = multierror.Append(failed, fmt.Errorf("command %+v: %w", cmd.Command, perr))
			continue
		}
		applied = append(applied, sd)
	}
	return applied, failed.ErrorOrNil()
}

// ProcessXMLCommands decodes a command batch stanza and applies the commands
// addressed to s.
func ProcessXMLCommands(s *gantry.Server, stanza []byte) ([]*gantry.SubDevice, error) {
	msg, err := Decode(stanza)
	if err != nil {
		return nil, err
	}
	if msg.Kind != CommandBatch {
		return nil, errors.WrapInvalid(framingError("expected <root> command batch, got <%s>", msg.Root),
			"router", "ProcessXMLCommands", "stanza check")
	}
	return Apply(s, msg.Commands)
}
