package packet

import (
	"encoding/json"
	"fmt"

	"github.com/c360/gantrybridge/errors"
	"github.com/c360/gantrybridge/gantry"
)

// Command is a device command addressed to one gantry server, as forwarded to the engine.
type Command struct {
	GantryServer string         `json:"gantry_server"`
	Command      gantry.Command `json:"command"`
}

// EngineConfig is sent once to the engine in reply to the handshake.
type EngineConfig struct {
	Synchronous bool `json:"synchronous"`
}

// Reading is one detector read-out inside a batch.
type Reading struct {
	Name        string             `json:"name"`
	Map         gantry.DetectorMap `json:"map"`
	Measurement gantry.Measurement `json:"measurement"`
}

// Batch is the complete detector read-out of one detection interval.
type Batch struct {
	Time     string    `json:"time"`
	Readings []Reading `json:"readings"`
}

// EncodeCommand serializes a command payload.
func EncodeCommand(cmd Command) ([]byte, error) {
	return encode(cmd, "EncodeCommand")
}

// DecodeCommand parses a command payload.
func DecodeCommand(data []byte) (Command, error) {
	var cmd Command
	if err := decode(data, &cmd, "DecodeCommand"); err != nil {
		return Command{}, err
	}
	if cmd.GantryServer == "" {
		return Command{}, errors.WrapInvalid(fmt.Errorf("%w: missing gantry server", errors.ErrFraming),
			"packet", "DecodeCommand", "command validation")
	}
	return cmd, nil
}

// EncodeConfig serializes the engine configuration.
func EncodeConfig(cfg EngineConfig) ([]byte, error) {
	return encode(cfg, "EncodeConfig")
}

// DecodeConfig parses the engine configuration.
func DecodeConfig(data []byte) (EngineConfig, error) {
	var cfg EngineConfig
	err := decode(data, &cfg, "DecodeConfig")
	return cfg, err
}

// EncodeBatch serializes a measurement batch.
func EncodeBatch(b Batch) ([]byte, error) {
	return encode(b, "EncodeBatch")
}

// DecodeBatch parses a measurement batch.
func DecodeBatch(data []byte) (Batch, error) {
	var b Batch
	err := decode(data, &b, "DecodeBatch")
	return b, err
}

func encode(v any, method string) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.WrapInvalid(err, "packet", method, "payload encoding")
	}
	if len(data) > MaxPayload {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %d bytes", errors.ErrHeaderOverflow, len(data)),
			"packet", method, "payload size check")
	}
	return data, nil
}

func decode(data []byte, v any, method string) error {
	if err := json.Unmarshal(data, v); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrFraming, err), "packet", method, "payload decoding")
	}
	return nil
}
