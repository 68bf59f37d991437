// Package protocol defines the framed message set shared by the network
// and USB transports: a type byte plus length-prefixed JSON payloads,
// each carrying a format version so peers on an unsupported version are
// rejected instead of misparsed.
package protocol

import (
	"encoding/json"
	"fmt"

	"bmscode-go/errcode"
	"bmscode-go/types"
)

// Version is the current message-format version.
const Version = 1

// Frame types.
const (
	FrameTelemetry byte = 0x10
	FrameCommand   byte = 0x20
	FrameAck       byte = 0x21
	FrameError     byte = 0x22
	FrameLog       byte = 0x30
)

// MaxPayload bounds a single frame; anything larger is a framing error.
const MaxPayload = 0xFFFF

// Frame is a type byte plus raw payload bytes.
type Frame struct {
	Type    byte
	Payload []byte
}

// -----------------------------------------------------------------------------
// Payloads
// -----------------------------------------------------------------------------

// Telemetry is the outbound record: snapshot, derived metrics and safety
// state in one message, so an operator can always see why the pack is in
// the state it is in.
type Telemetry struct {
	V   int    `json:"v"`
	TS  int64  `json:"ts_ms"`
	Seq uint64 `json:"seq"`

	CellMV    []int32 `json:"cell_mv"`
	CellValid []bool  `json:"cell_valid"`
	PackMA    int32   `json:"pack_ma"`
	PackValid bool    `json:"pack_valid"`
	TempMC    []int32 `json:"temp_mc"`
	TempValid []bool  `json:"temp_valid"`

	SoCPct    float64 `json:"soc_pct"`
	SoHPct    float64 `json:"soh_pct"`
	PackMV    int64   `json:"pack_mv"`
	MinCellMV int32   `json:"min_cell_mv"`
	MinCell   int     `json:"min_cell"`
	MaxCellMV int32   `json:"max_cell_mv"`
	MaxCell   int     `json:"max_cell"`
	MaxTempMC int32   `json:"max_temp_mc"`

	Severity      string   `json:"severity"`
	ActiveReasons []string `json:"active_reasons"`
	StickyReasons []string `json:"sticky_reasons"`

	ContactorClosed bool   `json:"contactor_closed"`
	BalanceMask     uint32 `json:"balance_mask"`
	CommandGen      uint64 `json:"command_gen"`
}

// Command is the inbound control record. Known names: "reset",
// "set_balancing" (args: {"enabled": bool}).
type Command struct {
	V    int            `json:"v"`
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Ack confirms a command by ID and reports the resulting severity.
type Ack struct {
	V        int    `json:"v"`
	ID       string `json:"id"`
	Severity string `json:"severity"`
}

// ErrorMsg rejects a command with a stable code.
type ErrorMsg struct {
	V    int    `json:"v"`
	ID   string `json:"id,omitempty"`
	Code string `json:"code"`
	Msg  string `json:"msg,omitempty"`
}

// -----------------------------------------------------------------------------
// Encoding
// -----------------------------------------------------------------------------

// EncodeTelemetry flattens snapshot+derived+safety+last command into one
// frame.
func EncodeTelemetry(s types.SensorSnapshot, d types.DerivedMetrics, sf types.SafetyState, cmd types.ActuatorCommand) (Frame, error) {
	t := Telemetry{
		V:         Version,
		TS:        s.Taken.UnixMilli(),
		Seq:       s.Seq,
		CellMV:    s.CellMV,
		CellValid: s.CellValid,
		PackMA:    s.PackMA,
		PackValid: s.PackValid,
		TempMC:    s.TempMC,
		TempValid: s.TempValid,

		SoCPct:    d.SoCPct,
		SoHPct:    d.SoHPct,
		PackMV:    d.PackMV,
		MinCellMV: d.MinCellMV,
		MinCell:   d.MinCellIdx,
		MaxCellMV: d.MaxCellMV,
		MaxCell:   d.MaxCellIdx,
		MaxTempMC: d.MaxTempMC,

		Severity:      sf.Severity.String(),
		ActiveReasons: sf.Active.Names(),
		StickyReasons: sf.Sticky.Names(),

		ContactorClosed: cmd.ContactorClosed,
		BalanceMask:     cmd.Balance,
		CommandGen:      cmd.Gen,
	}
	b, err := json.Marshal(t)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameTelemetry, Payload: b}, nil
}

// DecodeCommand parses and version-gates a command frame.
func DecodeCommand(f Frame) (Command, error) {
	var c Command
	if f.Type != FrameCommand {
		return c, &errcode.E{C: errcode.InvalidPayload, Op: "protocol.decode", Msg: fmt.Sprintf("frame type 0x%02x is not a command", f.Type)}
	}
	if err := json.Unmarshal(f.Payload, &c); err != nil {
		return c, &errcode.E{C: errcode.InvalidPayload, Op: "protocol.decode", Err: err}
	}
	if c.V != Version {
		return c, &errcode.E{C: errcode.UnsupportedVersion, Op: "protocol.decode", Msg: fmt.Sprintf("version %d, want %d", c.V, Version)}
	}
	return c, nil
}

// EncodeAck / EncodeError build reply frames. Marshalling of these flat
// structs cannot fail.
func EncodeAck(id string, sev types.Severity) Frame {
	b, _ := json.Marshal(Ack{V: Version, ID: id, Severity: sev.String()})
	return Frame{Type: FrameAck, Payload: b}
}

func EncodeError(id string, code errcode.Code, msg string) Frame {
	b, _ := json.Marshal(ErrorMsg{V: Version, ID: id, Code: string(code), Msg: msg})
	return Frame{Type: FrameError, Payload: b}
}
