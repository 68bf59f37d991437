package command

import (
	"encoding/json"
	"testing"
	"time"

	"bmscode-go/protocol"
	"bmscode-go/safety"
	"bmscode-go/store"
	"bmscode-go/types"
)

type fakeBalancer struct{ on bool }

func (f *fakeBalancer) SetBalancing(on bool) { f.on = on }
func (f *fakeBalancer) Balancing() bool      { return f.on }

func testStore() *store.Store {
	return store.New(safety.Limits{
		CellOVWarnMV:  4150,
		CellOVFaultMV: 4200,
		CellOVLatchMV: 4450,
		CellUVWarnMV:  3300,
		CellUVFaultMV: 3200,
		LatchDebounce: 5 * time.Second,
		Staleness:     time.Second,
	})
}

func cmdFrame(t *testing.T, c protocol.Command) protocol.Frame {
	t.Helper()
	b, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return protocol.Frame{Type: protocol.FrameCommand, Payload: b}
}

func decodeError(t *testing.T, f protocol.Frame) protocol.ErrorMsg {
	t.Helper()
	if f.Type != protocol.FrameError {
		t.Fatalf("frame type 0x%02x, want error", f.Type)
	}
	var e protocol.ErrorMsg
	if err := json.Unmarshal(f.Payload, &e); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	return e
}

func TestMalformedPayloadRejectedWithoutStateChange(t *testing.T) {
	st := testStore()
	svc := New(st, &fakeBalancer{})
	before := st.Read()

	reply, ok := svc.Handle(protocol.Frame{Type: protocol.FrameCommand, Payload: []byte(`{"v":`)})
	if !ok {
		t.Fatalf("malformed command must still produce a reply")
	}
	if e := decodeError(t, reply); e.Code != "invalid_payload" {
		t.Fatalf("code = %q", e.Code)
	}
	after := st.Read()
	if after.Safety != before.Safety {
		t.Fatalf("state changed on rejected command")
	}
}

func TestUnknownCommand(t *testing.T) {
	svc := New(testStore(), &fakeBalancer{})
	reply, _ := svc.Handle(cmdFrame(t, protocol.Command{V: protocol.Version, ID: "x", Name: "self_destruct"}))
	if e := decodeError(t, reply); e.Code != "unknown_command" || e.ID != "x" {
		t.Fatalf("got %+v", e)
	}
}

func TestVersionMismatch(t *testing.T) {
	svc := New(testStore(), &fakeBalancer{})
	reply, _ := svc.Handle(cmdFrame(t, protocol.Command{V: 99, Name: "reset"}))
	if e := decodeError(t, reply); e.Code != "unsupported_version" {
		t.Fatalf("code = %q", e.Code)
	}
}

func TestSetBalancing(t *testing.T) {
	bal := &fakeBalancer{on: true}
	svc := New(testStore(), bal)

	reply, _ := svc.Handle(cmdFrame(t, protocol.Command{
		V: protocol.Version, ID: "b1", Name: "set_balancing",
		Args: map[string]any{"enabled": false},
	}))
	if reply.Type != protocol.FrameAck {
		t.Fatalf("reply %+v", decodeError(t, reply))
	}
	if bal.on {
		t.Fatalf("balancing not disabled")
	}
}

func TestSetBalancingValidatesArgs(t *testing.T) {
	bal := &fakeBalancer{on: true}
	svc := New(testStore(), bal)

	reply, _ := svc.Handle(cmdFrame(t, protocol.Command{V: protocol.Version, Name: "set_balancing"}))
	if e := decodeError(t, reply); e.Code != "missing_field" {
		t.Fatalf("code = %q", e.Code)
	}

	reply, _ = svc.Handle(cmdFrame(t, protocol.Command{
		V: protocol.Version, Name: "set_balancing",
		Args: map[string]any{"enabled": "yes"},
	}))
	if e := decodeError(t, reply); e.Code != "invalid_payload" {
		t.Fatalf("code = %q", e.Code)
	}
	if !bal.on {
		t.Fatalf("invalid args must not change the policy")
	}
}

func TestResetRoundtrip(t *testing.T) {
	st := testStore()
	svc := New(st, &fakeBalancer{})
	now := time.Now()

	st.StepSafety(now, safety.Evaluation{Fault: types.ReasonSet(types.ReasonOvervoltage)})
	reply, _ := svc.Handle(cmdFrame(t, protocol.Command{V: protocol.Version, ID: "r1", Name: "reset"}))
	if e := decodeError(t, reply); e.Code != "precondition_failed" {
		t.Fatalf("reset with active fault: code = %q", e.Code)
	}

	st.StepSafety(now.Add(time.Second), safety.Evaluation{})
	reply, _ = svc.Handle(cmdFrame(t, protocol.Command{V: protocol.Version, ID: "r2", Name: "reset"}))
	if reply.Type != protocol.FrameAck {
		t.Fatalf("reset after clear rejected: %+v", decodeError(t, reply))
	}
	var ack protocol.Ack
	if err := json.Unmarshal(reply.Payload, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ack.ID != "r2" || ack.Severity != "normal" {
		t.Fatalf("ack %+v", ack)
	}
}

func TestMissingIDGetsAssigned(t *testing.T) {
	svc := New(testStore(), &fakeBalancer{})
	reply, _ := svc.Handle(cmdFrame(t, protocol.Command{V: protocol.Version, Name: "reset"}))
	var ack protocol.Ack
	if err := json.Unmarshal(reply.Payload, &ack); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ack.ID == "" {
		t.Fatalf("reply must carry a generated id")
	}
}
