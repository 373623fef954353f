package core

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/inference-sim/cosim/sim"
	"github.com/inference-sim/cosim/sim/timing"
)

// ActionKind identifies what an Action asks its receiver to do.
type ActionKind uint8

// Upward actions travel with an empty RouteTo toward the root. Downward
// actions carry the name of the node that must handle them.
const (
	ActConnect ActionKind = iota + 1
	ActRegisterRoute
	ActRegisterFederate
	ActRegisterInterface
	ActAddTarget
	ActSetOption
	ActFilterProperty
	ActTimingConfig
	ActInitRequest
	ActExecRequest
	ActTimeRequest
	ActPublish
	ActSendMessage
	ActFinalize
	ActLocalError
	ActQuery
	ActDisconnect

	ActReply
	ActInitGrant
	ActExecGrant
	ActTimeGrant
	ActRequestFailed
	ActConnectInput
	ActDeliverValue
	ActDeliverMessage
	ActFinalizeAck
	ActError
	ActHalt
	ActShutdown
)

var actionNames = map[ActionKind]string{
	ActConnect:           "connect",
	ActRegisterRoute:     "register_route",
	ActRegisterFederate:  "register_federate",
	ActRegisterInterface: "register_interface",
	ActAddTarget:         "add_target",
	ActSetOption:         "set_option",
	ActFilterProperty:    "filter_property",
	ActTimingConfig:      "timing_config",
	ActInitRequest:       "init_request",
	ActExecRequest:       "exec_request",
	ActTimeRequest:       "time_request",
	ActPublish:           "publish",
	ActSendMessage:       "send_message",
	ActFinalize:          "finalize",
	ActLocalError:        "local_error",
	ActQuery:             "query",
	ActDisconnect:        "disconnect",
	ActReply:             "reply",
	ActInitGrant:         "init_grant",
	ActExecGrant:         "exec_grant",
	ActTimeGrant:         "time_grant",
	ActRequestFailed:     "request_failed",
	ActConnectInput:      "connect_input",
	ActDeliverValue:      "deliver_value",
	ActDeliverMessage:    "deliver_message",
	ActFinalizeAck:       "finalize_ack",
	ActError:             "error",
	ActHalt:              "halt",
	ActShutdown:          "shutdown",
}

func (k ActionKind) String() string {
	if n, ok := actionNames[k]; ok {
		return n
	}
	return fmt.Sprintf("action(%d)", k)
}

// Target link kinds carried in Action.Count of an ActAddTarget.
const (
	linkPublicationTarget = iota + 1 // publication → input name
	linkInputSource                  // input ← publication name
	linkFilterSource                 // filter on messages sent by an endpoint
	linkFilterDestination            // filter on messages addressed to an endpoint
	linkCloneDelivery                // clone filter copies to an endpoint
)

// WireError is an *sim.Error flattened for transport.
type WireError struct {
	Code    sim.Code `msgpack:"c"`
	Op      string   `msgpack:"o,omitempty"`
	Name    string   `msgpack:"n,omitempty"`
	Message string   `msgpack:"m,omitempty"`
}

func toWireError(err error) *WireError {
	if err == nil {
		return nil
	}
	var e *sim.Error
	if errors.As(err, &e) {
		w := &WireError{Code: e.Code, Op: e.Op, Name: e.Name}
		if e.Err != nil {
			w.Message = e.Err.Error()
		}
		return w
	}
	return &WireError{Code: sim.CodeOf(err), Message: err.Error()}
}

// Err rebuilds the error a WireError was made from.
func (w *WireError) Err() error {
	if w == nil || w.Code == sim.CodeOK {
		return nil
	}
	e := &sim.Error{Code: w.Code, Op: w.Op, Name: w.Name}
	if w.Message != "" {
		e.Err = errors.New(w.Message)
	}
	return e
}

// Action is the unit of communication between nodes. Immutable once sent:
// inproc links hand the same pointer to the receiver.
type Action struct {
	Kind      ActionKind `msgpack:"k"`
	RouteTo   string     `msgpack:"rt,omitempty"`
	ReplyTo   string     `msgpack:"rp,omitempty"`
	Via       string     `msgpack:"via,omitempty"`
	RequestID uint64     `msgpack:"rq,omitempty"`

	SourceFed    sim.FederateID `msgpack:"sf,omitempty"`
	SourceHandle sim.Handle     `msgpack:"sh"`
	DestFed      sim.FederateID `msgpack:"df,omitempty"`
	DestHandle   sim.Handle     `msgpack:"dh"`

	Time      sim.Time            `msgpack:"tm,omitempty"`
	VisibleAt sim.Time            `msgpack:"vt,omitempty"`
	Iteration sim.IterationRequest `msgpack:"it,omitempty"`
	Result    sim.IterationResult  `msgpack:"rs,omitempty"`

	Name   string  `msgpack:"nm,omitempty"`
	Key    string  `msgpack:"ky,omitempty"`
	Type   string  `msgpack:"ty,omitempty"`
	Units  string  `msgpack:"un,omitempty"`
	Number float64 `msgpack:"nu,omitempty"`
	Flag   bool    `msgpack:"fl,omitempty"`
	Count  int     `msgpack:"ct,omitempty"`

	Value   sim.Value      `msgpack:"va"`
	Message *sim.Message   `msgpack:"ms,omitempty"`
	Config  *timing.Config `msgpack:"cf,omitempty"`
	Err     *WireError     `msgpack:"er,omitempty"`
}

func (a *Action) String() string {
	s := a.Kind.String()
	if a.RouteTo != "" {
		s += "→" + a.RouteTo
	}
	if a.SourceFed != sim.InvalidFederate {
		s += fmt.Sprintf(" src=%d", a.SourceFed)
	}
	if a.DestFed != sim.InvalidFederate {
		s += fmt.Sprintf(" dst=%d", a.DestFed)
	}
	return s
}

// EncodeAction serializes an action for a wire link.
func EncodeAction(a *Action) ([]byte, error) {
	b, err := msgpack.Marshal(a)
	if err != nil {
		return nil, sim.NewError(sim.CodeConnectionFailure, "encode action", a.Kind.String(), err)
	}
	return b, nil
}

// DecodeAction is the inverse of EncodeAction.
func DecodeAction(b []byte) (*Action, error) {
	var a Action
	if err := msgpack.Unmarshal(b, &a); err != nil {
		return nil, sim.NewError(sim.CodeConnectionFailure, "decode action", "", err)
	}
	return &a, nil
}
