// Package machinelink is the typed facade over the machine-controller
// client: single-value reads and writes of named
// integer/boolean variables, with connection-loss detected and
// surfaced exactly once per connection. It wraps github.com/gopcua/opcua
// since the core's own vocabulary ("resolves the namespace index") is
// OPC-UA's.
package machinelink

import (
	"context"
	"sync"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/ehrlich-b/slm-control/internal/errs"
)

// Options configures Connect.
type Options struct {
	NamespaceIndex uint16
	SecurityMode   ua.MessageSecurityMode
}

// DefaultOptions mirrors a typical unsecured PLC-facing endpoint.
func DefaultOptions() Options {
	return Options{
		NamespaceIndex: 2,
		SecurityMode:   ua.MessageSecurityModeNone,
	}
}

// Client is the typed surface the pipeline and supervisor program
// against — satisfied by OPCUALink in production and by Fake in tests.
type Client interface {
	ReadInt(name string) (int32, error)
	ReadBool(name string) (bool, error)
	WriteInt(name string, v int32) error
	WriteBool(name string, v bool) error
	Connected() bool
	OnConnectionLost(fn func())
}

// OPCUALink is a typed client against the machine controller's named
// variables. Two locks protect it: stateMu guards connected/lost bits
// only, callMu serialises every call into the underlying client (which
// is not reentrant). A caller takes stateMu briefly, drops it, then
// takes callMu for the actual I/O — holding one lock across I/O would
// serialise status queries behind slow writes.
type OPCUALink struct {
	stateMu sync.Mutex
	connected bool
	lostReported bool

	callMu sync.Mutex
	client *opcua.Client
	ns     uint16

	onConnectionLost func()
}

var _ Client = (*OPCUALink)(nil)

// NewOPCUALink creates an OPCUALink with no active connection.
func NewOPCUALink() *OPCUALink {
	return &OPCUALink{}
}

// OnConnectionLost registers a callback invoked the first time this Link
// observes connection loss. Only one callback is supported; it is called
// with neither lock held.
func (l *OPCUALink) OnConnectionLost(fn func()) {
	l.onConnectionLost = fn
}

// Connect establishes the session and records the configured namespace
// index. A previous connection, if any, is closed first.
func (l *OPCUALink) Connect(ctx context.Context, endpoint string, opts Options) error {
	l.callMu.Lock()
	defer l.callMu.Unlock()

	if l.client != nil {
		_ = l.client.Close(ctx)
		l.client = nil
	}

	client, err := opcua.NewClient(endpoint, opcua.SecurityMode(opts.SecurityMode))
	if err != nil {
		return errs.New("machinelink.Connect", errs.CodeConfig, err.Error())
	}
	if err := client.Connect(ctx); err != nil {
		return errs.New("machinelink.Connect", errs.CodeTransport, err.Error())
	}

	l.client = client
	l.ns = opts.NamespaceIndex

	l.stateMu.Lock()
	l.connected = true
	l.lostReported = false
	l.stateMu.Unlock()
	return nil
}

// Disconnect tears the session down. Idempotent.
func (l *OPCUALink) Disconnect(ctx context.Context) error {
	l.callMu.Lock()
	client := l.client
	l.client = nil
	l.callMu.Unlock()

	l.stateMu.Lock()
	l.connected = false
	l.stateMu.Unlock()

	if client == nil {
		return nil
	}
	return client.Close(ctx)
}

// Connected is a snapshot read.
func (l *OPCUALink) Connected() bool {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return l.connected
}

func (l *OPCUALink) failFast(op string) error {
	l.stateMu.Lock()
	connected := l.connected
	l.stateMu.Unlock()
	if !connected {
		return errs.New(op, errs.CodeDisconnected, "machine link disconnected")
	}
	return nil
}

// reportLoss marks the connection dead and fires the exactly-once
// ConnectionLost notification.
func (l *OPCUALink) reportLoss() {
	l.stateMu.Lock()
	wasConnected := l.connected
	alreadyReported := l.lostReported
	l.connected = false
	l.lostReported = true
	l.stateMu.Unlock()

	if wasConnected && !alreadyReported && l.onConnectionLost != nil {
		l.onConnectionLost()
	}
}

// classify maps a transport failure that survived the caller's single
// retry to Disconnected (fatal), reporting the connection loss.
func (l *OPCUALink) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if sc, ok := err.(*ua.StatusCode); ok && sc.IsGood() {
		return nil
	}
	// Any failure reaching here after the single internal retry is
	// treated as connection loss: the underlying client offers no finer
	// transient/fatal distinction than "the call failed".
	l.reportLoss()
	return errs.New(op, errs.CodeDisconnected, err.Error())
}

func (l *OPCUALink) nodeID(name string) *ua.NodeID {
	return ua.NewStringNodeID(l.ns, name)
}

func (l *OPCUALink) readValue(op, name string) (*ua.Variant, error) {
	if err := l.failFast(op); err != nil {
		return nil, err
	}

	l.callMu.Lock()
	client := l.client
	l.callMu.Unlock()
	if client == nil {
		return nil, errs.New(op, errs.CodeDisconnected, "machine link not connected")
	}

	req := &ua.ReadRequest{
		NodesToRead: []*ua.ReadValueID{
			{NodeID: l.nodeID(name), AttributeID: ua.AttributeIDValue},
		},
		TimestampsToReturn: ua.TimestampsToReturnNeither,
	}

	resp, err := l.doRead(req)
	if err != nil {
		// one retry before classifying as a transport failure
		resp, err = l.doRead(req)
		if err != nil {
			return nil, l.classify(op, err)
		}
	}
	if len(resp.Results) == 0 || resp.Results[0].Status != ua.StatusOK {
		return nil, errs.New(op, errs.CodeTransport, "read returned bad status")
	}
	return resp.Results[0].Value, nil
}

func (l *OPCUALink) doRead(req *ua.ReadRequest) (*ua.ReadResponse, error) {
	l.callMu.Lock()
	defer l.callMu.Unlock()
	if l.client == nil {
		return nil, errs.New("machinelink.doRead", errs.CodeDisconnected, "machine link not connected")
	}
	return l.client.Read(req)
}

// ReadInt reads a named integer variable.
func (l *OPCUALink) ReadInt(name string) (int32, error) {
	v, err := l.readValue("machinelink.ReadInt", name)
	if err != nil {
		return 0, err
	}
	return int32(v.Int()), nil
}

// ReadBool reads a named boolean variable.
func (l *OPCUALink) ReadBool(name string) (bool, error) {
	v, err := l.readValue("machinelink.ReadBool", name)
	if err != nil {
		return false, err
	}
	return v.Bool(), nil
}

func (l *OPCUALink) writeValue(op, name string, variant *ua.Variant) error {
	if err := l.failFast(op); err != nil {
		return err
	}

	req := &ua.WriteRequest{
		NodesToWrite: []*ua.WriteValue{
			{
				NodeID:      l.nodeID(name),
				AttributeID: ua.AttributeIDValue,
				Value: &ua.DataValue{
					EncodingMask: ua.DataValueValue,
					Value:        variant,
				},
			},
		},
	}

	_, err := l.doWrite(req)
	if err != nil {
		_, err = l.doWrite(req)
		if err != nil {
			return l.classify(op, err)
		}
	}
	return nil
}

func (l *OPCUALink) doWrite(req *ua.WriteRequest) (*ua.WriteResponse, error) {
	l.callMu.Lock()
	defer l.callMu.Unlock()
	if l.client == nil {
		return nil, errs.New("machinelink.doWrite", errs.CodeDisconnected, "machine link not connected")
	}
	return l.client.Write(req)
}

// WriteInt writes a named integer variable.
func (l *OPCUALink) WriteInt(name string, v int32) error {
	variant, err := ua.NewVariant(v)
	if err != nil {
		return errs.New("machinelink.WriteInt", errs.CodeInternal, err.Error())
	}
	return l.writeValue("machinelink.WriteInt", name, variant)
}

// WriteBool writes a named boolean variable.
func (l *OPCUALink) WriteBool(name string, v bool) error {
	variant, err := ua.NewVariant(v)
	if err != nil {
		return errs.New("machinelink.WriteBool", errs.CodeInternal, err.Error())
	}
	return l.writeValue("machinelink.WriteBool", name, variant)
}
