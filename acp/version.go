package acp

import (
	"github.com/m4xw311/acpconn/errors"
	"github.com/m4xw311/acpconn/jsonrpc"
)

const (
	// ProtocolVersion is the newest protocol version this package speaks.
	ProtocolVersion = 1
	// MinProtocolVersion is the oldest protocol version this package accepts.
	MinProtocolVersion = 1
)

// ErrVersionMismatch is returned by ClientConn.Initialize when the agent
// answers with a version outside the client's range.
var ErrVersionMismatch = errors.Sentinel("acp: protocol version mismatch")

// VersionRange is the inclusive range of protocol versions a side supports.
type VersionRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// DefaultVersions is the range built into this package.
var DefaultVersions = VersionRange{Min: MinProtocolVersion, Max: ProtocolVersion}

// Negotiate picks the version an agent answers to a client requesting
// requested: the lower of requested and Max, rejected when below Min.
func (r VersionRange) Negotiate(requested int) (int, error) {
	v := min(requested, r.Max)
	if v < r.Min {
		return 0, jsonrpc.NewError(jsonrpc.CodeInvalidRequest, "unsupported protocol version").
			WithData(map[string]any{"supported": r, "requested": requested})
	}
	return v, nil
}

// Accept checks the version an agent answered with.
func (r VersionRange) Accept(answered int) error {
	if answered < r.Min || answered > r.Max {
		return errors.Wrapf(ErrVersionMismatch, "agent answered %d, client supports %d..%d", answered, r.Min, r.Max)
	}
	return nil
}

func (r VersionRange) valid() error {
	if r.Min < 1 || r.Max < r.Min {
		return errors.New("invalid protocol version range %d..%d", r.Min, r.Max)
	}
	return nil
}
