package colearn

import (
	"errors"

	"github.com/raskyld/colearn/pkg/rpc"
)

var (
	ErrInvalidCfg        = errors.New("colearn: invalid options")
	ErrNetworkerClosed   = errors.New("colearn: networker closed")
	ErrInvalidProportion = errors.New("colearn: proportion must be within [0, 1]")
	ErrMalformedUpdate   = errors.New("colearn: malformed update")
	ErrNoPeers           = errors.New("colearn: no peer to send to")
)

// CodeMalformedUpdate is the fault code answered to calls whose arguments
// are not an update.
const CodeMalformedUpdate = rpc.CodeUser
