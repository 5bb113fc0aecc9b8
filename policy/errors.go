package policy

import "errors"

// ErrPortPartnerUnresponsive is returned by Engine.Run when the hard
// reset counter overruns: the port partner has failed to recover a
// working contract across repeated hard resets, and the engine gives up
// rather than cycling forever.
var ErrPortPartnerUnresponsive = errors.New("policy: port partner unresponsive")
