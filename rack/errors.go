package rack

import "errors"

var (
	// ErrLinkLocked is generated when module traffic is attempted before
	// the controller has been unlocked.  Call Unlock and retry.
	ErrLinkLocked = errors.New("link locked: controller write protection is on, call Unlock first")

	// ErrLinkTimeout is generated when no complete response arrives
	// within the transport timeout.  The session remains usable and the
	// caller may retry; the hardware did not necessarily abort anything.
	ErrLinkTimeout = errors.New("link timeout: no response from the controller")

	// ErrLinkClosed is generated on any use of a session after Close
	ErrLinkClosed = errors.New("link closed: session has been shut down")

	// ErrMalformedFrame is generated when a frame fails to decode.
	// Do not blindly retry on this error; the link state is ambiguous.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrOutOfRange is generated when a channel, address or value falls
	// outside its declared bounds.  It is raised before anything touches
	// the link, so there is never a hardware side effect.
	ErrOutOfRange = errors.New("out of range")
)
