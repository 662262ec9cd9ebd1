// Package errors provides standardized error handling for the bridge.
//
// # Classification
//
// Errors fall into three classes:
//
//   - Transient: broker unreachable, timeouts (retry recommended)
//   - Invalid: malformed request bodies, bad configuration (do not retry)
//   - Fatal: unrecoverable states (stop processing)
//
// # Bridge taxonomy
//
// On top of the classes, every broker or transport failure carries one of
// the sentinels below. They are orthogonal to the class: a publish failure
// caused by a lost connection is both ErrPublish and transient.
//
//	ErrConnection  cannot reach broker
//	ErrBroker      generic broker operation failure
//	ErrPublish     publish specifically failed
//	ErrNotFound    referenced stream/subject absent
//	ErrDisconnect  expected termination of a duplex connection
//
// Use Tag to attach a sentinel while keeping the original cause reachable:
//
//	if errors.Is(err, jetstream.ErrStreamNotFound) {
//	    return errors.WrapInvalid(errors.Tag(errors.ErrNotFound, err),
//	        "Client", "StreamInfo", "lookup stream")
//	}
//
// # Wrapping pattern
//
// All wrapping follows "component.method: action failed: cause", which keeps
// log lines greppable by component and operation.
package errors
