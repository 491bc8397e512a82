// Package correlator suspends callers until a message matching a predicate
// is published on the coordinator event stream.
//
// Usage:
//
//	w := c.Expect(correlator.All(
//	    correlator.ByCorrelation(req.CorrelationID),
//	    correlator.ByKind(protocol.KindResponse),
//	))
//	_ = router.Submit(ctx, req)
//	resp, err := w.Wait(ctx, 30*time.Second)
//
// Arming with Expect before submitting closes the window in which a fast
// agent could answer before anyone listens. WaitFor combines both steps for
// messages that are not triggered by the caller.
//
// A waiter that times out returns a *TimeoutError (errors.Is
// ErrResponseTimeout) and removes its subscription; late messages for it are
// simply not delivered to anyone.
package correlator
