package trace

import "fmt"

// ConnectError indicates the broker could not be reached.
type ConnectError struct {
	URL string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("broker connect failed: %v", e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// SubscribeError indicates the trace subscription could not be established
// on an otherwise working connection.
type SubscribeError struct {
	Stage string
	Err   error
}

func (e *SubscribeError) Error() string {
	return fmt.Sprintf("trace subscription failed at %s: %v", e.Stage, e.Err)
}

func (e *SubscribeError) Unwrap() error { return e.Err }

// NormalizeError indicates a single malformed trace record. It is contained
// at the source: the record is rejected without requeue and monitoring
// continues.
type NormalizeError struct {
	RoutingKey string
	Reason     string
}

func (e *NormalizeError) Error() string {
	return fmt.Sprintf("cannot normalize trace record %q: %s", e.RoutingKey, e.Reason)
}

// StopError indicates subscription teardown failed. It is never fatal.
type StopError struct {
	Err error
}

func (e *StopError) Error() string {
	return fmt.Sprintf("trace subscription teardown failed: %v", e.Err)
}

func (e *StopError) Unwrap() error { return e.Err }
