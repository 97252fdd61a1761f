package health

import (
	"context"
	"fmt"
	"net"
	"time"
)

// AddressFunc resolves the address to dial at check time, so targets that
// move, like the sage, are followed.
type AddressFunc func(ctx context.Context) (string, error)

// TCPChecker performs TCP-based health checks
type TCPChecker struct {
	Address AddressFunc

	// Timeout is the connection timeout (default: 5 seconds)
	Timeout time.Duration
}

// NewTCPChecker creates a new TCP health checker for a fixed address
func NewTCPChecker(address string) *TCPChecker {
	return NewTCPCheckerFunc(func(context.Context) (string, error) { return address, nil })
}

// NewTCPCheckerFunc creates a TCP health checker resolving its address
// through fn
func NewTCPCheckerFunc(fn AddressFunc) *TCPChecker {
	return &TCPChecker{
		Address: fn,
		Timeout: 5 * time.Second,
	}
}

// Check performs the TCP health check
func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	address, err := t.Address(ctx)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("no address: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	dialer := &net.Dialer{
		Timeout: t.Timeout,
	}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("connection failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	defer conn.Close()

	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("TCP connection to %s successful", address),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (t *TCPChecker) Type() CheckType {
	return CheckTypeTCP
}

// WithTimeout sets the connection timeout
func (t *TCPChecker) WithTimeout(timeout time.Duration) *TCPChecker {
	t.Timeout = timeout
	return t
}
