// Package dontpanic provides function wrappers to ensure that wrapped code does not panic and
// cause program crashes. It is used where the store runs code it does not own, such as the
// completion callbacks supplied by callers.
package dontpanic

import (
	"fmt"
	"runtime/debug"

	"github.com/proxmox/ceph-sub001/internal/log"
)

// Try will wrap the provided function with a panic recovery and return any
// recovered value
func Try(fn func()) (recovered interface{}) {
	defer func() {
		recovered = recover()
	}()

	fn()
	return nil
}

// Guard runs fn and logs a recovered panic at error level along with the stack of the panicking
// goroutine. It returns whether fn panicked.
func Guard(logger log.Logger, fn func()) (panicked bool) {
	defer func() {
		if recovered := recover(); recovered != nil {
			panicked = true
			logger.WithFields(log.Fields{
				"panic": fmt.Sprintf("%+v", recovered),
				"stack": string(debug.Stack()),
			}).Error("dontpanic: panic handled")
		}
	}()

	fn()
	return false
}

// Go will run the provided function in a goroutine and recover from any
// panics. Any recovered value will be emitted via returned channel.
// If no panic occurred, nil will be emitted. The channel is then
// closed.
func Go(fn func()) <-chan interface{} {
	recoverQ := make(chan interface{}, 1)

	go func() {
		defer close(recoverQ)
		recoverQ <- Try(fn)
	}()

	return recoverQ
}
