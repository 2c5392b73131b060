package helpers

// Random synchronisation util stash

import (
	"github.com/temoto/alive/v2"
)

// AliveGo runs f as tracked task of a, returns false after a.Stop().
func AliveGo(a *alive.Alive, f func()) bool {
	if !a.Add(1) {
		return false
	}
	go func() {
		defer a.Done()
		f()
	}()
	return true
}
