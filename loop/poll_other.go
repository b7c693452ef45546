//go:build !linux
// +build !linux

package loop

import "errors"

// Only epoll is supported; other platforms must inject a Poller via Config.
func openPoller() (Poller, error) {
	return nil, errors.New("no platform poller on this OS; provide Config.Poller")
}
