//go:build !linux

package main

// daemonize is a no-op outside Linux; the gateway's target deployment
// is always a Linux-based embedded coupler.
func daemonize() {}
