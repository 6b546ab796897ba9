// Package core defines sentinel errors shared across the router.
package core

import "errors"

var (
	// Datagram decoding errors
	ErrDatagramTooShort = errors.New("routed: datagram too short")
	ErrNotEchoRequest   = errors.New("routed: not an ICMP echo request")

	// Configuration errors
	ErrConfigInvalid = errors.New("routed: invalid configuration")

	// Link layer errors
	ErrInterfaceNotFound = errors.New("routed: interface not found")
	ErrHandleClosed      = errors.New("routed: link handle closed")
)
