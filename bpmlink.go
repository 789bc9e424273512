// Package bpmlink streams a one-byte tempo (beats per minute) value to a
// single Bluetooth Low Energy peripheral.
//
// A Session drives one Transport through permission, scanning, connection and
// attribute resolution, and then writes tempo values to the resolved
// characteristic until it is paused, cancelled or the link is lost. Every
// long-running step is bounded by a deadline.
//
// The transport is chosen at build time: BlueZ over D-Bus on Linux,
// CoreBluetooth on macOS and Web Bluetooth when compiled for GOOS=js.
package bpmlink // import "github.com/metrobeat/bpmlink"
