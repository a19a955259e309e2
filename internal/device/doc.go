// Package device defines the radio abstraction the health sessions run on:
// a Radio that can scan, dial and serve a single GATT characteristic, the
// Client and Server handles it returns, and the error taxonomy every backend
// normalizes its platform failures into.
//
// Concrete radios live in the go-ble and tinygo subpackages; the
// devicefactory package selects one by name.
package device
