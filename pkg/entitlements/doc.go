// Package entitlements evaluates Code-X plan entitlements against
// per-user subscription snapshots.
package entitlements
