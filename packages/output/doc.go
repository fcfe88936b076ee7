// Package output renders splitrun runs for humans.
//
// The console formatter prints one line per completed unit while a run is in
// progress, followed by the failures and totals once it finishes. It also
// prints unit-to-worker assignments for the list command and dry runs.
package output
