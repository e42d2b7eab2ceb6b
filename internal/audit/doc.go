// Package audit records who changed which instance and why. Entries go
// through an asynchronous Sink so a slow or failing audit store never stalls
// a state transition.
package audit
