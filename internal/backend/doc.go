// Package backend defines the client interface to the external compute
// engine, the normalized event type its socket delivers, and the endpoint
// pool that validates dispatch targets against the engine allow-list.
package backend
