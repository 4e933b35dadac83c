// Package router moves inbound frames off the connection's read path.
//
// Frames are pushed onto an unbounded queue by the delivery callbacks and
// drained by a single route goroutine, which decodes each JSON body and
// hands it to the dispatcher. Frames are dispatched in arrival order. A
// frame that fails to decode is counted and dropped; it never stops the
// loop or affects the connection.
package router
