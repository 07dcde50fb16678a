// Package kernel is the component coordination core: a command dispatcher
// over a single-consumer bounded queue, fed by a public facade and an HTTP
// coordination surface.
//
// All state mutation flows through the dispatcher against the one shared
// state store. Short mutations run inline on the dispatcher goroutine;
// long-running work (primitive execution, methodology execution, inbound
// coordination requests) runs in spawned goroutines bounded by a worker
// semaphore, each replying exactly once.
package kernel
