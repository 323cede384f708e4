// Package registry keeps one worker goroutine per entity and routes requests
// to it.
//
// Each worker owns the state of exactly one entity and handles its messages
// one at a time. The Registry owns the set of live workers: it creates a
// worker on the first create for an id, forwards point requests to the owner,
// answers requests for unknown ids itself, and gathers all entities with a
// bounded wait. A worker that panics is restarted with empty state until its
// restart budget for the window is used up, after which it is stopped and its
// id is forgotten.
package registry
