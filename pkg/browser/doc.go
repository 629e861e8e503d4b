// Package browser drives the chat web client for a worker.
//
// A Driver opens one Session per worker profile directory. The session keeps
// the profile's cookies and local storage between runs, so a device linked
// once stays linked until the remote side logs it out.
//
// # Selectors
//
// Selectors are CSS by default. A selector starting with "//" is evaluated as
// XPath, which the chat client's text-only buttons need:
//
//	span[title="Team"]
//	//div[text()='Add member']
//
// # Cleanup
//
// A crashed or killed browser leaves renderer processes and Singleton* lock
// files behind, and the next launch on the same profile refuses to start
// until they are gone. KillRenderers, RemoveLocks and SweepLocks clear them.
package browser
