// Package server implements the RCS file-transfer upload service: the
// upload handler that stores a request body and answers with an fthttp
// manifest, the retention sweeper that expires stored files, and the HTTP
// listeners, health and metrics endpoints around them. Optional backends
// (upload ledger, object mirror, event bus) plug in as store and sweep hooks.
package server
