// Package report mines a library offline: per-run timings from the JSON run
// logs, CSV and SQLite exports of those timings, an HTML QA summary, and the
// list of desired reconstructions that have no image yet.
//
// Nothing here takes a lock or touches the queue; the diff hands its result
// to the caller, which may resubmit it through queue.Submit.
package report
