// Package publish turns checkpoints written by a training loop into commits
// on a remote content store.
//
// A Pipeline is driven by two lifecycle hooks, OnEpochEnd and OnTrainEnd.
// Each hook asks the Trigger whether to publish; when it should, the pipeline
// names the checkpoint, asks the caller's Serializer to write it locally,
// reads it back, commits it remotely and optionally removes the local copy.
// Every failure to commit is returned to the caller, which is expected to stop
// the run.
//
// Publishing is synchronous by default. Async moves the upload half onto a
// single background worker with a bounded queue.
package publish
