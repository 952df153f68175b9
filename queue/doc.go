// Package queue is the task store and lifecycle layer of quorumq. Every
// process coordinates through one shared SQLite database: tasks are enqueued
// in QUEUED, claimed atomically by exactly one worker, and moved through a
// fixed state graph whose every edge is written to an append-only event log.
//
// Quick start:
//  1. Open the database with sqlstore.Open (schema is applied on open).
//  2. Create a store with queue.NewSQLStore(db, queue.StoreOptions{}).
//  3. Enqueue with Store.Enqueue, or through a Client to also notify asynq
//     workers that work is available.
//  4. Workers call Store.Claim directly (polling) or run a Processor, which
//     claims from the store whenever an asynq notification arrives.
package queue
