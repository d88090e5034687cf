// Package remotestore defines the remote document store that holds the
// authoritative subscription state, together with two implementations.
//
// MongoStore runs on MongoDB through go.mongodb.org/mongo-driver/v2: Get,
// Set and Merge map to FindOne, ReplaceOne and UpdateOne with upsert, Merge
// stamps updatedAt with $currentDate, and Subscribe turns a change stream
// into full-result snapshots. MemoryStore offers the same semantics in
// process for tests and offline sessions.
//
// A Query names a collection plus equality and range filters. Query.Key
// yields an order-independent signature, which the listener optimizer uses to
// share one feed between every consumer of the same query.
package remotestore
