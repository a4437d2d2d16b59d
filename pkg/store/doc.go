/*
Package store implements the transactional MetadataStore contract behind
the Uptane verification engine, with two interchangeable backends.

# Backends

BoltStore keeps every entity in a single embedded BoltDB file, one bucket
per entity, following the same bucket-per-entity transaction-per-call
shape used throughout this codebase's persistence layer: metadata role
documents live in a nested bucket keyed "<repo>:<role>", Root retains
every version while other roles retain only the latest, and writes go
through db.Update so a crash never leaves a bucket half-written.

FSStore mirrors the on-disk layout described for filesystem-rooted
deployments: metadata/director and metadata/repo hold role documents
(versioned files for Root and Images' Targets, a single unversioned file
for Timestamp, Snapshot, and Director's Targets), top-level files hold TLS
credentials, the primary keypair, the ECU roster, and the installed-
version log, and targets/ holds downloaded images. Every write uses a
temp-file-then-rename so a reader never observes a partial file.

# Migration

MigrateFilesystemToDB ingests an FSStore's entire tree into a fresh
BoltStore in one pass, then removes the source directory only once every
entity has been copied successfully.

# Target files

AllocateTargetFile returns a write handle that enforces the declared size
cap as bytes arrive and publishes the file only when the caller commits;
an unwritten or discarded handle leaves nothing visible to readers.
*/
package store
