// Package preflight validates the environment before pdfrag writes to a
// corpus or answers queries.
//
// Storage checks (required):
//   - Free disk space under the data directory (minimum 100MB)
//   - Write permission on the data directory, or its nearest existing parent
//   - File descriptor limit (minimum 256)
//
// Corpus checks (advisory):
//   - Extracted documents present in the source directory
//   - Embedding provider reachable
//   - Configured embedding model matches the one the corpus was built with
//
// Ingest runs the storage checks once per data directory and records the
// pass in a marker file; 'pdfrag doctor' runs everything:
//
//	checker := preflight.New()
//	results := checker.RunAll(ctx, preflight.Target{DataDir: dir, SourceDir: src})
//	if checker.HasCriticalFailures(results) {
//	    // refuse to write
//	}
package preflight
