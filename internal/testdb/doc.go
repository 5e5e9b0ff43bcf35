// Package testdb provides helpers for integration tests that need a real
// PostgreSQL database.
//
// Tests call GetTestDBWithT, which skips the test unless DATABASE_URL (or
// TASKENGINE_TEST_DB_URL) is set, applies the embedded migrations once per
// process and truncates the engine tables so every test starts empty:
//
//	func TestClaimAgainstPostgres(t *testing.T) {
//	    db := testdb.GetTestDBWithT(t)
//	    s := postgres.New(db, nil)
//	    // ...
//	}
//
// Because claims open their own transactions, tests that use this package
// must not run in parallel with each other.
package testdb
