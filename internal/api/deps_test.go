package api

import (
	"testing"

	"gennotes/testutil"
)

func TestHandlersDoNotReachStorageDrivers(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.AnyOf(testutil.StorageDriverImport, testutil.DriverLibraryImport),
		"handlers go through the core service")
}
