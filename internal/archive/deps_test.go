package archive

import (
	"testing"

	"gennotes/testutil"
)

func TestArchiveReadsThroughDomainView(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.AnyOf(testutil.StorageDriverImport, testutil.DriverLibraryImport),
		"archives read a domain.TransactionView snapshot")
}
