package ledger_test

import (
	"testing"

	"github.com/sirosfoundation/go-secgw/pkg/ledger"
	"github.com/sirosfoundation/go-secgw/pkg/ledger/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, ledger.NewMemoryStore())
}
