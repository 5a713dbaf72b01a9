package memory

import (
	"testing"

	"github.com/example/magiclink/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Backend { return New() })
}
