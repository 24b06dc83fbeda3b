package recovery

import (
	"os"
	"testing"

	"github.com/reelrelay/engine/pkg/common/logger"
)

func TestMain(m *testing.M) {
	logger.Init()
	os.Exit(m.Run())
}
