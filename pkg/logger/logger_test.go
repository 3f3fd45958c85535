package logger_test

import (
	"testing"

	"github.com/OFFIS-RIT/tabgraph/pkg/logger"
	"github.com/OFFIS-RIT/tabgraph/pkg/logger/memory"
)

func TestDispatchToAllBackends(t *testing.T) {
	a := memory.NewMemoryLogger()
	b := memory.NewMemoryLogger()
	logger.Init(a, b)
	defer logger.Reset()

	logger.Error("[Test] boom", "index", 42)
	logger.Info("[Test] fine")

	for _, backend := range []*memory.MemoryLogger{a, b} {
		errs := backend.Entries("error")
		if len(errs) != 1 {
			t.Fatalf("expected 1 error entry, got %d", len(errs))
		}
		if errs[0].Fields["index"] != 42 {
			t.Fatalf("expected keyvals to be forwarded, got %v", errs[0].Fields)
		}
		if len(backend.Entries("")) != 2 {
			t.Fatalf("expected 2 entries, got %d", len(backend.Entries("")))
		}
	}
}

func TestNoopWithoutInit(t *testing.T) {
	logger.Reset()
	logger.Info("[Test] dropped")
}
